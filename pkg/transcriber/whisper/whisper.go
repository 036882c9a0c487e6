// Package whisper provides a transcriber.Provider backed by a local
// whisper-server instance (the HTTP server that ships with whisper.cpp).
//
// whisper is a batch engine, so the provider simulates streaming: it buffers
// incoming audio, applies an energy-based silence detector to segment
// utterances, and submits each completed utterance as one inference request.
// Each utterance yields a single final Event; no interim partials are emitted.
//
// Telephony media streams deliver G.711 u-law at 8 kHz; the session decodes
// and upsamples to 16 kHz linear PCM, which is what whisper models expect.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	handle, err := p.StartStream(ctx, transcriber.StreamConfig{
//	    SampleRate: 8000,
//	    Encoding:   transcriber.EncodingULaw,
//	})
//	handle.SendAudio(ulawChunk)
//	ev := <-handle.Events()
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/voxproof/voxproof/pkg/audio"
	"github.com/voxproof/voxproof/pkg/transcriber"
)

const (
	// inferenceSampleRate is the PCM rate submitted to whisper-server.
	inferenceSampleRate = 16000

	// defaultRMSThreshold is the RMS level (16-bit PCM units) below which a
	// chunk is treated as silence. 300 corresponds to near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
)

// Compile-time assertion that Provider implements transcriber.Provider.
var _ transcriber.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to whisper-server (e.g.
// "base.en"). When empty the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language code sent with each inference request (e.g.
// "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilenceThresholdMs sets the consecutive-silence duration (milliseconds)
// that commits the buffered speech as one utterance. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs caps the audio (milliseconds) that may accumulate
// before an inference is forced regardless of silence. Defaults to 10 s.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferDurationMs = ms }
}

// Provider implements transcriber.Provider against a whisper-server HTTP
// endpoint. Multiple sessions may be open simultaneously; each maintains its
// own buffer and goroutine.
type Provider struct {
	serverURL           string
	model               string
	language            string
	silenceThresholdMs  int
	maxBufferDurationMs int
	httpClient          *http.Client
}

// New creates a Provider for the whisper-server at serverURL (e.g.
// "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:           serverURL,
		language:            defaultLanguage,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// CheckCanRun probes the whisper-server. Any HTTP response counts as
// reachable; only a transport-level failure reports CanRun false.
func (p *Provider) CheckCanRun(ctx context.Context) transcriber.CheckResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+"/health", nil)
	if err != nil {
		return transcriber.CheckResult{Reason: fmt.Sprintf("whisper: bad server URL %q: %v", p.serverURL, err)}
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return transcriber.CheckResult{Reason: fmt.Sprintf("whisper: server %s is unreachable: %v", p.serverURL, err)}
	}
	resp.Body.Close()
	return transcriber.CheckResult{CanRun: true}
}

// StartStream opens a new transcription session. The returned handle is ready
// to accept audio immediately; no network connection is established until the
// first utterance is committed.
func (p *Provider) StartStream(ctx context.Context, cfg transcriber.StreamConfig) (transcriber.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = 8000
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = transcriber.EncodingULaw
	}

	s := &session{
		serverURL:           p.serverURL,
		model:               p.model,
		language:            lang,
		sampleRate:          sr,
		encoding:            enc,
		silenceThresholdMs:  p.silenceThresholdMs,
		maxBufferDurationMs: p.maxBufferDurationMs,
		httpClient:          p.httpClient,

		audioCh: make(chan []byte, 256),
		events:  make(chan transcriber.Event, 64),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// session is a live whisper transcription session. All mutable buffer state
// is confined to the processLoop goroutine.
type session struct {
	serverURL           string
	model               string
	language            string
	sampleRate          int
	encoding            transcriber.Encoding
	silenceThresholdMs  int
	maxBufferDurationMs int
	httpClient          *http.Client

	audioCh chan []byte
	events  chan transcriber.Event

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a chunk of raw audio in the encoding agreed in
// StreamConfig. Calling SendAudio after Close returns an error.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whisper: session is closed")
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errors.New("whisper: session is closed")
	}
}

// Events returns the session's transcription stream. Each committed utterance
// produces exactly one final event. The channel is closed when the session ends.
func (s *session) Events() <-chan transcriber.Event { return s.events }

// Close terminates the session, flushes any pending speech for a final
// inference, and closes the Events channel. Safe to call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop owns silence detection, buffering and inference dispatch.
func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	var (
		buffer    []int16 // accumulated PCM for the current utterance
		hadSpeech bool
		silenceMs int
	)

	samplesPerMs := s.sampleRate / 1000
	if samplesPerMs <= 0 {
		samplesPerMs = 8
	}
	maxBufferSamples := s.maxBufferDurationMs * samplesPerMs

	doFlush := func(flushCtx context.Context) {
		if len(buffer) == 0 || !hadSpeech {
			buffer = nil
			hadSpeech = false
			silenceMs = 0
			return
		}

		pcm := buffer
		buffer = nil
		hadSpeech = false
		silenceMs = 0

		text, err := s.infer(flushCtx, pcm)
		if err != nil || text == "" {
			return
		}

		// Non-blocking send: the channel holds 64 events; if the consumer has
		// fallen that far behind during shutdown we skip rather than deadlock.
		select {
		case s.events <- transcriber.Event{Text: text, Final: true, Timestamp: time.Now()}:
		default:
		}
	}

	// final flush uses a fresh context; the caller's ctx may be cancelled.
	flushWithTimeout := func() {
		fc, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		doFlush(fc)
	}

	for {
		select {
		case <-ctx.Done():
			flushWithTimeout()
			return

		case <-s.done:
			flushWithTimeout()
			return

		case chunk, ok := <-s.audioCh:
			if !ok {
				flushWithTimeout()
				return
			}

			pcm := s.decode(chunk)
			if len(pcm) == 0 {
				continue
			}
			chunkMs := len(pcm) / samplesPerMs

			if rms(pcm) < defaultRMSThreshold {
				// Leading silence before any speech is discarded.
				if hadSpeech {
					silenceMs += chunkMs
					buffer = append(buffer, pcm...)
					if silenceMs >= s.silenceThresholdMs {
						doFlush(ctx)
					}
				}
			} else {
				hadSpeech = true
				silenceMs = 0
				buffer = append(buffer, pcm...)
				if maxBufferSamples > 0 && len(buffer) >= maxBufferSamples {
					doFlush(ctx)
				}
			}
		}
	}
}

// decode converts an incoming chunk to 16-bit linear PCM at the session rate.
func (s *session) decode(chunk []byte) []int16 {
	switch s.encoding {
	case transcriber.EncodingULaw:
		return audio.DecodeULaw(chunk)
	default:
		return audio.BytesToPCM16(chunk)
	}
}

// infer upsamples pcm to the inference rate, wraps it as WAV and POSTs it to
// the whisper-server /inference endpoint.
func (s *session) infer(ctx context.Context, pcm []int16) (string, error) {
	pcm = audio.ResampleMono16(pcm, s.sampleRate, inferenceSampleRate)
	wav := encodeWAV(audio.PCM16ToBytes(pcm), inferenceSampleRate)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if s.language != "" {
		if err := mw.WriteField("language", s.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if s.model != "" {
		if err := mw.WriteField("model", s.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}

// encodeWAV wraps raw 16-bit signed little-endian mono PCM in a RIFF/WAV
// container suitable for multipart upload.
func encodeWAV(pcm []byte, sampleRate int) []byte {
	const bps = 16
	byteRate := sampleRate * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], bps/8)
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// rms computes the root-mean-square energy of a PCM chunk.
func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
