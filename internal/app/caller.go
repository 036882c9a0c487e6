package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Caller places the phone call whose media stream the gateway receives. The
// production implementation drives a telephony provider's REST API; the
// gateway itself never dials.
type Caller interface {
	// Call requests a call to the given number, advertising streamURL as the
	// media-stream endpoint. It returns once the call request is accepted.
	Call(ctx context.Context, to, streamURL string) error
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, to, streamURL string) error

// Call invokes the function.
func (f CallerFunc) Call(ctx context.Context, to, streamURL string) error {
	return f(ctx, to, streamURL)
}

// playbackFrameBytes is the u-law chunk per playback frame: 20 ms at 8 kHz.
const playbackFrameBytes = 160

// PlaybackCaller simulates a far end by connecting to the gateway itself and
// replaying a recorded call's audio in real time. It speaks the same media
// stream protocol a telephony provider would, so the whole pipeline short of
// actual telephony can be exercised against a recording.
type PlaybackCaller struct {
	audioPath string
	from      string
	interval  time.Duration
	logger    *slog.Logger
}

// PlaybackOption configures a PlaybackCaller.
type PlaybackOption func(*PlaybackCaller)

// WithPlaybackFrom sets the caller identity presented to the gateway.
func WithPlaybackFrom(from string) PlaybackOption {
	return func(p *PlaybackCaller) { p.from = from }
}

// WithPlaybackInterval overrides the 20 ms pacing between audio frames.
// Mostly useful in tests, where real-time pacing only slows things down.
func WithPlaybackInterval(d time.Duration) PlaybackOption {
	return func(p *PlaybackCaller) { p.interval = d }
}

// WithPlaybackLogger sets the caller's logger.
func WithPlaybackLogger(l *slog.Logger) PlaybackOption {
	return func(p *PlaybackCaller) { p.logger = l }
}

// NewPlaybackCaller creates a PlaybackCaller replaying the raw 8 kHz u-law
// recording at audioPath.
func NewPlaybackCaller(audioPath string, opts ...PlaybackOption) *PlaybackCaller {
	p := &PlaybackCaller{
		audioPath: audioPath,
		from:      "+10000000000",
		interval:  20 * time.Millisecond,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Call connects to streamURL, performs the start handshake, and paces the
// recording through the stream. It returns when the recording is exhausted
// and the gateway closes the stream, or when ctx is cancelled.
func (p *PlaybackCaller) Call(ctx context.Context, to, streamURL string) error {
	recording, err := os.ReadFile(p.audioPath)
	if err != nil {
		return fmt.Errorf("app: read playback recording: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("app: dial media stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "playback finished")

	streamSID := "MZ" + uuid.NewString()

	if err := p.handshake(ctx, conn, streamSID, to); err != nil {
		return err
	}
	p.logger.Info("playback call started", "stream_id", streamSID, "bytes", len(recording))

	// The gateway's tone responses arrive on the same socket; drain them so
	// the connection does not stall, and stop once the gateway closes.
	closed := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				closed <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	seq := uint64(0)
	for off := 0; off < len(recording); off += playbackFrameBytes {
		end := off + playbackFrameBytes
		if end > len(recording) {
			end = len(recording)
		}
		seq++
		if err := p.sendMedia(ctx, conn, streamSID, seq, recording[off:end]); err != nil {
			// The gateway hanging up mid-playback means the test finished
			// early, which is not a caller failure.
			select {
			case <-closed:
				return nil
			default:
				return err
			}
		}

		select {
		case <-ticker.C:
		case err := <-closed:
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("app: media stream closed during playback: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Recording exhausted: keep the call up until the gateway finishes the
	// test and hangs up.
	select {
	case err := <-closed:
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil
		}
		return fmt.Errorf("app: media stream closed: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PlaybackCaller) handshake(ctx context.Context, conn *websocket.Conn, streamSID, to string) error {
	frames := []any{
		map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"},
		map[string]any{
			"event":     "start",
			"streamSid": streamSID,
			"start": map[string]any{
				"streamSid": streamSID,
				"callSid":   "CA" + uuid.NewString(),
				"mediaFormat": map[string]any{
					"encoding":   "audio/x-mulaw",
					"sampleRate": 8000,
					"channels":   1,
				},
				"customParameters": map[string]string{
					"from": p.from,
					"to":   to,
				},
			},
		},
	}
	for _, frame := range frames {
		if err := p.writeJSON(ctx, conn, frame); err != nil {
			return fmt.Errorf("app: media stream handshake: %w", err)
		}
	}
	return nil
}

func (p *PlaybackCaller) sendMedia(ctx context.Context, conn *websocket.Conn, streamSID string, seq uint64, chunk []byte) error {
	return p.writeJSON(ctx, conn, map[string]any{
		"event":          "media",
		"sequenceNumber": strconv.FormatUint(seq, 10),
		"streamSid":      streamSID,
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(chunk),
		},
	})
}

func (p *PlaybackCaller) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		if errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		return err
	}
	return nil
}
