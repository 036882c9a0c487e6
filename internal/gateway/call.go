package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voxproof/voxproof/internal/flow"
	"github.com/voxproof/voxproof/pkg/audio"
	"github.com/voxproof/voxproof/pkg/transcriber"
)

// outboundFrameBytes is the u-law chunk size per outbound media frame:
// 20 ms at 8 kHz.
const outboundFrameBytes = 160

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 10 * time.Second

// CallSession binds one media-stream connection to its test session: it owns
// the stream's read and write sides, the transcriber stream, and the flow
// session driving the scenario.
type CallSession struct {
	streamID string
	call     flow.CallRef
	conn     *websocket.Conn
	flow     *flow.Session
	stt      transcriber.SessionHandle
	logger   *slog.Logger

	seq     atomic.Uint64
	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newCallSession(ctx context.Context, call flow.CallRef, conn *websocket.Conn, stt transcriber.SessionHandle, logger *slog.Logger) *CallSession {
	ctx, cancel := context.WithCancel(ctx)
	return &CallSession{
		streamID: call.StreamID,
		call:     call,
		conn:     conn,
		stt:      stt,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Call returns the call identity for this stream.
func (cs *CallSession) Call() flow.CallRef { return cs.call }

// bind attaches the flow session and starts pumping transcription events
// into it.
func (cs *CallSession) bind(fs *flow.Session) {
	cs.flow = fs
	go cs.pumpTranscriptions()
}

// pumpTranscriptions forwards transcriber events to the flow session in
// arrival order.
func (cs *CallSession) pumpTranscriptions() {
	for {
		select {
		case ev, ok := <-cs.stt.Events():
			if !ok {
				return
			}
			cs.flow.HandleTranscription(ev)
		case <-cs.ctx.Done():
			return
		}
	}
}

// forwardAudio passes one inbound u-law chunk to the transcriber stream.
func (cs *CallSession) forwardAudio(ulaw []byte) error {
	if err := cs.stt.SendAudio(ulaw); err != nil {
		return fmt.Errorf("gateway: forward audio to transcriber: %w", err)
	}
	return nil
}

// WriteAudio encodes PCM response audio to u-law and writes it to the stream
// in framed chunks, each carrying the connection's next sequence number.
// It implements [flow.AudioWriter].
func (cs *CallSession) WriteAudio(samples []int16) error {
	ulaw := audio.EncodeULaw(samples)

	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()

	for off := 0; off < len(ulaw); off += outboundFrameBytes {
		end := off + outboundFrameBytes
		if end > len(ulaw) {
			end = len(ulaw)
		}

		frame, err := encodeMediaFrame(cs.streamID, cs.seq.Add(1), ulaw[off:end])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cs.ctx, writeTimeout)
		err = cs.conn.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			return fmt.Errorf("gateway: write media frame: %w", err)
		}
	}
	return nil
}

// Stop aborts the session's test without waiting for the far end to hang up.
func (cs *CallSession) Stop(reason string) {
	if cs.flow != nil {
		cs.flow.Stop(reason)
	}
}

// close releases the session's resources: the transcriber stream, the
// connection, and the event pump. Safe to call multiple times.
func (cs *CallSession) close(code websocket.StatusCode, reason string) {
	cs.closeOnce.Do(func() {
		cs.cancel()
		if err := cs.stt.Close(); err != nil {
			cs.logger.Warn("transcriber stream close error", "err", err)
		}
		_ = cs.conn.Close(code, reason)
	})
}
