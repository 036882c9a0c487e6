package gateway_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxproof/voxproof/internal/flow"
	"github.com/voxproof/voxproof/internal/gateway"
	"github.com/voxproof/voxproof/internal/scenario"
	"github.com/voxproof/voxproof/pkg/audio"
	"github.com/voxproof/voxproof/pkg/dtmf"
	"github.com/voxproof/voxproof/pkg/match"
	"github.com/voxproof/voxproof/pkg/transcriber/mock"
)

type recorder struct {
	mu     sync.Mutex
	events []flow.Event
}

func (r *recorder) HandleEvent(ev flow.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Name() == name {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testScenario(press string) *scenario.Scenario {
	return &scenario.Scenario{
		Name: "pin entry",
		Steps: []scenario.Step{{
			Prompt:             match.Contains("enter your pin"),
			Press:              press,
			SilenceAfterPrompt: 50 * time.Millisecond,
			Timeout:            3 * time.Second,
		}},
	}
}

func startServer(t *testing.T, scn *scenario.Scenario, provider *mock.Provider, rec *recorder) (*gateway.Server, string) {
	t.Helper()
	srv, err := gateway.New(scn, provider,
		gateway.WithObservers(rec),
		gateway.WithShutdownGrace(time.Second),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	url, err := srv.Start(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, url
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial(%q) error = %v", url, err)
	}
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func startHandshake(streamSID string, params map[string]string) []map[string]any {
	return []map[string]any{
		{"event": "connected", "protocol": "Call", "version": "1.0.0"},
		{
			"event":     "start",
			"streamSid": streamSID,
			"start": map[string]any{
				"streamSid": streamSID,
				"callSid":   "CA0001",
				"mediaFormat": map[string]any{
					"encoding":   "audio/x-mulaw",
					"sampleRate": 8000,
					"channels":   1,
				},
				"customParameters": params,
			},
		},
	}
}

func identityParams() map[string]string {
	return map[string]string{"from": "+15550100", "to": "+15550199"}
}

type wireFrame struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber"`
	StreamSID      string `json:"streamSid"`
	Media          *struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

func TestGatewayEndToEnd(t *testing.T) {
	sess := mock.NewSession()
	provider := &mock.Provider{Session: sess}
	rec := &recorder{}
	_, url := startServer(t, testScenario("1"), provider, rec)

	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for _, frame := range startHandshake("MZ0001", identityParams()) {
		sendJSON(t, conn, frame)
	}
	waitFor(t, "callConnected", func() bool { return rec.has("callConnected") })

	// Inbound audio reaches the transcriber stream decoded from base64.
	inbound := []byte{0x7f, 0x00, 0x55, 0xaa}
	sendJSON(t, conn, map[string]any{
		"event":     "media",
		"streamSid": "MZ0001",
		"media":     map[string]any{"payload": base64.StdEncoding.EncodeToString(inbound)},
	})
	waitFor(t, "audio forwarded", func() bool { return len(sess.Chunks()) == 1 })
	if got := sess.Chunks()[0]; string(got) != string(inbound) {
		t.Errorf("forwarded chunk = %v, want %v", got, inbound)
	}

	sess.Emit("please enter your pin", true)

	// Collect outbound frames until the server closes the finished stream.
	var payload []byte
	lastSeq := uint64(0)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
				t.Fatalf("close status = %v, want %v (err %v)", status, websocket.StatusNormalClosure, err)
			}
			break
		}
		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
		if frame.Event != "media" || frame.Media == nil {
			continue
		}
		if frame.StreamSID != "MZ0001" {
			t.Errorf("outbound streamSid = %q, want %q", frame.StreamSID, "MZ0001")
		}
		seq, err := strconv.ParseUint(frame.SequenceNumber, 10, 64)
		if err != nil {
			t.Fatalf("bad sequence number %q: %v", frame.SequenceNumber, err)
		}
		if seq != lastSeq+1 {
			t.Errorf("sequence number = %d, want %d", seq, lastSeq+1)
		}
		lastSeq = seq

		chunk, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
		if err != nil {
			t.Fatalf("decode outbound payload: %v", err)
		}
		payload = append(payload, chunk...)
	}

	tones, err := dtmf.Generate("1")
	if err != nil {
		t.Fatalf("Generate(%q) error = %v", "1", err)
	}
	want := audio.EncodeULaw(tones)
	if string(payload) != string(want) {
		t.Errorf("outbound audio = %d bytes, want %d bytes of synthesized tones", len(payload), len(want))
	}

	waitFor(t, "callDisconnected", func() bool { return rec.has("callDisconnected") })
	for _, name := range []string{"conditionMet", "promptMatched", "allPromptsMatched", "testPassed"} {
		if !rec.has(name) {
			t.Errorf("missing %q event", name)
		}
	}
	waitFor(t, "transcriber stream released", sess.Closed)
}

func TestGatewayMissingCallIdentity(t *testing.T) {
	provider := &mock.Provider{}
	rec := &recorder{}
	_, url := startServer(t, testScenario(""), provider, rec)

	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for _, frame := range startHandshake("MZ0002", map[string]string{"from": "+15550100"}) {
		sendJSON(t, conn, frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the stream to be rejected")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want %v", status, websocket.StatusPolicyViolation)
	}
	if rec.has("callConnected") {
		t.Error("callConnected emitted for a rejected stream")
	}
}

func TestGatewayDuplicateStream(t *testing.T) {
	provider := &mock.Provider{}
	rec := &recorder{}
	srv, url := startServer(t, testScenario(""), provider, rec)

	first := dial(t, url)
	defer first.Close(websocket.StatusNormalClosure, "")
	for _, frame := range startHandshake("MZ0003", identityParams()) {
		sendJSON(t, first, frame)
	}
	waitFor(t, "first stream registered", func() bool { return srv.Registry().Len() == 1 })

	second := dial(t, url)
	defer second.Close(websocket.StatusNormalClosure, "")
	for _, frame := range startHandshake("MZ0003", identityParams()) {
		sendJSON(t, second, frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want %v (err %v)", status, websocket.StatusPolicyViolation, err)
	}

	if got := srv.Registry().Len(); got != 1 {
		t.Errorf("Registry().Len() = %d, want 1", got)
	}
}

func TestGatewayStartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()

	srv, err := gateway.New(testScenario(""), &mock.Provider{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = srv.Start(context.Background(), ln.Addr().String())
	if !errors.Is(err, gateway.ErrServerStart) {
		t.Errorf("Start() error = %v, want %v", err, gateway.ErrServerStart)
	}
}

func TestGatewayStopForceClosesCalls(t *testing.T) {
	sess := mock.NewSession()
	provider := &mock.Provider{Session: sess}
	rec := &recorder{}
	srv, err := gateway.New(testScenario(""), provider,
		gateway.WithObservers(rec),
		gateway.WithShutdownGrace(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	url, err := srv.Start(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")
	for _, frame := range startHandshake("MZ0004", identityParams()) {
		sendJSON(t, conn, frame)
	}
	waitFor(t, "stream registered", func() bool { return srv.Registry().Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	waitFor(t, "in-flight call failed", func() bool { return rec.has("testFailed") })
	waitFor(t, "registry drained", func() bool { return srv.Registry().Len() == 0 })
	waitFor(t, "transcriber stream released", sess.Closed)
}

func TestGatewayStopWithoutCalls(t *testing.T) {
	srv, _ := startServer(t, testScenario(""), &mock.Provider{}, &recorder{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestGatewayStepTimeoutClosesStream(t *testing.T) {
	scn := &scenario.Scenario{
		Name: "timeout",
		Steps: []scenario.Step{{
			Prompt:             match.Contains("never spoken"),
			SilenceAfterPrompt: 50 * time.Millisecond,
			Timeout:            150 * time.Millisecond,
		}},
	}
	rec := &recorder{}
	_, url := startServer(t, scn, &mock.Provider{}, rec)

	conn := dial(t, url)
	defer conn.Close(websocket.StatusNormalClosure, "")
	for _, frame := range startHandshake("MZ0005", identityParams()) {
		sendJSON(t, conn, frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	waitFor(t, "timeout reported", func() bool { return rec.has("timeoutWaitingForMatch") })
	waitFor(t, "failure reported", func() bool { return rec.has("testFailed") })
}
