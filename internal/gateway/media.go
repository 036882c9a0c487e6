package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Media-stream wire messages. Every frame is a JSON envelope with an "event"
// discriminator; audio payloads travel base64-encoded inside "media" frames
// together with a per-connection monotonic sequence number.

type envelope struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSID      string      `json:"streamSid,omitempty"`
	Start          *startFrame `json:"start,omitempty"`
	Media          *mediaFrame `json:"media,omitempty"`
	Stop           *stopFrame  `json:"stop,omitempty"`
	Mark           *markFrame  `json:"mark,omitempty"`
}

type startFrame struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid,omitempty"`
	CallSID      string            `json:"callSid,omitempty"`
	Tracks       []string          `json:"tracks,omitempty"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaFrame struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type stopFrame struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

type markFrame struct {
	Name string `json:"name"`
}

func parseEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("gateway: malformed frame: %w", err)
	}
	if env.Event == "" {
		return envelope{}, fmt.Errorf("gateway: frame missing event discriminator")
	}
	return env, nil
}

// encodeMediaFrame builds an outbound audio frame for one u-law chunk.
func encodeMediaFrame(streamSID string, seq uint64, ulaw []byte) ([]byte, error) {
	env := envelope{
		Event:          "media",
		SequenceNumber: strconv.FormatUint(seq, 10),
		StreamSID:      streamSID,
		Media: &mediaFrame{
			Payload: base64.StdEncoding.EncodeToString(ulaw),
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode media frame: %w", err)
	}
	return data, nil
}
