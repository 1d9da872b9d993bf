package core

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dkeye/StreamRoom/internal/domain"
	jsoniter "github.com/json-iterator/go"
)

// Binary frames are laid out as kind(1) | timestamp ms big endian(8) | payload.
const binaryHeaderLen = 9

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var controlAliases = map[string]domain.ControlAction{
	"start_recording":  domain.StartRecording,
	"stop_recording":   domain.StopRecording,
	"pause_recording":  domain.PauseRecording,
	"resume_recording": domain.ResumeRecording,
	"startrecording":   domain.StartRecording,
	"stoprecording":    domain.StopRecording,
	"pauserecording":   domain.PauseRecording,
	"resumerecording":  domain.ResumeRecording,
}

var kindNames = map[string]domain.FrameKind{
	"video": domain.FrameVideo,
	"audio": domain.FrameAudio,
}

type textEnvelope struct {
	Type      string `json:"type"`
	Action    string `json:"action,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

// DecodeBinary parses a binary frame message.
func DecodeBinary(data []byte) (domain.Envelope, error) {
	if len(data) <= binaryHeaderLen {
		return domain.Envelope{}, fmt.Errorf("%w: %d bytes is too short", domain.ErrMalformedFrame, len(data))
	}
	kind := domain.FrameKind(data[0])
	if kind != domain.FrameVideo && kind != domain.FrameAudio {
		return domain.Envelope{}, fmt.Errorf("%w: unknown kind %d", domain.ErrMalformedFrame, data[0])
	}
	ts := int64(binary.BigEndian.Uint64(data[1:binaryHeaderLen]))
	payload := make([]byte, len(data)-binaryHeaderLen)
	copy(payload, data[binaryHeaderLen:])
	return domain.Envelope{Frame: &domain.Frame{Timestamp: ts, Kind: kind, Payload: payload}}, nil
}

// EncodeBinary is the inverse of DecodeBinary.
func EncodeBinary(f domain.Frame) []byte {
	out := make([]byte, binaryHeaderLen+len(f.Payload))
	out[0] = byte(f.Kind)
	binary.BigEndian.PutUint64(out[1:binaryHeaderLen], uint64(f.Timestamp))
	copy(out[binaryHeaderLen:], f.Payload)
	return out
}

// DecodeText parses a JSON envelope: either
// {"type":"control","action":"start_recording"} or
// {"type":"frame","timestamp":1,"kind":"video","payload":"<base64>"}.
func DecodeText(data []byte) (domain.Envelope, error) {
	var env textEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}
	switch env.Type {
	case "control":
		action, ok := controlAliases[strings.ToLower(env.Action)]
		if !ok {
			return domain.Envelope{}, fmt.Errorf("%w: unknown action %q", domain.ErrMalformedFrame, env.Action)
		}
		return domain.Envelope{Control: action}, nil
	case "frame":
		kind, ok := kindNames[strings.ToLower(env.Kind)]
		if !ok {
			return domain.Envelope{}, fmt.Errorf("%w: unknown kind %q", domain.ErrMalformedFrame, env.Kind)
		}
		if len(env.Payload) == 0 {
			return domain.Envelope{}, fmt.Errorf("%w: empty payload", domain.ErrMalformedFrame)
		}
		return domain.Envelope{Frame: &domain.Frame{Timestamp: env.Timestamp, Kind: kind, Payload: env.Payload}}, nil
	default:
		return domain.Envelope{}, fmt.Errorf("%w: unknown type %q", domain.ErrMalformedFrame, env.Type)
	}
}

// ParseControlAction accepts the same spellings as the text envelope.
func ParseControlAction(s string) (domain.ControlAction, bool) {
	a, ok := controlAliases[strings.ToLower(strings.ReplaceAll(s, "-", "_"))]
	if !ok {
		a, ok = controlAliases[strings.ToLower(s)+"_recording"]
	}
	return a, ok
}
