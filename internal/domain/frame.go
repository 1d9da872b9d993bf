package domain

type FrameKind uint8

const (
	FrameVideo FrameKind = iota + 1
	FrameAudio
)

func (k FrameKind) String() string {
	switch k {
	case FrameVideo:
		return "video"
	case FrameAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Frame is one unit of ingress. Timestamp is sender supplied, in milliseconds.
type Frame struct {
	Timestamp int64
	Kind      FrameKind
	Payload   []byte
}

type ControlAction string

const (
	StartRecording  ControlAction = "start_recording"
	StopRecording   ControlAction = "stop_recording"
	PauseRecording  ControlAction = "pause_recording"
	ResumeRecording ControlAction = "resume_recording"
)

// Envelope carries exactly one of Frame or Control.
type Envelope struct {
	Frame   *Frame
	Control ControlAction
}

func (e Envelope) IsControl() bool { return e.Control != "" }
