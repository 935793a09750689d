package protocol

import "time"

// AudioFrame represents PCM audio data streamed from a capture client.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Flag is a slang match as it travels on the wire.
type Flag struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
	Generation string `json:"generation"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Surface    string `json:"surface,omitempty"`
}

// FlaggedTranscript is what viewers receive: every transcript, with flags
// filled in for finals only.
type FlaggedTranscript struct {
	Type        string    `json:"type"` // final, interim
	SessionID   string    `json:"session_id"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Text        string    `json:"text"`
	Flags       []Flag    `json:"flags"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	TypeFinal   = "final"
	TypeInterim = "interim"
)

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSlangFlags        = "slang.flags"
)
