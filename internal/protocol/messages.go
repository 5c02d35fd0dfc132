package protocol

import "time"

// RecognitionRequest is the body posted to the recognizer for one frame.
type RecognitionRequest struct {
	Image     string `json:"image"`
	SessionID string `json:"sessionId"`
}

// RecognitionResponse is the recognizer reply. Every field is optional.
type RecognitionResponse struct {
	Sign       *string  `json:"sign,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Error      *string  `json:"error,omitempty"`
}

// Sentinel sign values the recognizer uses to mean "no result yet".
const (
	SignProcessing = "Processing..."
	SignError      = "Error"
)

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// STTError reports a speech recognition failure for a session.
type STTError struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DictationControl asks the audio edge to start or stop streaming for a session.
type DictationControl struct {
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Status mirrors the indicators shown next to the transcript.
type Status struct {
	SessionID  string    `json:"session_id"`
	Camera     string    `json:"camera"`
	Detection  string    `json:"detection"`
	Symbol     string    `json:"symbol"`
	Confidence string    `json:"confidence"`
	Dictation  string    `json:"dictation"`
	Alert      string    `json:"alert,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TranscriptUpdate carries the full transcript text and caret after a mutation.
type TranscriptUpdate struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Caret     int       `json:"caret"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSTTError          = "stt.error"
	SubjectDictationControl  = "dictation.control"
	SubjectSignStatus        = "sign.status"
	SubjectSignTranscript    = "sign.transcript"
)

const (
	DictationStart = "start"
	DictationStop  = "stop"
	// DictationEnded is sent by the audio edge when it stops on its own.
	DictationEnded = "ended"
)
