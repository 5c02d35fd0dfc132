package recognition

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-sign/internal/protocol"
)

// Kind tags the variant held by an Outcome.
type Kind int

const (
	KindNoDetection Kind = iota
	KindSymbol
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindSymbol:
		return "symbol"
	case KindError:
		return "error"
	default:
		return "no_detection"
	}
}

// Outcome is the classified result of one recognition request.
type Outcome struct {
	Kind       Kind
	Symbol     string
	Confidence float64
	// HasConfidence is false when the recognizer did not report a score.
	HasConfidence bool
	Message       string
}

func Symbol(value string, confidence float64) Outcome {
	return Outcome{Kind: KindSymbol, Symbol: value, Confidence: clamp(confidence), HasConfidence: true}
}

func NoDetection() Outcome {
	return Outcome{Kind: KindNoDetection}
}

func Error(message string) Outcome {
	return Outcome{Kind: KindError, Message: message}
}

func Errorf(format string, args ...any) Outcome {
	return Error(fmt.Sprintf(format, args...))
}

// Classify maps a recognizer response onto an Outcome. An error field wins
// over everything else; sentinel sign values count as no detection.
func Classify(resp protocol.RecognitionResponse) Outcome {
	if resp.Error != nil {
		return Error(*resp.Error)
	}
	if resp.Sign != nil {
		sign := strings.TrimSpace(*resp.Sign)
		if sign != "" && sign != protocol.SignProcessing && sign != protocol.SignError {
			out := Outcome{Kind: KindSymbol, Symbol: sign}
			if resp.Confidence != nil {
				out.Confidence = clamp(*resp.Confidence)
				out.HasConfidence = true
			}
			return out
		}
	}
	out := NoDetection()
	if resp.Confidence != nil {
		out.Confidence = clamp(*resp.Confidence)
		out.HasConfidence = true
	}
	return out
}

// ConfidenceLabel renders the confidence as an integer percentage, or "-"
// when unknown.
func (o Outcome) ConfidenceLabel() string {
	if !o.HasConfidence || o.Kind == KindError {
		return "-"
	}
	return fmt.Sprintf("%d", int(o.Confidence*100+0.5))
}

func clamp(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
