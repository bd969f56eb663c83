package record

import (
	"fmt"
	"time"

	"exam-prep-server/histerrors"
)

// FeedbackKind tags what kind of feedback text the scorer produced.
type FeedbackKind string

const (
	FeedbackOverall     FeedbackKind = "overall"
	FeedbackDetailed    FeedbackKind = "detailed"
	FeedbackModelAnswer FeedbackKind = "model_answer"
)

// Input is one labeled text field of an attempt (translation, opinion,
// answer, ...). Order is preserved end to end.
type Input struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

// Score is one scored category of an attempt.
type Score struct {
	Category string  `json:"category"`
	Value    float64 `json:"value"`
	Max      float64 `json:"max"`
}

// Percentage returns the score as a 0..100 percentage.
func (s Score) Percentage() float64 {
	if s.Max <= 0 {
		return 0
	}
	return 100 * s.Value / s.Max
}

// Feedback is the scorer's free-text feedback plus its kind tag.
type Feedback struct {
	Kind    FeedbackKind `json:"kind"`
	Content string       `json:"content"`
}

// PracticeRecord is one completed or abandoned practice attempt. It is the
// single payload shape flowing through both backends; the caller never sees
// which store served it.
type PracticeRecord struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	CanonicalType   string    `json:"canonical_type"`
	CategoryID      int       `json:"category_id"`
	CreatedAt       time.Time `json:"created_at"`
	Inputs          []Input   `json:"inputs"`
	Scores          []Score   `json:"scores"`
	Feedback        *Feedback `json:"feedback,omitempty"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
}

// Validate checks structural validity only: identifiers present, category in
// the closed 1..5 enumeration, and every score within 0 < max, value <= max.
// A score with value == max is valid.
func (r *PracticeRecord) Validate() error {
	if r.SessionID == "" {
		return &histerrors.ValidationError{Field: "session_id", Reason: "empty"}
	}
	if r.UserID == "" {
		return &histerrors.ValidationError{Field: "user_id", Reason: "empty"}
	}
	if r.CanonicalType == "" {
		return &histerrors.ValidationError{Field: "canonical_type", Reason: "empty"}
	}
	if r.CategoryID < 1 || r.CategoryID > 5 {
		return &histerrors.ValidationError{Field: "category_id", Reason: fmt.Sprintf("%d outside 1..5", r.CategoryID)}
	}
	if r.DurationSeconds < 0 {
		return &histerrors.ValidationError{Field: "duration_seconds", Reason: "negative"}
	}
	for i, s := range r.Scores {
		if s.Max <= 0 {
			return &histerrors.ValidationError{Field: fmt.Sprintf("scores[%d].max", i), Reason: "must be > 0"}
		}
		if s.Value > s.Max {
			return &histerrors.ValidationError{Field: fmt.Sprintf("scores[%d].value", i), Reason: fmt.Sprintf("%.2f exceeds max %.2f", s.Value, s.Max)}
		}
		if s.Value < 0 {
			return &histerrors.ValidationError{Field: fmt.Sprintf("scores[%d].value", i), Reason: "negative"}
		}
	}
	return nil
}
