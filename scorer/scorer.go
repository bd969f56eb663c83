// Package scorer defines the payload shape produced by the external AI
// scorer and wraps it into a PracticeRecord. Scoring correctness is not
// validated here, only structural validity downstream.
package scorer

import (
	"time"

	"github.com/google/uuid"

	"exam-prep-server/record"
)

// Result is the opaque output of one scoring call.
type Result struct {
	Scores       []record.Score      `json:"scores"`
	FeedbackText string              `json:"feedback_text"`
	FeedbackKind record.FeedbackKind `json:"feedback_kind"`
	TokensUsed   int                 `json:"tokens_used"`
}

// BuildRecord stamps a fresh session id and timestamp onto the scorer output
// and the user's inputs, producing the record handed to the history adapter.
// canonicalType and categoryID come from the type registry.
func BuildRecord(res Result, userID, canonicalType string, categoryID int, inputs []record.Input, durationSeconds int) record.PracticeRecord {
	rec := record.PracticeRecord{
		SessionID:       uuid.NewString(),
		UserID:          userID,
		CanonicalType:   canonicalType,
		CategoryID:      categoryID,
		CreatedAt:       time.Now().UTC(),
		Inputs:          inputs,
		Scores:          res.Scores,
		DurationSeconds: durationSeconds,
	}
	if res.FeedbackText != "" {
		kind := res.FeedbackKind
		if kind == "" {
			kind = record.FeedbackOverall
		}
		rec.Feedback = &record.Feedback{Kind: kind, Content: res.FeedbackText}
	}
	return rec
}
