// Package quote holds the cost negotiation rules between fixer and user.
// The functions mutate a Quote in place and never touch the job stage;
// the session applies the stage change that goes with an accepted quote.
package quote

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/example/fixer-dispatch/internal/models"
)

const (
	MaxDetailsLen  = 1000
	MaxRevisionLen = 500
	MaxNotesLen    = 1000
)

// ValidateAmount rejects non-positive and non-finite amounts.
func ValidateAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return models.NewValidationError("amount", "must be a positive number")
	}
	return nil
}

// ValidateText checks that text is non-blank and at most max characters.
// Over-long text is rejected, never truncated.
func ValidateText(field, text string, max int) error {
	if strings.TrimSpace(text) == "" {
		return models.NewValidationError(field, "must not be empty")
	}
	if utf8.RuneCountInString(text) > max {
		return models.NewValidationError(field, "too long")
	}
	return nil
}

// Propose records an initial quote. q may be nil for the first proposal.
func Propose(stage models.Stage, q *models.Quote, amount float64, details string) (*models.Quote, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	if err := ValidateText("details", details, MaxDetailsLen); err != nil {
		return nil, err
	}
	if stage != models.StageArriving {
		return nil, models.NewConflict("submit quote", stage, "")
	}
	if q == nil {
		q = &models.Quote{}
	}
	if q.Pending || q.RevisedPending {
		return nil, models.NewConflict("submit quote", stage, "a quote is already pending")
	}
	if q.Accepted {
		return nil, models.NewConflict("submit quote", stage, "quote already accepted")
	}
	q.Amount = amount
	q.Details = append(q.Details, details)
	q.Pending = true
	q.Accepted = false
	return q, nil
}

// Decide applies the user's decision on a pending quote.
func Decide(stage models.Stage, q *models.Quote, accept bool) error {
	if stage != models.StageArriving || q == nil || !q.Pending {
		return models.NewConflict("decide quote", stage, "no quote pending")
	}
	q.Pending = false
	q.Accepted = accept
	if accept {
		q.AgreedAmount = q.Amount
	}
	return nil
}

// Revise records a revised cost during work. Details are appended.
func Revise(stage models.Stage, q *models.Quote, amount float64, details string) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	if err := ValidateText("details", details, MaxRevisionLen); err != nil {
		return err
	}
	if stage != models.StageFixing || q == nil {
		return models.NewConflict("submit revision", stage, "")
	}
	if q.Pending || q.RevisedPending {
		return models.NewConflict("submit revision", stage, "a revision is already pending")
	}
	q.Amount = amount
	q.Details = append(q.Details, details)
	q.RevisedPending = true
	q.RevisedAccepted = false
	return nil
}

// DecideRevision applies the user's decision on a pending revision. A
// decline keeps the previously agreed amount.
func DecideRevision(stage models.Stage, q *models.Quote, accept bool) error {
	if stage != models.StageFixing || q == nil || !q.RevisedPending {
		return models.NewConflict("decide revision", stage, "no revision pending")
	}
	q.RevisedPending = false
	q.RevisedAccepted = accept
	if accept {
		q.AgreedAmount = q.Amount
	}
	return nil
}
