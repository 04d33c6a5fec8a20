// Package usage records provider token usage in the ledger.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"panther/internal/models"
	"panther/internal/privacy"
	"panther/internal/store"
)

// Ledger is the persistence the recorder writes through.
type Ledger interface {
	InsertUsage(ctx context.Context, r models.UsageRecord) error
	SumUsage(ctx context.Context, f store.UsageFilter) (store.UsageTotals, error)
}

// Entry describes one adapter call's usage.
type Entry struct {
	ProviderID  string
	Model       string
	Usage       *models.Usage
	SourceTag   string
	ContextHash string
	Metadata    map[string]string
}

// Recorder writes usage records. Failures never reach the caller.
type Recorder struct {
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder returns a recorder writing to ledger.
func NewRecorder(ledger Ledger, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{ledger: ledger, logger: logger, now: time.Now}
}

// Record persists e and reports whether a row was written. Missing or
// all-zero usage is a no-op.
func (r *Recorder) Record(ctx context.Context, e Entry) bool {
	if r == nil || r.ledger == nil || e.Usage.IsZero() {
		return false
	}

	total := e.Usage.Total()
	rec := models.UsageRecord{
		ID:               uuid.NewString(),
		Timestamp:        r.now().UTC(),
		ProviderID:       e.ProviderID,
		ModelName:        e.Model,
		PromptTokens:     e.Usage.PromptTokens,
		CompletionTokens: e.Usage.CompletionTokens,
		TotalTokens:      total,
		ContextHash:      e.ContextHash,
		SourceTag:        e.SourceTag,
		Metadata:         e.Metadata,
	}

	// the call already returned; the row commits even if the turn is cancelled now
	if err := r.ledger.InsertUsage(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("usage record failed",
			"event_type", "usage_record_failed",
			"error_type", privacy.SanitizeError(err))
		return false
	}
	r.logger.Debug("usage recorded", "event_type", "usage_recorded", "token_count", total)
	return true
}

// Totals aggregates the ledger.
func (r *Recorder) Totals(ctx context.Context, f store.UsageFilter) (store.UsageTotals, error) {
	return r.ledger.SumUsage(ctx, f)
}
