// Package activity records operator-visible events: task outcomes,
// takeovers and webhooks that could not be matched.
package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

const (
	KindTaskOutcome      = "task_outcome"
	KindLeadPaused       = "lead_paused"
	KindLeadResumed      = "lead_resumed"
	KindWebhookUnmatched = "webhook_unmatched"
	KindWebhookApplied   = "webhook_applied"
	KindFollowUp         = "follow_up_scheduled"
)

type Log interface {
	Record(ctx context.Context, a domain.Activity) error
}

// Recorder is the store's activity table.
type Recorder interface {
	RecordActivity(ctx context.Context, a domain.Activity) error
}

// StoreLog adapts the store's activity table to Log.
type StoreLog struct{ r Recorder }

func NewStoreLog(r Recorder) StoreLog { return StoreLog{r: r} }

func (l StoreLog) Record(ctx context.Context, a domain.Activity) error { return l.r.RecordActivity(ctx, a) }

// Fanout writes to a primary log and mirrors to the others. Only the
// primary's error is returned; mirror failures are logged.
type Fanout struct {
	primary Log
	mirrors []Log
	log     zerolog.Logger
}

func NewFanout(logger zerolog.Logger, primary Log, mirrors ...Log) *Fanout {
	return &Fanout{primary: primary, mirrors: mirrors, log: logger}
}

func (f *Fanout) Record(ctx context.Context, a domain.Activity) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := f.primary.Record(ctx, a)
	for _, m := range f.mirrors {
		if merr := m.Record(ctx, a); merr != nil {
			f.log.Warn().Err(merr).Str("kind", a.Kind).Str("lead_id", a.LeadID).Msg("activity mirror failed")
		}
	}
	return err
}

// Detail marshals v for Activity.Detail, dropping it if it cannot be encoded.
func Detail(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, domain.Activity) error { return nil }
