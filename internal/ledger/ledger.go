// Package ledger prices vendor usage for the append-only cost ledger. The
// priced row is written by the store together with the task's final status,
// at most once per task and billable event.
package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

const (
	EventCallCompleted = "call_completed"
	EventSMSSent       = "sms_sent"
	EventEmailSent     = "email_sent"
)

// Rates are the per-unit prices charged to the organization.
type Rates struct {
	CallPerMinute   float64
	SMSPerSegment   float64
	EmailPerMessage float64
}

func DefaultRates() Rates {
	return Rates{CallPerMinute: 0.09, SMSPerSegment: 0.0079, EmailPerMessage: 0.0001}
}

// Usage is one billable event before pricing.
type Usage struct {
	Task            domain.Task
	Vendor          string
	CallID          string
	DurationSeconds int
	Segments        int
	At              time.Time
}

type Recorder interface {
	CostTotal(ctx context.Context, orgID string, from, to time.Time) (float64, error)
}

type Service struct {
	store Recorder
	rates Rates
}

func New(store Recorder, rates Rates) *Service {
	return &Service{store: store, rates: rates}
}

// Price turns usage into a cost record without writing it. Calls are billed
// per started minute, with zero-length calls billed nothing.
func (s *Service) Price(u Usage) (domain.CostRecord, error) {
	if u.At.IsZero() {
		u.At = time.Now()
	}
	c := domain.CostRecord{
		OrganizationID: u.Task.OrganizationID,
		Service:        u.Vendor,
		TaskID:         u.Task.ID,
		LeadID:         u.Task.LeadID,
		CallID:         u.CallID,
		RecordedAt:     u.At.UTC(),
	}
	switch u.Task.ActionType {
	case domain.ActionCall:
		c.UsageQuantity = math.Ceil(float64(u.DurationSeconds) / 60)
		c.UsageUnit = "minutes"
		c.UnitCost = s.rates.CallPerMinute
		c.BillableEvent = EventCallCompleted
	case domain.ActionSMS:
		n := u.Segments
		if n < 1 {
			n = 1
		}
		c.UsageQuantity = float64(n)
		c.UsageUnit = "segments"
		c.UnitCost = s.rates.SMSPerSegment
		c.BillableEvent = EventSMSSent
	case domain.ActionEmail:
		c.UsageQuantity = 1
		c.UsageUnit = "messages"
		c.UnitCost = s.rates.EmailPerMessage
		c.BillableEvent = EventEmailSent
	default:
		return domain.CostRecord{}, fmt.Errorf("no pricing for action %q", u.Task.ActionType)
	}
	if c.Service == "" {
		c.Service = string(u.Task.ActionType)
	}
	c.TotalCost = math.Round(c.UsageQuantity*c.UnitCost*1e6) / 1e6
	return c, nil
}

// OrgTotal sums what an organization was charged since the given time.
func (s *Service) OrgTotal(ctx context.Context, orgID string, since time.Time) (float64, error) {
	return s.store.CostTotal(ctx, orgID, since, time.Now().Add(time.Second))
}
