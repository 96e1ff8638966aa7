// Package compliance decides whether an outbound contact to a lead is allowed
// right now. It is shared by the dispatcher and by task creation.
package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

const (
	ReasonDoNotContact = "do not contact"
	ReasonNoConsent    = "no consent for channel"
	ReasonOutsideHours = "outside contact hours"
	ReasonFrequencyCap = "frequency cap"
)

type Rule string

const (
	RuleDoNotContact Rule = "do_not_contact"
	RuleConsent      Rule = "consent"
	RuleContactHours Rule = "contact_hours"
	RuleFrequencyCap Rule = "frequency_cap"
)

// CapWindow is the trailing period the frequency cap counts over.
const CapWindow = 24 * time.Hour

// ContactCounter counts outbound contacts to a lead since a point in time.
type ContactCounter interface {
	CountSince(ctx context.Context, leadID string, since time.Time) (int, error)
}

// ContactRecorder is implemented by counters that need to be told about
// contacts (the SQL counter derives them from task rows instead).
type ContactRecorder interface {
	RecordContact(ctx context.Context, leadID, taskID string, at time.Time) error
}

type Request struct {
	Lead        domain.Lead
	Policy      domain.Policy
	Channel     domain.Channel
	MessageType domain.MessageType
	At          time.Time
}

type Decision struct {
	Allowed     bool           `json:"allowed"`
	Reason      string         `json:"reason,omitempty"`
	Rule        Rule           `json:"rule,omitempty"`
	Channel     domain.Channel `json:"channel"`
	ConsultedAt time.Time      `json:"consulted_at"`
}

type Gate struct {
	counter ContactCounter
}

// NewGate returns a gate using counter for the frequency cap. A nil counter
// disables the cap.
func NewGate(counter ContactCounter) *Gate {
	return &Gate{counter: counter}
}

// Evaluate applies the rules in order; the first match denies. An error
// means the decision could not be made (bad policy data, counter down), not
// that contact is denied.
func (g *Gate) Evaluate(ctx context.Context, req Request) (Decision, error) {
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	d := Decision{Channel: req.Channel, ConsultedAt: at.UTC()}
	deny := func(rule Rule, reason string) (Decision, error) {
		d.Rule, d.Reason = rule, reason
		return d, nil
	}

	if req.Lead.DoNotContact {
		return deny(RuleDoNotContact, ReasonDoNotContact)
	}
	if c, ok := req.Lead.Consent[req.Channel]; !ok || !c.Active() {
		return deny(RuleConsent, ReasonNoConsent)
	}
	if req.MessageType != domain.MessageTransactional {
		ok, err := inContactHours(req.Lead, req.Policy, at)
		if err != nil {
			return d, err
		}
		if !ok {
			return deny(RuleContactHours, ReasonOutsideHours)
		}
	}
	if g.counter != nil && req.Policy.FrequencyCap > 0 {
		n, err := g.counter.CountSince(ctx, req.Lead.ID, at.Add(-CapWindow))
		if err != nil {
			return d, fmt.Errorf("count recent contacts: %w", err)
		}
		if n >= req.Policy.FrequencyCap {
			return deny(RuleFrequencyCap, ReasonFrequencyCap)
		}
	}
	d.Allowed = true
	return d, nil
}

// inContactHours checks the lead's local wall clock against the lead's
// preferred window, falling back to the policy window.
func inContactHours(l domain.Lead, p domain.Policy, at time.Time) (bool, error) {
	tz := l.Timezone
	if tz == "" {
		tz = p.Timezone
	}
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return false, fmt.Errorf("lead %s timezone: %w", l.ID, err)
		}
	}
	start, end := p.WindowStart, p.WindowEnd
	if l.WindowStart != "" && l.WindowEnd != "" {
		start, end = l.WindowStart, l.WindowEnd
	}
	if start == "" || end == "" {
		return true, nil
	}
	return domain.InWindow(at.In(loc), start, end)
}
