package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

type fixedCounter struct {
	n   int
	err error
}

func (c fixedCounter) CountSince(context.Context, string, time.Time) (int, error) { return c.n, c.err }

func consentedLead() domain.Lead {
	granted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.Lead{
		ID:             "lead_1",
		OrganizationID: "org_1",
		Timezone:       "America/New_York",
		Consent: map[domain.Channel]domain.Consent{
			domain.ChannelSMS: {Granted: true, GrantedAt: &granted},
		},
	}
}

// noonCleveland is 12:00 in America/New_York.
var noonCleveland = time.Date(2026, 6, 10, 16, 0, 0, 0, time.UTC)

func TestEvaluate(t *testing.T) {
	policy := domain.DefaultPolicy("org_1")
	late := time.Date(2026, 6, 11, 3, 30, 0, 0, time.UTC) // 23:30 local

	cases := []struct {
		name    string
		lead    func(l *domain.Lead)
		channel domain.Channel
		msg     domain.MessageType
		at      time.Time
		count   int
		allowed bool
		reason  string
	}{
		{name: "allowed", channel: domain.ChannelSMS, at: noonCleveland, allowed: true},
		{name: "do not contact wins over everything", lead: func(l *domain.Lead) { l.DoNotContact = true },
			channel: domain.ChannelSMS, msg: domain.MessageTransactional, at: noonCleveland, reason: ReasonDoNotContact},
		{name: "no consent for call", channel: domain.ChannelCall, at: noonCleveland, reason: ReasonNoConsent},
		{name: "revoked consent", lead: func(l *domain.Lead) {
			r := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
			c := l.Consent[domain.ChannelSMS]
			c.RevokedAt = &r
			l.Consent[domain.ChannelSMS] = c
		}, channel: domain.ChannelSMS, at: noonCleveland, reason: ReasonNoConsent},
		{name: "marketing outside hours", channel: domain.ChannelSMS, at: late, reason: ReasonOutsideHours},
		{name: "transactional outside hours", channel: domain.ChannelSMS, msg: domain.MessageTransactional, at: late, allowed: true},
		{name: "lead window overrides policy", lead: func(l *domain.Lead) {
			l.WindowStart, l.WindowEnd = "22:00", "06:00"
		}, channel: domain.ChannelSMS, at: late, allowed: true},
		{name: "frequency cap", channel: domain.ChannelSMS, at: noonCleveland, count: 3, reason: ReasonFrequencyCap},
		{name: "below cap", channel: domain.ChannelSMS, at: noonCleveland, count: 2, allowed: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			lead := consentedLead()
			if c.lead != nil {
				c.lead(&lead)
			}
			msg := c.msg
			if msg == "" {
				msg = domain.MessageMarketing
			}
			g := NewGate(fixedCounter{n: c.count})
			d, err := g.Evaluate(context.Background(), Request{Lead: lead, Policy: policy, Channel: c.channel, MessageType: msg, At: c.at})
			require.NoError(t, err)
			assert.Equal(t, c.allowed, d.Allowed)
			assert.Equal(t, c.reason, d.Reason)
			assert.Equal(t, c.channel, d.Channel)
			assert.Equal(t, c.at.UTC(), d.ConsultedAt)
		})
	}
}

func TestEvaluateCounterError(t *testing.T) {
	g := NewGate(fixedCounter{err: errors.New("db down")})
	_, err := g.Evaluate(context.Background(), Request{
		Lead: consentedLead(), Policy: domain.DefaultPolicy("org_1"), Channel: domain.ChannelSMS,
		MessageType: domain.MessageMarketing, At: noonCleveland,
	})
	assert.Error(t, err)
}

func TestEvaluateBadTimezone(t *testing.T) {
	lead := consentedLead()
	lead.Timezone = "Mars/Olympus_Mons"
	_, err := NewGate(nil).Evaluate(context.Background(), Request{
		Lead: lead, Policy: domain.DefaultPolicy("org_1"), Channel: domain.ChannelSMS,
		MessageType: domain.MessageMarketing, At: noonCleveland,
	})
	assert.Error(t, err)
}

func TestNilCounterDisablesCap(t *testing.T) {
	d, err := NewGate(nil).Evaluate(context.Background(), Request{
		Lead: consentedLead(), Policy: domain.DefaultPolicy("org_1"), Channel: domain.ChannelSMS,
		MessageType: domain.MessageMarketing, At: noonCleveland,
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
