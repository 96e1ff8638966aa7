package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// maxBackoff caps exponential growth so a retry never lands days out.
const maxBackoff = 24 * time.Hour

// Policy is the per-organization dispatch policy. The core only reads it.
type Policy struct {
	OrganizationID  string          `json:"organization_id"`
	WindowStart     string          `json:"window_start"`
	WindowEnd       string          `json:"window_end"`
	Timezone        string          `json:"timezone"`
	FrequencyCap    int             `json:"frequency_cap"`
	MaxAttempts     int             `json:"max_attempts"`
	RetryInterval   time.Duration   `json:"retry_interval"`
	BackoffStrategy BackoffStrategy `json:"backoff_strategy"`
	FollowUpDelay   time.Duration   `json:"follow_up_delay"`
}

func DefaultPolicy(orgID string) Policy {
	return Policy{
		OrganizationID:  orgID,
		WindowStart:     "08:00",
		WindowEnd:       "21:00",
		Timezone:        "America/New_York",
		FrequencyCap:    3,
		MaxAttempts:     3,
		RetryInterval:   15 * time.Minute,
		BackoffStrategy: BackoffLinear,
		FollowUpDelay:   48 * time.Hour,
	}
}

// Normalize fills zero fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	d := DefaultPolicy(p.OrganizationID)
	if p.WindowStart == "" || p.WindowEnd == "" {
		p.WindowStart, p.WindowEnd = d.WindowStart, d.WindowEnd
	}
	if p.Timezone == "" {
		p.Timezone = d.Timezone
	}
	if p.FrequencyCap < 0 {
		p.FrequencyCap = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = d.RetryInterval
	}
	if p.BackoffStrategy == "" {
		p.BackoffStrategy = d.BackoffStrategy
	}
	return p
}

// Backoff returns the delay before the retry that follows the given
// (1-based) failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.BackoffStrategy {
	case BackoffExponential:
		d = p.RetryInterval
		for i := 1; i < attempt && d < maxBackoff; i++ {
			d *= 2
		}
	default:
		d = p.RetryInterval * time.Duration(attempt)
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// ClockMinutes parses "HH:MM" into minutes after midnight.
func ClockMinutes(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hh*60 + mm, nil
}

// InWindow reports whether t's wall clock falls within [start, end).
// Windows where start > end wrap past midnight.
func InWindow(t time.Time, start, end string) (bool, error) {
	s, err := ClockMinutes(start)
	if err != nil {
		return false, err
	}
	e, err := ClockMinutes(end)
	if err != nil {
		return false, err
	}
	now := t.Hour()*60 + t.Minute()
	if s == e {
		return true, nil
	}
	if s < e {
		return now >= s && now < e, nil
	}
	return now >= s || now < e, nil
}
