package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusClaimed    TaskStatus = "claimed"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusClaimed, StatusCancelled, StatusFailed},
	StatusClaimed:    {StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the task state machine.
// There is no in_progress -> cancelled edge: the vendor side effect is
// already in flight and only a webhook (or the sweep) may finish it.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type ActionType string

const (
	ActionCall  ActionType = "call"
	ActionSMS   ActionType = "sms"
	ActionEmail ActionType = "email"
)

func (a ActionType) Valid() bool {
	return a == ActionCall || a == ActionSMS || a == ActionEmail
}

// Channel is the consent/compliance channel implied by an action type.
type Channel string

const (
	ChannelCall  Channel = "call"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

func (a ActionType) Channel() Channel { return Channel(a) }

type MessageType string

const (
	MessageMarketing     MessageType = "marketing"
	MessageTransactional MessageType = "transactional"
)

// FailureClass groups failure reasons so an operator can tell a broken
// integration apart from a single contact that failed.
type FailureClass string

const (
	FailureCompliance  FailureClass = "compliance"
	FailurePermanent   FailureClass = "permanent"
	FailureIntegration FailureClass = "integration"
	FailureMaxAttempts FailureClass = "max_attempts"
	FailureTimeout     FailureClass = "timeout"
	FailureInterrupted FailureClass = "interrupted"
	FailureCancelled   FailureClass = "cancelled"
	FailureOutcome     FailureClass = "outcome"
)

type Task struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	LeadID         string          `json:"lead_id"`
	AgentType      AgentType       `json:"agent_type"`
	ActionType     ActionType      `json:"action_type"`
	ScheduledFor   time.Time       `json:"scheduled_for"`
	CreatedAt      time.Time       `json:"created_at"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Status         TaskStatus      `json:"status"`
	AttemptNumber  int             `json:"attempt_number"`
	MaxAttempts    int             `json:"max_attempts"`
	Context        json.RawMessage `json:"context"`
	ExternalRef    string          `json:"external_ref,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	FailureClass   FailureClass    `json:"failure_class,omitempty"`
}

// AttemptsLeft reports whether a transient failure may still be retried.
func (t Task) AttemptsLeft() bool { return t.AttemptNumber < t.MaxAttempts }

// Consent is the per-channel consent state of a lead.
type Consent struct {
	Granted   bool       `json:"granted"`
	GrantedAt *time.Time `json:"granted_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether consent is currently in force. A revocation
// recorded after the most recent grant wins.
func (c Consent) Active() bool {
	if !c.Granted {
		return false
	}
	if c.RevokedAt == nil {
		return true
	}
	if c.GrantedAt == nil {
		return false
	}
	return c.GrantedAt.After(*c.RevokedAt)
}

type Lead struct {
	ID             string              `json:"id"`
	OrganizationID string              `json:"organization_id"`
	Name           string              `json:"name"`
	Phone          string              `json:"phone,omitempty"`
	Email          string              `json:"email,omitempty"`
	Timezone       string              `json:"timezone,omitempty"`
	DoNotContact   bool                `json:"do_not_contact"`
	WindowStart    string              `json:"window_start,omitempty"`
	WindowEnd      string              `json:"window_end,omitempty"`
	Consent        map[Channel]Consent `json:"consent"`
	HumanControl   bool                `json:"human_control"`
	PausedReason   string              `json:"paused_reason,omitempty"`
	PausedAt       *time.Time          `json:"paused_at,omitempty"`
}

type CostRecord struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Service        string    `json:"service"`
	UsageQuantity  float64   `json:"usage_quantity"`
	UsageUnit      string    `json:"usage_unit"`
	UnitCost       float64   `json:"unit_cost"`
	TotalCost      float64   `json:"total_cost"`
	TaskID         string    `json:"task_id"`
	LeadID         string    `json:"lead_id"`
	CallID         string    `json:"call_id,omitempty"`
	BillableEvent  string    `json:"billable_event"`
	RecordedAt     time.Time `json:"recorded_at"`
}

type Communication struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	OrganizationID  string     `json:"organization_id"`
	LeadID          string     `json:"lead_id"`
	Channel         Channel    `json:"channel"`
	Direction       string     `json:"direction"`
	Recipient       string     `json:"recipient"`
	Status          string     `json:"status"`
	ExternalID      string     `json:"external_id,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`
	Transcript      string     `json:"transcript,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ExternalReference links a vendor-side call/message id to the task that
// produced it. It is written when the vendor accepts the dispatch.
type ExternalReference struct {
	TaskID       string    `json:"task_id"`
	Vendor       string    `json:"vendor"`
	VendorCallID string    `json:"vendor_call_id"`
	CreatedAt    time.Time `json:"created_at"`
}

type Activity struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	LeadID         string          `json:"lead_id,omitempty"`
	TaskID         string          `json:"task_id,omitempty"`
	Kind           string          `json:"kind"`
	Message        string          `json:"message"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TaskAttempt is one dispatch attempt as recorded for audit.
type TaskAttempt struct {
	TaskID     string    `json:"task_id"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// FailureCount is one row of an organization's failure summary.
type FailureCount struct {
	Class  FailureClass `json:"failure_class"`
	Reason string       `json:"reason"`
	Leads  int          `json:"leads"`
	Tasks  int          `json:"tasks"`
}
