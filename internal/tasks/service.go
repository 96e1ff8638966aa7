// Package tasks creates tasks: validation of the agent-specific context, a
// compliance precheck, and follow-up scheduling after a finished contact.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/compliance"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

var (
	ErrInvalid = errors.New("invalid task")
	ErrDenied  = errors.New("contact not allowed")
)

type Store interface {
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetLead(ctx context.Context, id string) (domain.Lead, error)
	Policy(ctx context.Context, orgID string) (domain.Policy, error)
}

type NewTask struct {
	OrganizationID string            `json:"organization_id"`
	LeadID         string            `json:"lead_id"`
	AgentType      domain.AgentType  `json:"agent_type"`
	ActionType     domain.ActionType `json:"action_type"`
	ScheduledFor   time.Time         `json:"scheduled_for"`
	Context        json.RawMessage   `json:"context"`
}

type Service struct {
	store Store
	gate  *compliance.Gate
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(store Store, gate *compliance.Gate, logger zerolog.Logger) *Service {
	return &Service{store: store, gate: gate, log: logger, now: time.Now}
}

// Schedule validates and persists a pending task. Leads that can never be
// contacted on the channel (do not contact, no consent) are refused here;
// contact hours and the frequency cap depend on when the task runs and are
// left to the dispatcher.
func (s *Service) Schedule(ctx context.Context, in NewTask) (domain.Task, compliance.Decision, error) {
	if in.OrganizationID == "" || in.LeadID == "" {
		return domain.Task{}, compliance.Decision{}, fmt.Errorf("%w: organization_id and lead_id are required", ErrInvalid)
	}
	if !in.AgentType.Valid() {
		return domain.Task{}, compliance.Decision{}, fmt.Errorf("%w: unknown agent type %q", ErrInvalid, in.AgentType)
	}
	if !in.ActionType.Valid() || !in.AgentType.Allows(in.ActionType) {
		return domain.Task{}, compliance.Decision{}, fmt.Errorf("%w: %s cannot %s", ErrInvalid, in.AgentType, in.ActionType)
	}
	if _, err := domain.ParseContext(in.AgentType, in.Context); err != nil {
		return domain.Task{}, compliance.Decision{}, err
	}

	lead, err := s.store.GetLead(ctx, in.LeadID)
	if err != nil {
		return domain.Task{}, compliance.Decision{}, fmt.Errorf("load lead %s: %w", in.LeadID, err)
	}
	if lead.OrganizationID != in.OrganizationID {
		return domain.Task{}, compliance.Decision{}, fmt.Errorf("%w: lead %s belongs to another organization", ErrInvalid, in.LeadID)
	}
	policy, err := s.store.Policy(ctx, in.OrganizationID)
	if err != nil {
		return domain.Task{}, compliance.Decision{}, fmt.Errorf("load policy: %w", err)
	}

	now := s.now()
	decision, err := s.gate.Evaluate(ctx, compliance.Request{
		Lead:        lead,
		Policy:      policy,
		Channel:     in.ActionType.Channel(),
		MessageType: in.AgentType.MessageType(),
		At:          now,
	})
	if err != nil {
		return domain.Task{}, decision, fmt.Errorf("compliance precheck: %w", err)
	}
	if !decision.Allowed && (decision.Rule == compliance.RuleDoNotContact || decision.Rule == compliance.RuleConsent) {
		return domain.Task{}, decision, fmt.Errorf("%w: %s", ErrDenied, decision.Reason)
	}

	scheduled := in.ScheduledFor
	if scheduled.IsZero() {
		scheduled = now
	}
	ctxJSON := in.Context
	if len(ctxJSON) == 0 {
		ctxJSON = json.RawMessage(`{}`)
	}
	t, err := s.store.CreateTask(ctx, domain.Task{
		OrganizationID: in.OrganizationID,
		LeadID:         in.LeadID,
		AgentType:      in.AgentType,
		ActionType:     in.ActionType,
		ScheduledFor:   scheduled.UTC(),
		MaxAttempts:    policy.MaxAttempts,
		Context:        ctxJSON,
	})
	if err != nil {
		return domain.Task{}, decision, fmt.Errorf("create task: %w", err)
	}
	s.log.Info().Str("task_id", t.ID).Str("lead_id", t.LeadID).Str("agent_type", string(t.AgentType)).
		Str("action_type", string(t.ActionType)).Time("scheduled_for", t.ScheduledFor).Msg("task scheduled")
	return t, decision, nil
}

// ScheduleFollowUp queues a nurture SMS after a completed contact, delayed by
// the organization's follow-up delay. A zero delay disables follow-ups.
// It reports false when no follow-up was created.
func (s *Service) ScheduleFollowUp(ctx context.Context, done domain.Task) (domain.Task, bool, error) {
	if done.Status != domain.StatusCompleted || done.AgentType == domain.AgentInboundReply {
		return domain.Task{}, false, nil
	}
	policy, err := s.store.Policy(ctx, done.OrganizationID)
	if err != nil {
		return domain.Task{}, false, err
	}
	if policy.FollowUpDelay <= 0 {
		return domain.Task{}, false, nil
	}

	nurture := domain.LeadNurture{Source: "follow_up"}
	if tc, err := done.DecodeContext(); err == nil {
		switch c := tc.(type) {
		case domain.ShowingReminder:
			nurture.PropertyID, nurture.PropertyAddress = c.PropertyID, c.PropertyAddress
		case domain.ShowingFollowUp:
			nurture.PropertyID, nurture.PropertyAddress = c.PropertyID, c.PropertyAddress
		case domain.LeadNurture:
			nurture.PropertyID, nurture.PropertyAddress = c.PropertyID, c.PropertyAddress
		case domain.CampaignOutreach:
			nurture.PropertyID = c.PropertyID
		}
	}
	raw, err := json.Marshal(nurture)
	if err != nil {
		return domain.Task{}, false, err
	}

	at := s.now().Add(policy.FollowUpDelay)
	if done.CompletedAt != nil {
		at = done.CompletedAt.Add(policy.FollowUpDelay)
	}
	t, _, err := s.Schedule(ctx, NewTask{
		OrganizationID: done.OrganizationID,
		LeadID:         done.LeadID,
		AgentType:      domain.AgentLeadNurture,
		ActionType:     domain.ActionSMS,
		ScheduledFor:   at,
		Context:        raw,
	})
	if errors.Is(err, ErrDenied) {
		s.log.Debug().Str("lead_id", done.LeadID).Err(err).Msg("follow-up skipped")
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}
