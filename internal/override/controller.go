// Package override lets an operator take a lead away from automation and
// hand it back.
package override

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/activity"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

var ErrReasonRequired = errors.New("a reason is required to pause a lead")

type Store interface {
	GetLead(ctx context.Context, id string) (domain.Lead, error)
	PauseLead(ctx context.Context, leadID, reason, operator string, now time.Time) (int, error)
	ResumeLead(ctx context.Context, leadID, operator string, now time.Time) (bool, error)
}

type PauseResult struct {
	LeadID        string `json:"lead_id"`
	Cancelled     int    `json:"cancelled_tasks"`
	AlreadyPaused bool   `json:"already_paused"`
}

type Controller struct {
	store    Store
	activity activity.Log
	log      zerolog.Logger
	now      func() time.Time
}

func NewController(st Store, act activity.Log, logger zerolog.Logger) *Controller {
	if act == nil {
		act = activity.Nop{}
	}
	return &Controller{store: st, activity: act, log: logger, now: time.Now}
}

// PauseLead puts the lead under human control. Pending work is cancelled in
// the same transaction; calls already placed finish through their webhook.
func (c *Controller) PauseLead(ctx context.Context, leadID, reason, operator string) (PauseResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return PauseResult{}, ErrReasonRequired
	}
	lead, err := c.store.GetLead(ctx, leadID)
	if err != nil {
		return PauseResult{}, fmt.Errorf("load lead %s: %w", leadID, err)
	}
	res := PauseResult{LeadID: leadID}
	if lead.HumanControl {
		res.AlreadyPaused = true
		return res, nil
	}
	n, err := c.store.PauseLead(ctx, leadID, reason, operator, c.now().UTC())
	if err != nil {
		return PauseResult{}, fmt.Errorf("pause lead %s: %w", leadID, err)
	}
	res.Cancelled = n

	c.log.Info().Str("lead_id", leadID).Str("organization_id", lead.OrganizationID).Str("operator", operator).
		Str("reason", reason).Int("cancelled_tasks", n).Msg("lead paused")
	c.record(ctx, domain.Activity{
		OrganizationID: lead.OrganizationID,
		LeadID:         leadID,
		Kind:           activity.KindLeadPaused,
		Message:        "paused by " + operator + ": " + reason,
		Detail:         activity.Detail(map[string]any{"operator": operator, "reason": reason, "cancelled_tasks": n}),
	})
	return res, nil
}

// ResumeLead returns the lead to automation. Cancelled tasks are not
// revived; new work has to be scheduled. It reports false when the lead was
// not paused.
func (c *Controller) ResumeLead(ctx context.Context, leadID, operator string) (bool, error) {
	lead, err := c.store.GetLead(ctx, leadID)
	if err != nil {
		return false, fmt.Errorf("load lead %s: %w", leadID, err)
	}
	ok, err := c.store.ResumeLead(ctx, leadID, operator, c.now().UTC())
	if err != nil {
		return false, fmt.Errorf("resume lead %s: %w", leadID, err)
	}
	if !ok {
		return false, nil
	}
	c.log.Info().Str("lead_id", leadID).Str("organization_id", lead.OrganizationID).Str("operator", operator).Msg("lead resumed")
	c.record(ctx, domain.Activity{
		OrganizationID: lead.OrganizationID,
		LeadID:         leadID,
		Kind:           activity.KindLeadResumed,
		Message:        "resumed by " + operator,
		Detail:         activity.Detail(map[string]any{"operator": operator}),
	})
	return true, nil
}

func (c *Controller) record(ctx context.Context, a domain.Activity) {
	if err := c.activity.Record(ctx, a); err != nil {
		c.log.Warn().Err(err).Str("kind", a.Kind).Msg("record activity failed")
	}
}
