// Package channel holds the outbound contact adapters (voice, SMS, email).
// Each adapter turns a task into one vendor request, declares whether the
// vendor answers synchronously, and classifies every failure.
package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

type Mode int

const (
	// Sync adapters know the result when Dispatch returns.
	Sync Mode = iota
	// Async adapters only know the vendor accepted; a webhook finishes the task.
	Async
)

func (m Mode) String() string {
	if m == Async {
		return "async"
	}
	return "sync"
}

type Request struct {
	Task    domain.Task
	Lead    domain.Lead
	Context domain.TaskContext
}

// Result is what a vendor reports about a finished contact.
type Result struct {
	Status          string
	Completed       bool
	DurationSeconds int
	Segments        int
	Transcript      string
	Summary         string
}

type Outcome struct {
	Accepted    bool
	Vendor      string
	ExternalRef string
	Recipient   string
	// Result is set by sync adapters.
	Result *Result
}

type Adapter interface {
	Action() domain.ActionType
	Vendor() string
	Mode() Mode
	Dispatch(ctx context.Context, req Request) (Outcome, error)
}

// PollResult is a vendor's view of an async contact. Final is false while
// the vendor still reports it running.
type PollResult struct {
	Final  bool
	Result Result
}

// Poller is implemented by async adapters whose vendor can be asked for the
// status of a contact when its webhook never arrives.
type Poller interface {
	Poll(ctx context.Context, task domain.Task, ref domain.ExternalReference) (PollResult, error)
}

// Registry maps action types to adapters.
type Registry struct {
	adapters map[domain.ActionType]Adapter
	timeouts map[domain.ActionType]time.Duration
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[domain.ActionType]Adapter),
		timeouts: map[domain.ActionType]time.Duration{
			domain.ActionSMS:   5 * time.Second,
			domain.ActionEmail: 5 * time.Second,
			domain.ActionCall:  30 * time.Second,
		},
	}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) { r.adapters[a.Action()] = a }

// SetTimeout overrides the per-call deadline for an action type.
func (r *Registry) SetTimeout(action domain.ActionType, d time.Duration) {
	if d > 0 {
		r.timeouts[action] = d
	}
}

func (r *Registry) Timeout(action domain.ActionType) time.Duration {
	if d, ok := r.timeouts[action]; ok {
		return d
	}
	return 10 * time.Second
}

// Get returns the adapter for action or a permanent integration error.
func (r *Registry) Get(action domain.ActionType) (Adapter, error) {
	a, ok := r.adapters[action]
	if !ok {
		return nil, integration(fmt.Errorf("no adapter configured for %s", action))
	}
	return a, nil
}

// ByVendor finds the adapter that owns a vendor name, for polling.
func (r *Registry) ByVendor(vendor string) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.Vendor() == vendor {
			return a, true
		}
	}
	return nil, false
}

// IdempotencyKey is the client-supplied key sent with every vendor request
// for a task, so a retried dispatch cannot create a second side effect.
func IdempotencyKey(taskID string) string { return "task-" + taskID }

// metadata is echoed to the vendor so a callback can be correlated without
// a secondary lookup.
func metadata(req Request) map[string]string {
	m := map[string]string{
		"task_id":         req.Task.ID,
		"lead_id":         req.Task.LeadID,
		"organization_id": req.Task.OrganizationID,
		"agent_type":      string(req.Task.AgentType),
	}
	if req.Context != nil {
		for k, v := range req.Context.Correlation() {
			if v != "" {
				m[k] = v
			}
		}
	}
	return m
}

func script(req Request) (string, error) {
	if req.Context == nil {
		return "", missing("task context")
	}
	s := req.Context.Script()
	if s == "" {
		return "", missing("message")
	}
	return s, nil
}
