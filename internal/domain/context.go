package domain

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// AgentType names the automation that owns a task. Each agent type has its
// own context variant and required-field set.
type AgentType string

const (
	AgentShowingReminder  AgentType = "showing_reminder"
	AgentShowingFollowUp  AgentType = "showing_followup"
	AgentLeadNurture      AgentType = "lead_nurture"
	AgentCampaignOutreach AgentType = "campaign_outreach"
	AgentInboundReply     AgentType = "inbound_reply"
)

var ErrInvalidContext = errors.New("invalid task context")

type agentSpec struct {
	message MessageType
	actions []ActionType
	decode  func(json.RawMessage) (TaskContext, error)
}

var agents = map[AgentType]agentSpec{
	AgentShowingReminder: {
		message: MessageTransactional,
		actions: []ActionType{ActionSMS, ActionEmail, ActionCall},
		decode:  decodeAs[ShowingReminder],
	},
	AgentShowingFollowUp: {
		message: MessageMarketing,
		actions: []ActionType{ActionCall, ActionSMS},
		decode:  decodeAs[ShowingFollowUp],
	},
	AgentLeadNurture: {
		message: MessageMarketing,
		actions: []ActionType{ActionSMS, ActionEmail, ActionCall},
		decode:  decodeAs[LeadNurture],
	},
	AgentCampaignOutreach: {
		message: MessageMarketing,
		actions: []ActionType{ActionCall, ActionSMS},
		decode:  decodeAs[CampaignOutreach],
	},
	AgentInboundReply: {
		message: MessageTransactional,
		actions: []ActionType{ActionSMS, ActionEmail},
		decode:  decodeAs[InboundReply],
	},
}

func (a AgentType) Valid() bool {
	_, ok := agents[a]
	return ok
}

// MessageType reports whether contact made on behalf of this agent is
// marketing or transactional (reply-triggered / already-booked).
func (a AgentType) MessageType() MessageType {
	if spec, ok := agents[a]; ok {
		return spec.message
	}
	return MessageMarketing
}

func (a AgentType) Allows(action ActionType) bool {
	for _, x := range agents[a].actions {
		if x == action {
			return true
		}
	}
	return false
}

// TaskContext is the agent-specific payload of a task.
type TaskContext interface {
	AgentType() AgentType
	// Script is the text the channel delivers: SMS body, email body or the
	// instructions handed to the voice agent.
	Script() string
	Subject() string
	// Correlation lists ids echoed to the vendor alongside task/lead/org.
	Correlation() map[string]string
}

type ShowingReminder struct {
	ShowingID       string    `json:"showing_id"`
	PropertyID      string    `json:"property_id,omitempty"`
	PropertyAddress string    `json:"property_address"`
	ShowingAt       time.Time `json:"showing_at"`
	Source          string    `json:"source,omitempty"`
	Message         string    `json:"message,omitempty"`
	SubjectLine     string    `json:"subject,omitempty"`
}

func (ShowingReminder) AgentType() AgentType { return AgentShowingReminder }

func (c ShowingReminder) Script() string {
	if c.Message != "" {
		return c.Message
	}
	return fmt.Sprintf("Reminder: your showing at %s is scheduled for %s. Reply C to confirm or R to reschedule.",
		c.PropertyAddress, c.ShowingAt.Format("Mon Jan 2 at 3:04 PM"))
}

func (c ShowingReminder) Subject() string {
	if c.SubjectLine != "" {
		return c.SubjectLine
	}
	return "Your upcoming showing at " + c.PropertyAddress
}

func (c ShowingReminder) Correlation() map[string]string {
	return map[string]string{"showing_id": c.ShowingID, "property_id": c.PropertyID}
}

type ShowingFollowUp struct {
	ShowingID       string `json:"showing_id"`
	PropertyID      string `json:"property_id"`
	PropertyAddress string `json:"property_address,omitempty"`
	Source          string `json:"source,omitempty"`
	Message         string `json:"message,omitempty"`
	SubjectLine     string `json:"subject,omitempty"`
}

func (ShowingFollowUp) AgentType() AgentType { return AgentShowingFollowUp }

func (c ShowingFollowUp) Script() string {
	if c.Message != "" {
		return c.Message
	}
	place := c.PropertyAddress
	if place == "" {
		place = "the property"
	}
	return fmt.Sprintf("Thanks for touring %s. Do you have any questions, or would you like to start an application?", place)
}

func (c ShowingFollowUp) Subject() string {
	if c.SubjectLine != "" {
		return c.SubjectLine
	}
	return "Following up on your showing"
}

func (c ShowingFollowUp) Correlation() map[string]string {
	return map[string]string{"showing_id": c.ShowingID, "property_id": c.PropertyID}
}

type LeadNurture struct {
	Source          string `json:"source"`
	PropertyID      string `json:"property_id,omitempty"`
	PropertyAddress string `json:"property_address,omitempty"`
	Message         string `json:"message,omitempty"`
	SubjectLine     string `json:"subject,omitempty"`
}

func (LeadNurture) AgentType() AgentType { return AgentLeadNurture }

func (c LeadNurture) Script() string {
	if c.Message != "" {
		return c.Message
	}
	if c.PropertyAddress != "" {
		return fmt.Sprintf("Still looking for a home? %s is available. Reply to schedule a showing.", c.PropertyAddress)
	}
	return "Still looking for a home? Reply to see available rentals and schedule a showing."
}

func (c LeadNurture) Subject() string {
	if c.SubjectLine != "" {
		return c.SubjectLine
	}
	return "Homes available for you"
}

func (c LeadNurture) Correlation() map[string]string {
	return map[string]string{"property_id": c.PropertyID}
}

type CampaignOutreach struct {
	CampaignID          string `json:"campaign_id"`
	CampaignRecipientID string `json:"campaign_recipient_id"`
	PropertyID          string `json:"property_id,omitempty"`
	Source              string `json:"source,omitempty"`
	Message             string `json:"message,omitempty"`
	SubjectLine         string `json:"subject,omitempty"`
}

func (CampaignOutreach) AgentType() AgentType { return AgentCampaignOutreach }

func (c CampaignOutreach) Script() string {
	if c.Message != "" {
		return c.Message
	}
	return "Hi, we have new rentals that match what you were looking for. Would you like to hear about them?"
}

func (c CampaignOutreach) Subject() string {
	if c.SubjectLine != "" {
		return c.SubjectLine
	}
	return "New rentals that match your search"
}

func (c CampaignOutreach) Correlation() map[string]string {
	return map[string]string{"campaign_id": c.CampaignID, "campaign_recipient_id": c.CampaignRecipientID}
}

type InboundReply struct {
	Source           string `json:"source"`
	InboundMessageID string `json:"inbound_message_id,omitempty"`
	Message          string `json:"message"`
	SubjectLine      string `json:"subject,omitempty"`
}

func (InboundReply) AgentType() AgentType { return AgentInboundReply }

func (c InboundReply) Script() string { return c.Message }

func (c InboundReply) Subject() string {
	if c.SubjectLine != "" {
		return c.SubjectLine
	}
	return "Re: your message"
}

func (c InboundReply) Correlation() map[string]string {
	return map[string]string{"inbound_message_id": c.InboundMessageID}
}

func decodeAs[T TaskContext](raw json.RawMessage) (TaskContext, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	return v, nil
}

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[AgentType]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[AgentType]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat = true
		out := make(map[AgentType]*jsonschema.Schema, len(agents))
		for agent := range agents {
			name := "schemas/" + string(agent) + ".json"
			data, err := schemaFS.ReadFile(name)
			if err != nil {
				schemasErr = fmt.Errorf("read %s: %w", name, err)
				return
			}
			url := "https://rentfinder.local/" + name
			if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[agent] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// ParseContext validates raw against the agent type's schema and decodes it
// into the matching variant. Malformed contexts are rejected here, at task
// creation, instead of inside a channel adapter.
func ParseContext(agent AgentType, raw json.RawMessage) (TaskContext, error) {
	spec, ok := agents[agent]
	if !ok {
		return nil, fmt.Errorf("%w: unknown agent type %q", ErrInvalidContext, agent)
	}
	set, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	if err := set[agent].Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	return spec.decode(raw)
}

// Context decodes the task's stored context.
func (t Task) DecodeContext() (TaskContext, error) {
	return ParseContext(t.AgentType, t.Context)
}
