package channel

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

const VendorBland = "bland"

type VoiceConfig struct {
	WebhookURL string
	Voice      string
	MaxMinutes int
}

// Voice places AI phone calls through a Bland-style REST API. The call
// result arrives later on the voice webhook.
type Voice struct {
	cfg    VoiceConfig
	client *Client
	creds  *Credentials
}

func NewVoice(cfg VoiceConfig, client *Client, creds *Credentials) *Voice {
	if cfg.MaxMinutes == 0 {
		cfg.MaxMinutes = 10
	}
	return &Voice{cfg: cfg, client: client, creds: creds}
}

func (v *Voice) Action() domain.ActionType { return domain.ActionCall }
func (v *Voice) Vendor() string            { return VendorBland }
func (v *Voice) Mode() Mode                { return Async }

type voiceCallRequest struct {
	PhoneNumber   string            `json:"phone_number"`
	Task          string            `json:"task"`
	Voice         string            `json:"voice,omitempty"`
	Webhook       string            `json:"webhook,omitempty"`
	MaxDuration   int               `json:"max_duration,omitempty"`
	Record        bool              `json:"record"`
	Metadata      map[string]string `json:"metadata"`
	RequestData   map[string]string `json:"request_data,omitempty"`
	WaitForGreet  bool              `json:"wait_for_greeting"`
	AnsweredByAI  bool              `json:"answered_by_enabled"`
	FirstSentence string            `json:"first_sentence,omitempty"`
}

type voiceCallResponse struct {
	Status  string `json:"status"`
	CallID  string `json:"call_id"`
	Message string `json:"message"`
}

func (v *Voice) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	if req.Lead.Phone == "" {
		return Outcome{}, missing("lead phone")
	}
	task, err := script(req)
	if err != nil {
		return Outcome{}, err
	}
	if req.Task.AgentType == domain.AgentCampaignOutreach {
		if c, ok := req.Context.(domain.CampaignOutreach); !ok || c.CampaignRecipientID == "" {
			return Outcome{}, missing("campaign_recipient_id")
		}
	}
	creds, err := v.creds.Lookup(ctx, req.Task.OrganizationID, VendorBland, "api_key")
	if err != nil {
		return Outcome{}, err
	}

	body, err := jsonBody(voiceCallRequest{
		PhoneNumber:  req.Lead.Phone,
		Task:         task,
		Voice:        v.cfg.Voice,
		Webhook:      v.cfg.WebhookURL,
		MaxDuration:  v.cfg.MaxMinutes,
		Record:       true,
		Metadata:     metadata(req),
		RequestData:  map[string]string{"lead_name": req.Lead.Name},
		WaitForGreet: true,
		AnsweredByAI: true,
	})
	if err != nil {
		return Outcome{}, err
	}
	var resp voiceCallResponse
	err = v.client.do(ctx, call{
		Method: http.MethodPost,
		Path:   "/v1/calls",
		Headers: map[string]string{
			"Authorization":   creds["api_key"],
			"Content-Type":    "application/json",
			"Idempotency-Key": IdempotencyKey(req.Task.ID),
		},
		Body: body,
	}, &resp)
	if err != nil {
		return Outcome{}, err
	}
	if resp.CallID == "" {
		return Outcome{}, permanent(fmt.Errorf("call not accepted: %s %s", resp.Status, resp.Message))
	}
	return Outcome{Accepted: true, Vendor: VendorBland, ExternalRef: resp.CallID, Recipient: req.Lead.Phone}, nil
}

type voiceCallStatus struct {
	CallID     string  `json:"call_id"`
	Status     string  `json:"status"`
	Completed  bool    `json:"completed"`
	CallLength float64 `json:"call_length"` // minutes
	Transcript string  `json:"concatenated_transcript"`
	Summary    string  `json:"summary"`
	ErrorMsg   string  `json:"error_message"`
}

// Poll asks the vendor for the status of a call placed for task.
func (v *Voice) Poll(ctx context.Context, task domain.Task, ref domain.ExternalReference) (PollResult, error) {
	creds, err := v.creds.Lookup(ctx, task.OrganizationID, VendorBland, "api_key")
	if err != nil {
		return PollResult{}, err
	}
	var st voiceCallStatus
	err = v.client.do(ctx, call{
		Method:  http.MethodGet,
		Path:    "/v1/calls/" + url.PathEscape(ref.VendorCallID),
		Headers: map[string]string{"Authorization": creds["api_key"]},
	}, &st)
	if err != nil {
		return PollResult{}, err
	}
	final := st.Completed || isFinalCallStatus(st.Status)
	return PollResult{
		Final: final,
		Result: Result{
			Status:          st.Status,
			Completed:       st.Completed && st.ErrorMsg == "",
			DurationSeconds: int(math.Round(st.CallLength * 60)),
			Transcript:      st.Transcript,
			Summary:         st.Summary,
		},
	}, nil
}

func isFinalCallStatus(s string) bool {
	switch s {
	case "completed", "failed", "no-answer", "busy", "canceled", "cancelled", "voicemail":
		return true
	}
	return false
}
