package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/channel"
)

// voicePayload accepts the call-ended callback of a Bland-style voice
// vendor. Correlation ids may come in metadata or at the top level.
type voicePayload struct {
	CallID              string         `json:"call_id"`
	Status              string         `json:"status"`
	Outcome             string         `json:"outcome"`
	Completed           *bool          `json:"completed"`
	Duration            json.Number    `json:"duration"`
	CallLength          float64        `json:"call_length"`
	Transcript          string         `json:"transcript"`
	ConcatTranscript    string         `json:"concatenated_transcript"`
	Summary             string         `json:"summary"`
	To                  string         `json:"to"`
	Metadata            map[string]any `json:"metadata"`
	TaskID              string         `json:"task_id"`
	LeadID              string         `json:"lead_id"`
	OrganizationID      string         `json:"organization_id"`
	CampaignRecipientID string         `json:"campaign_recipient_id"`
}

func (p voicePayload) result() Result {
	pick := func(top, key string) string {
		if top != "" {
			return top
		}
		switch v := p.Metadata[key].(type) {
		case nil:
			return ""
		case string:
			return v
		default:
			return fmt.Sprint(v)
		}
	}
	status := p.Outcome
	if status == "" {
		status = p.Status
	}
	completed := isCompletedStatus(status)
	if p.Completed != nil && status == "" {
		completed = *p.Completed
	}
	duration := 0
	if d, err := p.Duration.Float64(); err == nil && d > 0 {
		duration = int(math.Round(d))
	} else if p.CallLength > 0 {
		duration = int(math.Round(p.CallLength * 60))
	}
	transcript := p.Transcript
	if transcript == "" {
		transcript = p.ConcatTranscript
	}
	return Result{
		Vendor:              channel.VendorBland,
		VendorCallID:        p.CallID,
		TaskID:              pick(p.TaskID, "task_id"),
		LeadID:              pick(p.LeadID, "lead_id"),
		OrganizationID:      pick(p.OrganizationID, "organization_id"),
		CampaignRecipientID: pick(p.CampaignRecipientID, "campaign_recipient_id"),
		Status:              status,
		Completed:           completed,
		DurationSeconds:     duration,
		Transcript:          transcript,
		Summary:             p.Summary,
		Recipient:           p.To,
	}
}

func isCompletedStatus(s string) bool {
	switch strings.ToLower(s) {
	case "completed", "complete", "success", "answered":
		return true
	}
	return false
}

// VoiceHandler receives call-ended callbacks. It always answers 200 so the
// vendor does not retry; processing failures are logged.
func (s *Service) VoiceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			s.log.Warn().Err(err).Msg("read voice webhook body")
			ack(w)
			return
		}
		var p voicePayload
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&p); err != nil {
			s.log.Warn().Err(err).Msg("unmatched webhook")
			ack(w)
			return
		}
		disp, err := s.Complete(r.Context(), p.result())
		if err != nil {
			s.log.Error().Err(err).Str("vendor_call_id", p.CallID).Msg("voice webhook processing failed")
		}
		ack(w, disp)
	}
}

// SMSStatusHandler receives delivery status callbacks.
func (s *Service) SMSStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			s.log.Warn().Err(err).Msg("parse sms status form")
			ack(w)
			return
		}
		sid := r.PostForm.Get("MessageSid")
		status := r.PostForm.Get("MessageStatus")
		if code := r.PostForm.Get("ErrorCode"); code != "" {
			status += " (error " + code + ")"
		}
		if _, err := s.DeliveryStatus(r.Context(), sid, status); err != nil {
			s.log.Error().Err(err).Str("vendor_call_id", sid).Str("task_id", r.URL.Query().Get("task_id")).
				Msg("sms status processing failed")
		}
		ack(w)
	}
}

func ack(w http.ResponseWriter, disp ...Disposition) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := map[string]string{"status": "ok"}
	if len(disp) > 0 && disp[0] != "" {
		resp["result"] = string(disp[0])
	}
	_ = json.NewEncoder(w).Encode(resp)
}
