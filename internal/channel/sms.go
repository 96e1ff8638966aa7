package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

const VendorTwilio = "twilio"

type SMSConfig struct {
	// StatusCallbackURL receives delivery updates; the task id is appended
	// as a query parameter.
	StatusCallbackURL string
}

// SMS sends text messages through a Twilio-style REST API. The vendor's
// acceptance is the result, so the task completes synchronously; later
// delivery updates only touch the communication record.
type SMS struct {
	cfg    SMSConfig
	client *Client
	creds  *Credentials
}

func NewSMS(cfg SMSConfig, client *Client, creds *Credentials) *SMS {
	return &SMS{cfg: cfg, client: client, creds: creds}
}

func (s *SMS) Action() domain.ActionType { return domain.ActionSMS }
func (s *SMS) Vendor() string            { return VendorTwilio }
func (s *SMS) Mode() Mode                { return Sync }

type smsResponse struct {
	SID         string          `json:"sid"`
	Status      string          `json:"status"`
	NumSegments json.RawMessage `json:"num_segments"`
	ErrorCode   json.RawMessage `json:"error_code"`
	ErrorMsg    string          `json:"error_message"`
}

// segments reads num_segments, which the vendor sends as a string.
func (r smsResponse) segments() int {
	raw := strings.Trim(string(r.NumSegments), `"`)
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (s *SMS) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	if req.Lead.Phone == "" {
		return Outcome{}, missing("lead phone")
	}
	body, err := script(req)
	if err != nil {
		return Outcome{}, err
	}
	creds, err := s.creds.Lookup(ctx, req.Task.OrganizationID, VendorTwilio, "account_sid", "auth_token", "from_number")
	if err != nil {
		return Outcome{}, err
	}

	form := url.Values{}
	form.Set("To", req.Lead.Phone)
	form.Set("From", creds["from_number"])
	form.Set("Body", body)
	if s.cfg.StatusCallbackURL != "" {
		cb, err := url.Parse(s.cfg.StatusCallbackURL)
		if err != nil {
			return Outcome{}, integration(fmt.Errorf("status callback url: %w", err))
		}
		q := cb.Query()
		for k, v := range metadata(req) {
			q.Set(k, v)
		}
		cb.RawQuery = q.Encode()
		form.Set("StatusCallback", cb.String())
	}

	var resp smsResponse
	err = s.client.do(ctx, call{
		Method: http.MethodPost,
		Path:   "/2010-04-01/Accounts/" + url.PathEscape(creds["account_sid"]) + "/Messages.json",
		Headers: map[string]string{
			"Content-Type":               "application/x-www-form-urlencoded",
			"I-Twilio-Idempotency-Token": IdempotencyKey(req.Task.ID),
			"Idempotency-Key":            IdempotencyKey(req.Task.ID),
		},
		Body: strings.NewReader(form.Encode()),
		User: creds["account_sid"],
		Pass: creds["auth_token"],
	}, &resp)
	if err != nil {
		return Outcome{}, err
	}
	if resp.SID == "" || resp.Status == "failed" || resp.Status == "undelivered" {
		return Outcome{}, permanent(fmt.Errorf("message rejected: %s %s", resp.Status, resp.ErrorMsg))
	}
	return Outcome{
		Accepted:    true,
		Vendor:      VendorTwilio,
		ExternalRef: resp.SID,
		Recipient:   req.Lead.Phone,
		Result: &Result{
			Status:    resp.Status,
			Completed: true,
			Segments:  resp.segments(),
		},
	}, nil
}
