package channel

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

const VendorSES = "ses"

// SESAPI is the part of the SES v2 client the email adapter calls.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Email sends plain-text email through Amazon SES. SES returns the message
// id synchronously.
type Email struct {
	ses   SESAPI
	creds *Credentials
}

func NewEmail(cfg aws.Config, creds *Credentials) *Email {
	return &Email{ses: sesv2.NewFromConfig(cfg), creds: creds}
}

// NewEmailWithClient is used with a substitute SES client.
func NewEmailWithClient(api SESAPI, creds *Credentials) *Email {
	return &Email{ses: api, creds: creds}
}

func (e *Email) Action() domain.ActionType { return domain.ActionEmail }
func (e *Email) Vendor() string            { return VendorSES }
func (e *Email) Mode() Mode                { return Sync }

var tagValueInvalid = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

func (e *Email) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	if req.Lead.Email == "" {
		return Outcome{}, missing("lead email")
	}
	body, err := script(req)
	if err != nil {
		return Outcome{}, err
	}
	creds, err := e.creds.Lookup(ctx, req.Task.OrganizationID, VendorSES, "from_email")
	if err != nil {
		return Outcome{}, err
	}

	var tags []types.MessageTag
	for k, v := range metadata(req) {
		tags = append(tags, types.MessageTag{
			Name:  aws.String(k),
			Value: aws.String(tagValueInvalid.ReplaceAllString(v, "_")),
		})
	}
	out, err := e.ses.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(creds["from_email"]),
		Destination: &types.Destination{
			ToAddresses: []string{req.Lead.Email},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(req.Context.Subject())},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
		EmailTags: tags,
	})
	if err != nil {
		if IsIntegration(err) {
			return Outcome{}, integration(err)
		}
		return Outcome{}, &DispatchError{Class: ClassOf(err), Err: fmt.Errorf("ses send: %w", err)}
	}
	return Outcome{
		Accepted:    true,
		Vendor:      VendorSES,
		ExternalRef: aws.ToString(out.MessageId),
		Recipient:   req.Lead.Email,
		Result:      &Result{Status: "sent", Completed: true},
	}, nil
}
