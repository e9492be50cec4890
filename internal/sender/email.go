package sender

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"notifyflow/internal/config"
	"notifyflow/internal/domain"
)

// sesAPI is the slice of the SES v2 client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailSender delivers reminders over email. SES is the primary
// provider; when the SES call fails on connectivity or auth, the sender
// immediately tries the configured SMTP relay before the attempt counts
// as failed.
type EmailSender struct {
	api sesAPI
	cfg config.EmailConfig

	// seam for tests
	smtpSend func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailSender(client *sesv2.Client, cfg config.EmailConfig) *EmailSender {
	return &EmailSender{api: client, cfg: cfg, smtpSend: smtp.SendMail}
}

func (s *EmailSender) Channel() domain.Channel { return domain.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, ev domain.ReminderEvent) error {
	to := ev.Recipient.Email
	if to == "" {
		return domain.Permanent(errors.New("event has no recipient email"))
	}

	subject := fmt.Sprintf("Reminder: %s", ev.Title)
	body := emailBody(ev)

	_, err := s.api.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.cfg.From),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	})
	if err == nil {
		return nil
	}

	if s.cfg.SMTPAddr != "" && connectivityOrAuth(err) {
		ferr := s.fallback(to, subject, body)
		if ferr == nil {
			log.Warn().Str("event_id", ev.EventID).Err(err).Msg("ses failed, delivered via smtp fallback")
			return nil
		}
		return domain.Transient(fmt.Errorf("ses: %v; smtp fallback: %v", err, ferr))
	}
	return classifySES(err)
}

func (s *EmailSender) fallback(to, subject, body string) error {
	var auth smtp.Auth
	if s.cfg.SMTPUser != "" {
		host := s.cfg.SMTPAddr
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPassword, host)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", s.cfg.From, to, subject, body)
	return s.smtpSend(s.cfg.SMTPAddr, auth, s.cfg.From, []string{to}, []byte(msg))
}

func emailBody(ev domain.ReminderEvent) string {
	return fmt.Sprintf("%s\n\nTask %s is due at %s.\n", ev.Message, ev.TaskID, ev.DueAt.Format("Mon, 02 Jan 2006 15:04 MST"))
}

// connectivityOrAuth reports whether the SES failure is transport-level
// or an auth rejection, the cases where the SMTP relay is worth trying.
func connectivityOrAuth(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		// No API error in the chain means the request never got a
		// well-formed response: DNS, dial, TLS, timeout.
		return true
	}
	switch ae.ErrorCode() {
	case "AccessDenied", "AccessDeniedException", "UnrecognizedClientException",
		"InvalidClientTokenId", "SignatureDoesNotMatch", "ExpiredToken":
		return true
	}
	return false
}

// classifySES maps SES failures onto the retry taxonomy. Recipient and
// account-level rejections are permanent; throttling and everything
// else is retryable.
func classifySES(err error) error {
	var (
		rejected   *types.MessageRejected
		badReq     *types.BadRequestException
		notFound   *types.NotFoundException
		suspended  *types.AccountSuspendedException
		paused     *types.SendingPausedException
		unverified *types.MailFromDomainNotVerifiedException
	)
	switch {
	case errors.As(err, &rejected),
		errors.As(err, &badReq),
		errors.As(err, &notFound),
		errors.As(err, &suspended),
		errors.As(err, &paused),
		errors.As(err, &unverified):
		return domain.Permanent(err)
	}
	return domain.Transient(err)
}
