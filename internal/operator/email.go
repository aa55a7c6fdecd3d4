package operator

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// Sender delivers an email.
type Sender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
}

// SMTPSender sends plain-text mail through an SMTP relay.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender creates a sender for cfg.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Send(ctx context.Context, to []string, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		host := s.cfg.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	}
	return smtp.SendMail(s.cfg.Addr, auth, s.cfg.From, to, buildMessage(s.cfg.From, to, subject, body))
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// Email renders subject and body templates and hands them to a Sender.
type Email struct {
	cfg    types.EmailConfig
	sender Sender
}

// RegisterEmail enables the email operator with the given sender.
func (r *Registry) RegisterEmail(sender Sender) {
	r.Register(types.OperatorEmail, func(spec *types.TaskSpec) (Operator, error) {
		if spec.Email == nil || len(spec.Email.To) == 0 {
			return nil, fmt.Errorf("%w: email.to", ErrMissingConfig)
		}
		return &Email{cfg: *spec.Email, sender: sender}, nil
	})
}

func (e *Email) Execute(ctx context.Context, tc *TaskContext) (interface{}, error) {
	subject, err := render(ctx, tc, "subject", e.cfg.Subject)
	if err != nil {
		return nil, err
	}
	body, err := render(ctx, tc, "body", e.cfg.Body)
	if err != nil {
		return nil, err
	}
	if err := e.sender.Send(ctx, e.cfg.To, subject, body); err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	fmt.Fprintf(tc.Log, "sent %q to %s\n", subject, strings.Join(e.cfg.To, ", "))
	return nil, nil
}
