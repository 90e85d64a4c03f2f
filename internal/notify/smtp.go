package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

// SMTPConfig holds the mail server settings.
type SMTPConfig struct {
	Host            string
	Port            int
	Username        string
	Password        string
	From            string
	RecipientDomain string
	CC              []string
	Timeout         time.Duration
}

// SMTPNotifier mails events to the job owner.
type SMTPNotifier struct {
	cfg SMTPConfig
}

// NewSMTPNotifier validates cfg.
func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPNotifier{cfg: cfg}, nil
}

// Message builds the mail for ev. It returns nil when ev has no recipient.
func (n *SMTPNotifier) Message(ev Event) (*mail.Msg, error) {
	to := Recipient(ev.Owner, n.cfg.RecipientDomain)
	if to == "" && len(n.cfg.CC) == 0 {
		return nil, nil
	}

	m := mail.NewMsg()
	if err := m.From(n.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if to != "" {
		if err := m.To(to); err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
	}
	if len(n.cfg.CC) > 0 {
		if err := m.Cc(n.cfg.CC...); err != nil {
			return nil, fmt.Errorf("invalid cc: %w", err)
		}
	}
	m.Subject(ev.Subject())
	m.SetBodyString(mail.TypeTextPlain, ev.Body())
	return m, nil
}

func (n *SMTPNotifier) Notify(ctx context.Context, ev Event) error {
	m, err := n.Message(ev)
	if err != nil || m == nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(n.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(n.cfg.Timeout),
	}
	if n.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.cfg.Username),
			mail.WithPassword(n.cfg.Password),
		)
	}

	client, err := mail.NewClient(n.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send %s notification for %s: %w", ev.Kind, ev.JobID, err)
	}
	return nil
}
