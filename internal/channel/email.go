package channel

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
	"github.com/jwalitptl/eventhub/pkg/circuitbreaker"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type EmailSender struct {
	from     string
	contacts repository.ContactRepository
	cb       *circuitbreaker.CircuitBreaker
	send     func(msgs ...*gomail.Message) error
}

func NewEmailSender(cfg EmailConfig, contacts repository.ContactRepository) *EmailSender {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &EmailSender{
		from:     cfg.From,
		contacts: contacts,
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "smtp",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		}),
		send: dialer.DialAndSend,
	}
}

func (s *EmailSender) Channel() model.Channel { return model.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, n *model.Notification) error {
	contact, err := lookupContact(ctx, s.contacts, n.UserID)
	if err != nil {
		return err
	}
	if contact.Email == "" {
		return fmt.Errorf("email for user %s: %w", n.UserID, ErrNoAddress)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", contact.Email)
	m.SetHeader("Subject", n.Title)
	m.SetHeader("X-Notification-ID", n.ID.String())
	m.SetBody("text/plain", n.Body)
	m.AddAlternative("text/html", renderHTML(n))

	return s.cb.Execute(func() error {
		if err := s.send(m); err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	})
}

func renderHTML(n *model.Notification) string {
	var b strings.Builder
	b.WriteString("<h2>")
	b.WriteString(html.EscapeString(n.Title))
	b.WriteString("</h2><p>")
	b.WriteString(strings.ReplaceAll(html.EscapeString(n.Body), "\n", "<br>"))
	b.WriteString("</p>")
	return b.String()
}
