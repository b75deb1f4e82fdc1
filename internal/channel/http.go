package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
	"github.com/jwalitptl/eventhub/pkg/circuitbreaker"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	TimestampHeader = "X-Hub-Timestamp"
)

type GatewayConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// GatewaySender posts notifications to a push or SMS provider gateway.
type GatewaySender struct {
	channel  model.Channel
	cfg      GatewayConfig
	contacts repository.ContactRepository
	client   *http.Client
	cb       *circuitbreaker.CircuitBreaker
}

func NewPushSender(cfg GatewayConfig, contacts repository.ContactRepository) *GatewaySender {
	return newGatewaySender(model.ChannelPush, cfg, contacts)
}

func NewSMSSender(cfg GatewayConfig, contacts repository.ContactRepository) *GatewaySender {
	return newGatewaySender(model.ChannelSMS, cfg, contacts)
}

func newGatewaySender(ch model.Channel, cfg GatewayConfig, contacts repository.ContactRepository) *GatewaySender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &GatewaySender{
		channel:  ch,
		cfg:      cfg,
		contacts: contacts,
		client:   &http.Client{Timeout: cfg.Timeout},
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        string(ch) + "-gateway",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		}),
	}
}

func (s *GatewaySender) Channel() model.Channel { return s.channel }

func (s *GatewaySender) Send(ctx context.Context, n *model.Notification) error {
	contact, err := lookupContact(ctx, s.contacts, n.UserID)
	if err != nil {
		return err
	}
	to := contact.PushToken
	if s.channel == model.ChannelSMS {
		to = contact.Phone
	}
	if to == "" {
		return fmt.Errorf("%s for user %s: %w", s.channel, n.UserID, ErrNoAddress)
	}

	body, err := json.Marshal(newPayload(n, to))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	headers := http.Header{}
	if s.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	return s.cb.Execute(func() error {
		return post(ctx, s.client, s.cfg.URL, body, headers)
	})
}

// WebhookSender posts to the recipient's registered URL. When a signing
// secret is set, the body is signed with HMAC-SHA256 over "<timestamp>.<body>".
type WebhookSender struct {
	secret   []byte
	contacts repository.ContactRepository
	client   *http.Client
	now      func() time.Time
}

func NewWebhookSender(secret string, timeout time.Duration, contacts repository.ContactRepository) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		secret:   []byte(secret),
		contacts: contacts,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
	}
}

func (s *WebhookSender) Channel() model.Channel { return model.ChannelWebhook }

func (s *WebhookSender) Send(ctx context.Context, n *model.Notification) error {
	contact, err := lookupContact(ctx, s.contacts, n.UserID)
	if err != nil {
		return err
	}
	if contact.WebhookURL == "" {
		return fmt.Errorf("webhook for user %s: %w", n.UserID, ErrNoAddress)
	}

	body, err := json.Marshal(newPayload(n, ""))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	headers := http.Header{}
	if len(s.secret) > 0 {
		ts := strconv.FormatInt(s.now().Unix(), 10)
		headers.Set(TimestampHeader, ts)
		headers.Set(SignatureHeader, "sha256="+Sign(s.secret, ts, body))
	}
	return post(ctx, s.client, contact.WebhookURL, body, headers)
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func post(ctx context.Context, client *http.Client, url string, body []byte, headers http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return nil
}
