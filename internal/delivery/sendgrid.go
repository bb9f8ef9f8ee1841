// Package delivery forwards received SMS messages by email and reports every
// attempt back to the reliability engine.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nadmax/relay/internal/strategy"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

var ErrInvalidMessage = errors.New("invalid message")

type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Sink receives attempt outcomes and supplies the concrete strategy the
// attempt runs under.
type Sink interface {
	ExecutionStrategy(ctx context.Context) strategy.ExecutionStrategy
	RecordExecutionResult(rec strategy.AttemptRecord) error
}

type Config struct {
	APIKey      string `toml:"api_key"`
	FromName    string `toml:"from_name"`
	FromAddress string `toml:"from_address"`
	ForwardTo   string `toml:"forward_to"`
}

type Message struct {
	From     string `json:"from"`
	Body     string `json:"body"`
	Type     string `json:"type,omitempty"`
	Priority string `json:"priority,omitempty"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.From) == "" {
		return fmt.Errorf("%w: missing 'from' field", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Body) == "" {
		return fmt.Errorf("%w: missing 'body' field", ErrInvalidMessage)
	}

	return nil
}

type Forwarder struct {
	cfg    Config
	sender Sender
	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

func NewSendGridSender(apiKey string) *sendgrid.Client {
	return sendgrid.NewSendClient(apiKey)
}

func NewForwarder(cfg Config, sender Sender, sink Sink, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		cfg:    cfg,
		sender: sender,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

func (f *Forwarder) SetClock(now func() time.Time) {
	f.now = now
}

// Forward emails msg to the configured recipient. The attempt is reported to
// the sink whether or not the send succeeds; invalid messages are rejected
// before any attempt is made.
func (f *Forwarder) Forward(ctx context.Context, msg Message) (strategy.AttemptRecord, error) {
	if err := msg.Validate(); err != nil {
		return strategy.AttemptRecord{}, err
	}

	active := f.sink.ExecutionStrategy(ctx)
	subject := fmt.Sprintf("SMS from %s", msg.From)
	from := mail.NewEmail(f.cfg.FromName, f.cfg.FromAddress)
	to := mail.NewEmail("", f.cfg.ForwardTo)
	email := mail.NewSingleEmail(from, subject, to, msg.Body, msg.Body)
	email.SetHeader("X-Relay-Strategy", active.String())

	start := f.now()
	response, sendErr := f.sender.SendWithContext(ctx, email)
	elapsed := f.now().Sub(start)

	reason := failureReason(ctx, response, sendErr)
	rec := strategy.NewAttemptRecord(active, reason == "", elapsed, reason)
	rec.MessageType = msg.Type
	rec.MessagePriority = msg.Priority
	rec.Timestamp = f.now()

	if err := f.sink.RecordExecutionResult(rec); err != nil {
		f.logger.Warn("failed to record forwarding attempt",
			zap.String("attempt_id", rec.ID),
			zap.Error(err),
		)
	}

	if reason != "" {
		f.logger.Warn("message forwarding failed",
			zap.String("from", msg.From),
			zap.String("strategy", active.String()),
			zap.String("reason", reason),
		)
		if sendErr != nil {
			return rec, fmt.Errorf("failed to send email: %w", sendErr)
		}
		return rec, fmt.Errorf("sendgrid error: %s", reason)
	}

	f.logger.Info("message forwarded",
		zap.String("from", msg.From),
		zap.String("strategy", active.String()),
		zap.Int("status", response.StatusCode),
		zap.Duration("duration", elapsed),
	)
	return rec, nil
}

// failureReason describes a failed send in terms the health monitor can
// classify. It returns "" on success.
func failureReason(ctx context.Context, response *rest.Response, err error) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Sprintf("delivery timeout: %v", err)
		}
		return fmt.Sprintf("network error: %v", err)
	}

	if response == nil {
		return "network error: empty response"
	}

	switch code := response.StatusCode; {
	case code < 400:
		return ""
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Sprintf("permission denied by mail provider (status %d)", code)
	case code == http.StatusTooManyRequests:
		return fmt.Sprintf("vendor rate limit (status %d)", code)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return fmt.Sprintf("provider timeout (status %d)", code)
	case code >= 500:
		return fmt.Sprintf("network error: provider unavailable (status %d)", code)
	default:
		return fmt.Sprintf("rejected by mail provider (status %d)", code)
	}
}
