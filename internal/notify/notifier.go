package notify

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send tries every notifier and joins their errors.
func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoOpNotifier does nothing.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}

// ErrRateLimited is returned when a notification is dropped by RateLimited.
var ErrRateLimited = errors.New("notification rate limited")

// RateLimited drops notifications beyond a token-bucket budget so a task
// failing on every repetition cannot flood the channel.
type RateLimited struct {
	next    Notifier
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRateLimited allows perMinute notifications per minute with bursts of burst.
func NewRateLimited(next Notifier, perMinute float64, burst int, logger *slog.Logger) *RateLimited {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (r *RateLimited) Send(ctx context.Context, title, body string) error {
	if !r.limiter.Allow() {
		r.logger.Warn("notification dropped", "title", title)
		return ErrRateLimited
	}
	return r.next.Send(ctx, title, body)
}
