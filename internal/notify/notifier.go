package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Notifier is the best-effort boundary around a Provider. Push never fails.
type Notifier struct {
	provider Provider
	timeout  time.Duration
	log      *logrus.Entry
}

func NewNotifier(provider Provider, timeout time.Duration, log *logrus.Entry) *Notifier {
	if provider == nil {
		provider = noopProvider{}
	}
	return &Notifier{provider: provider, timeout: timeout, log: log}
}

func (n *Notifier) Push(ctx context.Context, recipient, message, deepLink string) {
	if recipient == "" {
		return
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			n.log.WithField("operation", "external_push").WithField("panic", r).Error("notifier provider panicked")
		}
	}()

	if err := n.provider.Send(ctx, recipient, message, deepLink); err != nil {
		n.log.WithField("operation", "external_push").
			WithField("recipient", recipient).
			WithError(err).
			Warn("external push failed")
	}
}
