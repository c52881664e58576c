package email

import (
	"context"
	"sync"
	"time"

	"identity-server/internal/observability"
)

// Dispatcher sends email off the request path. Dispatch returns immediately;
// delivery runs on its own goroutine with its own deadline, and failures are
// logged rather than reported to the triggering operation.
type Dispatcher struct {
	sender  Sender
	logger  *observability.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(sender Sender, logger *observability.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, logger: logger, timeout: 20 * time.Second}
}

func (d *Dispatcher) Dispatch(recipient, code string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sender.SendVerificationCode(ctx, recipient, code); err != nil {
			d.logger.Error("verification_email_failed", map[string]any{
				"recipient": recipient,
				"error":     err.Error(),
			})
			return
		}
		d.logger.Info("verification_email_sent", map[string]any{"recipient": recipient})
	}()
}

// Wait blocks until in-flight sends finish. Used on shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// LogSender is the development fallback when no email provider is configured:
// it logs the code instead of delivering it.
type LogSender struct {
	logger *observability.Logger
}

func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) SendVerificationCode(_ context.Context, recipient, code string) error {
	l.logger.Info("verification_code_issued", map[string]any{
		"recipient": recipient,
		"code":      code,
	})
	return nil
}
