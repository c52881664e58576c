package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry wires error reporting. An empty DSN disables it without error so
// local development needs no configuration.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
