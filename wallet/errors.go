package wallet

import (
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/AvaProtocol/ap-wallet/version"
)

const (
	InternalError = "Internal Error"
)

// goSafe runs fn in a goroutine and reports a panic to Sentry before
// re-panicking.
func goSafe(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sentry.CurrentHub().Recover(r)
				sentry.Flush(2 * time.Second)
				panic(r)
			}
		}()
		fn()
	}()
}

func (w *Wallet) sentryEnabled() bool {
	return sentry.CurrentHub().Client() != nil
}

// initSentry is a no-op unless SENTRY_DSN is set
func (w *Wallet) initSentry() {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		w.logger.Info("SENTRY_DSN not found, Sentry integration is disabled.")
		return
	}

	env := os.Getenv("SENTRY_ENVIRONMENT")
	if env == "" {
		env = string(w.config.Environment)
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          version.Get() + "@" + version.Commit(),
		Environment:      env,
		AttachStacktrace: true,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		w.logger.Errorf("Sentry initialization failed: %v", err)
		return
	}
	w.logger.Infof("Sentry initialized for environment: %s", env)
}

func flushSentry() {
	_ = sentry.Flush(2 * time.Second)
}
