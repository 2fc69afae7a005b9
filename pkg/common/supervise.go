package common

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaypilot/relaypilot/pkg/log"
)

// RestartMode controls when a supervised task is restarted.
type RestartMode string

const (
	RestartNever   RestartMode = "never"
	RestartOnCrash RestartMode = "on_crash"
	RestartAlways  RestartMode = "always"
)

// RestartPolicy bounds how a supervised task is restarted. Backoff is linear:
// restart n waits n x Backoff.
type RestartPolicy struct {
	Mode        RestartMode
	MaxRestarts int
	Backoff     time.Duration
}

// DefaultRestartPolicy restarts on crash up to 3 times with 2s linear backoff.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{Mode: RestartOnCrash, MaxRestarts: 3, Backoff: 2 * time.Second}
}

// Supervise runs fn until the context is canceled, applying the restart
// policy. A panic inside fn is recovered and treated as a crash. The returned
// error is the last error (or recovered panic) once the policy is exhausted;
// nil when fn exits cleanly or the context ends.
func Supervise(ctx context.Context, name string, policy RestartPolicy, fn func(context.Context) error) error {
	l := log.Named(ctx, name)
	restarts := 0
	for {
		err := runRecovered(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			if policy.Mode != RestartAlways {
				l.DebugContext(ctx, "task exited normally")
				return nil
			}
		} else {
			l.ErrorContext(ctx, "task crashed", slog.Any("error", err))
			if policy.Mode == RestartNever {
				return err
			}
		}
		restarts++
		if restarts > policy.MaxRestarts {
			return fmt.Errorf("%s exceeded max restarts (%d): %w", name, policy.MaxRestarts, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(restarts) * policy.Backoff):
		}
		l.InfoContext(ctx, "restarting task", slog.Int("restart", restarts))
	}
}

func runRecovered(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
