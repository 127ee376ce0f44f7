// Package revalidate tells the presentation layer that a cached path is
// stale. The path is an opaque token chosen by the caller; the core never
// interprets it.
package revalidate

import (
	"context"
	"errors"
	"log/slog"
)

// Notifier receives one signal per successful mutation.
type Notifier interface {
	Revalidate(ctx context.Context, path string) error
}

// Log writes each signal to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Revalidate(ctx context.Context, path string) error {
	l.Logger.InfoContext(ctx, "revalidate", slog.String("path", path))
	return nil
}

// Multi fans a signal out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Revalidate(ctx context.Context, path string) error {
	var errs []error
	for _, n := range m {
		if err := n.Revalidate(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
