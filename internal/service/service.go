// Package service holds the business rules: the thread tree, reactions,
// feeds, community membership and profiles.
//
// Services take internal ids only. The HTTP layer resolves the caller's
// external identity to an internal user id once, through UserService.Resolve,
// before calling in.
//
// Every multi-document mutation runs inside Store.WithTx, and every
// successful mutation sends one revalidate signal for the caller's path.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/repository"
	"github.com/sakif/threadline/internal/revalidate"
)

// Store is the entity store as the services see it. Both *sqlite.DB and
// *mongodb.Store satisfy it.
type Store interface {
	repository.Store
	repository.UserRepository
	repository.ThreadRepository
	repository.CommunityRepository
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// pageWindow validates page (1-based) and pageSize and returns the
// corresponding list options.
func pageWindow(page, pageSize int) (repository.ListOptions, error) {
	if page < 1 {
		return repository.ListOptions{}, apperror.ValidationFailed("page", "page must be 1 or greater")
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return repository.ListOptions{}, apperror.ValidationFailed("pageSize",
			fmt.Sprintf("pageSize must be between 1 and %d", MaxPageSize))
	}
	return repository.ListOptions{Limit: pageSize, Offset: (page - 1) * pageSize}, nil
}

// signal sends the revalidate signal for path. The mutation has already
// committed, so a failed signal is logged rather than returned.
func signal(ctx context.Context, n revalidate.Notifier, logger *slog.Logger, path string) {
	if path == "" {
		return
	}
	if err := n.Revalidate(ctx, path); err != nil {
		logger.Warn("revalidate failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// unique returns ids without duplicates or empty strings, in first-seen
// order.
func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
