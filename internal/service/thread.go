package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/model"
	"github.com/sakif/threadline/internal/revalidate"
)

// Body length bounds, counted in characters.
const (
	MinBodyLength = 3
	MaxBodyLength = 5000
)

// ThreadService owns the thread tree: posting, replying, cascading delete and
// likes.
type ThreadService struct {
	store    Store
	notifier revalidate.Notifier
	logger   *slog.Logger
}

func NewThreadService(store Store, notifier revalidate.Notifier, logger *slog.Logger) *ThreadService {
	return &ThreadService{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// CreateThreadInput describes a new thread. ParentID and CommunityID are
// optional; Path is the view to revalidate afterwards.
type CreateThreadInput struct {
	AuthorID    string
	Body        string
	ParentID    string
	CommunityID string
	Path        string
}

// Create posts a top-level thread or, with ParentID set, a reply.
//
// The new id is appended to the parent's Children, the author's Threads and
// the community's Threads in the same transaction as the insert.
func (s *ThreadService) Create(ctx context.Context, in CreateThreadInput) (*model.Thread, error) {
	body, err := validateBody(in.Body)
	if err != nil {
		return nil, err
	}

	thread := &model.Thread{
		Body:        body,
		AuthorID:    in.AuthorID,
		ParentID:    in.ParentID,
		CommunityID: in.CommunityID,
	}

	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.GetUserByID(ctx, in.AuthorID); err != nil {
			return err
		}
		if in.ParentID != "" {
			if _, err := s.store.GetThread(ctx, in.ParentID); err != nil {
				return err
			}
		}
		if in.CommunityID != "" {
			if _, err := s.store.GetCommunityByID(ctx, in.CommunityID); err != nil {
				return err
			}
		}

		if err := s.store.CreateThread(ctx, thread); err != nil {
			return err
		}
		if in.ParentID != "" {
			if err := s.store.PushChild(ctx, in.ParentID, thread.ID); err != nil {
				return err
			}
		}
		if err := s.store.PushUserThread(ctx, in.AuthorID, thread.ID); err != nil {
			return err
		}
		if in.CommunityID != "" {
			if err := s.store.PushCommunityThread(ctx, in.CommunityID, thread.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("service/thread: creating thread: %w", err)
	}

	s.logger.Info("thread created",
		slog.String("id", thread.ID),
		slog.String("author", thread.AuthorID),
		slog.String("parent", thread.ParentID),
		slog.String("community", thread.CommunityID),
	)
	signal(ctx, s.notifier, s.logger, in.Path)

	return thread, nil
}

// Reply adds a reply under parentID. Replies never carry a community of
// their own.
func (s *ThreadService) Reply(ctx context.Context, parentID, body, authorID, path string) (*model.Thread, error) {
	if parentID == "" {
		return nil, apperror.ValidationFailed("parentId", "parent thread ID is required")
	}
	return s.Create(ctx, CreateThreadInput{
		AuthorID: authorID,
		Body:     body,
		ParentID: parentID,
		Path:     path,
	})
}

// Delete removes the thread and all of its descendants, then pulls every
// removed id from the authors and communities that referenced them and from
// the surviving parent's Children. Nothing is written when the thread does
// not exist.
func (s *ThreadService) Delete(ctx context.Context, threadID, path string) error {
	var deleted int64
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		root, err := s.store.GetThread(ctx, threadID)
		if err != nil {
			return err
		}

		subtree, err := collectSubtree(ctx, s.store, []model.Thread{*root})
		if err != nil {
			return err
		}
		deleted, err = purge(ctx, s.store, refsOf(subtree))
		return err
	})
	if err != nil {
		return fmt.Errorf("service/thread: deleting thread %s: %w", threadID, err)
	}

	s.logger.Info("thread deleted",
		slog.String("id", threadID),
		slog.Int64("removed", deleted),
	)
	signal(ctx, s.notifier, s.logger, path)
	return nil
}

// Authorize reports whether actorID may delete threadID: only the author may.
func (s *ThreadService) Authorize(ctx context.Context, threadID, actorID string) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.AuthorID != actorID {
		return apperror.Forbidden("only the author can delete this thread")
	}
	return nil
}

// ToggleLike adds userID to the thread's likes, or removes it if already
// present, and returns the resulting set.
//
// The membership test is a read, but the write is an element-level
// add-to-set or pull, never a rewrite of the whole set, so toggles by
// different users cannot overwrite each other. Two concurrent toggles by
// the same user may both observe the same state; where the store does not
// serialize transactions they then both add or both pull, and one toggle
// is lost. The set itself never holds a duplicate.
func (s *ThreadService) ToggleLike(ctx context.Context, threadID, userID, path string) ([]string, error) {
	var likes []string
	var liked bool

	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		thread, err := s.store.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		if _, err := s.store.GetUserByID(ctx, userID); err != nil {
			return err
		}

		liked = !thread.LikedBy(userID)
		if liked {
			err = s.store.AddLike(ctx, threadID, userID)
		} else {
			err = s.store.RemoveLike(ctx, threadID, userID)
		}
		if err != nil {
			return err
		}

		updated, err := s.store.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		likes = updated.Likes
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("service/thread: toggling like on %s: %w", threadID, err)
	}

	s.logger.Debug("thread like toggled",
		slog.String("id", threadID),
		slog.String("user", userID),
		slog.Bool("liked", liked),
	)
	signal(ctx, s.notifier, s.logger, path)
	return likes, nil
}

func validateBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	n := utf8.RuneCountInString(body)
	if n == 0 {
		return "", apperror.ValidationFailed("body", "thread body is required")
	}
	if n < MinBodyLength {
		return "", apperror.ValidationFailed("body",
			fmt.Sprintf("thread body must be at least %d characters", MinBodyLength))
	}
	if n > MaxBodyLength {
		return "", apperror.ValidationFailed("body",
			fmt.Sprintf("thread body must be %d characters or less", MaxBodyLength))
	}
	return body, nil
}
