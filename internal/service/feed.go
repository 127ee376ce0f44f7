package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/model"
)

// OwnerKind selects whose threads ListForOwner returns.
type OwnerKind string

const (
	OwnerUser      OwnerKind = "user"
	OwnerCommunity OwnerKind = "community"
)

// FeedService assembles read-only views: the home feed, thread detail,
// profile and community listings, and activity.
type FeedService struct {
	store  Store
	hydr   hydrator
	logger *slog.Logger
}

func NewFeedService(store Store, logger *slog.Logger) *FeedService {
	return &FeedService{
		store:  store,
		hydr:   hydrator{store: store},
		logger: logger,
	}
}

// ListTopLevel returns one page of threads without a parent, newest first,
// each with its author, community and direct replies resolved.
func (s *FeedService) ListTopLevel(ctx context.Context, page, pageSize int) (*model.ThreadPage, error) {
	window, err := pageWindow(page, pageSize)
	if err != nil {
		return nil, err
	}

	total, err := s.store.CountTopLevel(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/feed: counting threads: %w", err)
	}
	threads, err := s.store.ListTopLevel(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("service/feed: listing threads: %w", err)
	}

	views, err := s.hydr.views(ctx, threads, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("service/feed: %w", err)
	}

	return &model.ThreadPage{
		Threads: views,
		HasMore: total > window.Offset+len(threads),
	}, nil
}

// ThreadDetail returns the thread with two levels of replies.
func (s *FeedService) ThreadDetail(ctx context.Context, id string) (*model.ThreadView, error) {
	thread, err := s.store.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}

	views, err := s.hydr.views(ctx, []model.Thread{*thread}, 2, nil)
	if err != nil {
		return nil, fmt.Errorf("service/feed: %w", err)
	}
	return &views[0], nil
}

// ListForOwner returns the top-level threads of a user profile or a
// community, newest first, with one level of replies.
//
// On a profile every thread shows the owner as its author, projected once.
// In a community each thread's author is looked up.
func (s *FeedService) ListForOwner(ctx context.Context, ownerID string, kind OwnerKind) ([]model.ThreadView, error) {
	switch kind {
	case OwnerUser:
		user, err := s.store.GetUserByID(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		threads, err := s.store.GetThreads(ctx, user.Threads)
		if err != nil {
			return nil, fmt.Errorf("service/feed: loading threads of user %s: %w", ownerID, err)
		}
		threads = topLevelOnly(threads)
		model.SortNewestFirst(threads)

		owner := user.Author()
		return s.hydr.views(ctx, threads, 1, &owner)

	case OwnerCommunity:
		community, err := s.store.GetCommunityByID(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		threads, err := s.store.GetThreads(ctx, community.Threads)
		if err != nil {
			return nil, fmt.Errorf("service/feed: loading threads of community %s: %w", ownerID, err)
		}
		model.SortNewestFirst(threads)
		return s.hydr.views(ctx, threads, 1, nil)
	}

	return nil, apperror.ValidationFailed("kind", fmt.Sprintf("unknown owner kind %q", kind))
}

// Activity returns replies other users made to any thread of userID, newest
// first.
func (s *FeedService) Activity(ctx context.Context, userID string) ([]model.ThreadView, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	replies, err := s.store.ListRepliesTo(ctx, user.Threads, userID)
	if err != nil {
		return nil, fmt.Errorf("service/feed: loading activity of %s: %w", userID, err)
	}
	return s.hydr.views(ctx, replies, 0, nil)
}

// UserReplies returns the replies userID has written, newest first, each with
// its own replies.
func (s *FeedService) UserReplies(ctx context.Context, userID string) ([]model.ThreadView, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	threads, err := s.store.GetThreads(ctx, user.Threads)
	if err != nil {
		return nil, fmt.Errorf("service/feed: loading replies of %s: %w", userID, err)
	}

	var replies []model.Thread
	for _, th := range threads {
		if th.IsReply() {
			replies = append(replies, th)
		}
	}
	model.SortNewestFirst(replies)

	owner := user.Author()
	return s.hydr.views(ctx, replies, 1, &owner)
}

func topLevelOnly(threads []model.Thread) []model.Thread {
	out := threads[:0]
	for _, th := range threads {
		if !th.IsReply() {
			out = append(out, th)
		}
	}
	return out
}
