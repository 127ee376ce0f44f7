package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sakif/threadline/internal/model"
	"github.com/sakif/threadline/internal/repository"
)

var _ repository.ThreadRepository = (*Store)(nil)

// topLevel matches threads with no parent field (or an empty one).
var topLevel = bson.M{"parent": bson.M{"$in": bson.A{nil, ""}}}

func (s *Store) CreateThread(ctx context.Context, thread *model.Thread) error {
	thread.ID = xid.New().String()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	// BSON dates have millisecond precision.
	thread.CreatedAt = thread.CreatedAt.Truncate(time.Millisecond)
	thread.Children = []string{}
	thread.Likes = []string{}

	if _, err := s.threads.InsertOne(ctx, thread); err != nil {
		return fmt.Errorf("mongo: inserting thread: %w", err)
	}
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	var th model.Thread
	if err := findOne(ctx, s.threads, byID(id), "thread", id, &th); err != nil {
		return nil, err
	}
	normalizeThread(&th)
	return &th, nil
}

func (s *Store) GetThreads(ctx context.Context, ids []string) ([]model.Thread, error) {
	if len(ids) == 0 {
		return []model.Thread{}, nil
	}
	return s.findThreads(ctx, byIDs(ids))
}

func (s *Store) ListTopLevel(ctx context.Context, opts repository.ListOptions) ([]model.Thread, error) {
	return s.findThreads(ctx, topLevel, page(opts))
}

func (s *Store) CountTopLevel(ctx context.Context) (int, error) {
	n, err := s.threads.CountDocuments(ctx, topLevel)
	if err != nil {
		return 0, fmt.Errorf("mongo: counting top-level threads: %w", err)
	}
	return int(n), nil
}

func (s *Store) ListThreadIDsByCommunity(ctx context.Context, communityID string) ([]string, error) {
	var docs []struct {
		ID string `bson:"_id"`
	}
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	if err := findAll(ctx, s.threads, bson.M{"community": communityID}, &docs, opts); err != nil {
		return nil, err
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

func (s *Store) ListRepliesTo(ctx context.Context, parentIDs []string, excludeAuthorID string) ([]model.Thread, error) {
	if len(parentIDs) == 0 {
		return []model.Thread{}, nil
	}
	filter := bson.M{
		"parent": bson.M{"$in": parentIDs},
		"author": bson.M{"$ne": excludeAuthorID},
	}
	return s.findThreads(ctx, filter, options.Find().SetSort(newestFirst))
}

func (s *Store) PushChild(ctx context.Context, parentID, childID string) error {
	return addToSet(ctx, s.threads, parentID, "children", childID)
}

func (s *Store) PullChildren(ctx context.Context, parentID string, childIDs []string) error {
	return pullMany(ctx, s.threads, []string{parentID}, "children", childIDs)
}

func (s *Store) AddLike(ctx context.Context, threadID, userID string) error {
	return addToSet(ctx, s.threads, threadID, "likes", userID)
}

func (s *Store) RemoveLike(ctx context.Context, threadID, userID string) error {
	return pullMany(ctx, s.threads, []string{threadID}, "likes", []string{userID})
}

func (s *Store) DeleteThreads(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := s.threads.DeleteMany(ctx, byIDs(ids))
	if err != nil {
		return 0, fmt.Errorf("mongo: deleting threads: %w", err)
	}
	return result.DeletedCount, nil
}

func (s *Store) findThreads(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]model.Thread, error) {
	threads := []model.Thread{}
	if err := findAll(ctx, s.threads, filter, &threads, opts...); err != nil {
		return nil, err
	}
	for i := range threads {
		normalizeThread(&threads[i])
	}
	return threads, nil
}

func normalizeThread(th *model.Thread) {
	th.Children = nonNil(th.Children)
	th.Likes = nonNil(th.Likes)
}
