package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/model"
	"github.com/sakif/threadline/internal/repository"
)

var _ repository.UserRepository = (*Store)(nil)

// UpsertByExternalID updates the profile fields of the user with this
// external id, creating the document (with a fresh ID and empty arrays) if
// there is none. The saved document is decoded back into user.
func (s *Store) UpsertByExternalID(ctx context.Context, user *model.User) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	update := bson.M{
		"$set": bson.M{
			"name":       user.Name,
			"username":   user.Username,
			"image":      user.Image,
			"bio":        user.Bio,
			"onboarded":  user.Onboarded,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"_id":         xid.New().String(),
			"threads":     bson.A{},
			"communities": bson.A{},
			"created_at":  now,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var saved model.User
	err := s.users.FindOneAndUpdate(ctx, bson.M{"external_id": user.ExternalID}, update, opts).Decode(&saved)
	if err != nil {
		switch duplicateIndex(err) {
		case "":
		case "external_id_1":
			return apperror.Conflict("user", user.ExternalID)
		default:
			return apperror.ConflictMessage("username", "username is already taken")
		}
		return fmt.Errorf("mongo: upserting user (externalID=%s): %w", user.ExternalID, err)
	}

	normalizeUser(&saved)
	*user = saved
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := findOne(ctx, s.users, byID(id), "user", id, &u); err != nil {
		return nil, err
	}
	normalizeUser(&u)
	return &u, nil
}

func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	var u model.User
	if err := findOne(ctx, s.users, bson.M{"external_id": externalID}, "user", externalID, &u); err != nil {
		return nil, err
	}
	normalizeUser(&u)
	return &u, nil
}

func (s *Store) GetUsers(ctx context.Context, ids []string) ([]model.User, error) {
	users := []model.User{}
	if len(ids) == 0 {
		return users, nil
	}
	if err := findAll(ctx, s.users, byIDs(ids), &users); err != nil {
		return nil, err
	}
	for i := range users {
		normalizeUser(&users[i])
	}
	return users, nil
}

func (s *Store) SearchUsers(ctx context.Context, opts repository.SearchOptions) ([]model.User, int, error) {
	filter := searchFilter(opts.Query)
	filter["_id"] = bson.M{"$ne": opts.ExcludeID}
	filter["onboarded"] = true

	total, err := s.users.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("mongo: counting users: %w", err)
	}

	users := []model.User{}
	if err := findAll(ctx, s.users, filter, &users, page(opts.ListOptions)); err != nil {
		return nil, 0, err
	}
	for i := range users {
		normalizeUser(&users[i])
	}
	return users, int(total), nil
}

func (s *Store) PushUserThread(ctx context.Context, userID, threadID string) error {
	return addToSet(ctx, s.users, userID, "threads", threadID)
}

func (s *Store) PullUserThreads(ctx context.Context, userIDs, threadIDs []string) error {
	return pullMany(ctx, s.users, userIDs, "threads", threadIDs)
}

func (s *Store) AddUserCommunity(ctx context.Context, userID, communityID string) error {
	return addToSet(ctx, s.users, userID, "communities", communityID)
}

func (s *Store) RemoveUserCommunity(ctx context.Context, userID, communityID string) error {
	return pullMany(ctx, s.users, []string{userID}, "communities", []string{communityID})
}

func (s *Store) PullCommunityFromUsers(ctx context.Context, communityID string) error {
	_, err := s.users.UpdateMany(ctx,
		bson.M{"communities": communityID},
		bson.M{"$pull": bson.M{"communities": communityID}},
	)
	if err != nil {
		return fmt.Errorf("mongo: pulling community %s from users: %w", communityID, err)
	}
	return nil
}

func normalizeUser(u *model.User) {
	u.Threads = nonNil(u.Threads)
	u.Communities = nonNil(u.Communities)
}

