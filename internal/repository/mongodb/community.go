package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/model"
	"github.com/sakif/threadline/internal/repository"
)

var _ repository.CommunityRepository = (*Store)(nil)

func (s *Store) CreateCommunity(ctx context.Context, community *model.Community) error {
	community.ID = xid.New().String()
	if community.CreatedAt.IsZero() {
		community.CreatedAt = time.Now().UTC()
	}
	community.CreatedAt = community.CreatedAt.Truncate(time.Millisecond)
	community.Members = nonNil(community.Members)
	community.Requests = []string{}
	community.Threads = []string{}

	if _, err := s.communities.InsertOne(ctx, community); err != nil {
		switch duplicateIndex(err) {
		case "":
		case "external_id_1":
			return apperror.Conflict("community", community.ExternalID)
		default:
			return apperror.ConflictMessage("username", "community username is already taken")
		}
		return fmt.Errorf("mongo: inserting community: %w", err)
	}
	return nil
}

func (s *Store) GetCommunityByID(ctx context.Context, id string) (*model.Community, error) {
	var c model.Community
	if err := findOne(ctx, s.communities, byID(id), "community", id, &c); err != nil {
		return nil, err
	}
	normalizeCommunity(&c)
	return &c, nil
}

func (s *Store) GetCommunityByExternalID(ctx context.Context, externalID string) (*model.Community, error) {
	var c model.Community
	if err := findOne(ctx, s.communities, bson.M{"external_id": externalID}, "community", externalID, &c); err != nil {
		return nil, err
	}
	normalizeCommunity(&c)
	return &c, nil
}

func (s *Store) GetCommunities(ctx context.Context, ids []string) ([]model.Community, error) {
	communities := []model.Community{}
	if len(ids) == 0 {
		return communities, nil
	}
	if err := findAll(ctx, s.communities, byIDs(ids), &communities); err != nil {
		return nil, err
	}
	for i := range communities {
		normalizeCommunity(&communities[i])
	}
	return communities, nil
}

func (s *Store) SearchCommunities(ctx context.Context, opts repository.SearchOptions) ([]model.Community, int, error) {
	filter := searchFilter(opts.Query)

	total, err := s.communities.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("mongo: counting communities: %w", err)
	}

	communities := []model.Community{}
	if err := findAll(ctx, s.communities, filter, &communities, page(opts.ListOptions)); err != nil {
		return nil, 0, err
	}
	for i := range communities {
		normalizeCommunity(&communities[i])
	}
	return communities, int(total), nil
}

func (s *Store) UpdateCommunityInfo(ctx context.Context, community *model.Community) error {
	result, err := s.communities.UpdateOne(ctx, byID(community.ID), bson.M{"$set": bson.M{
		"name":     community.Name,
		"username": community.Username,
		"image":    community.Image,
		"bio":      community.Bio,
	}})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperror.ConflictMessage("username", "community username is already taken")
		}
		return fmt.Errorf("mongo: updating community %s: %w", community.ID, err)
	}
	if result.MatchedCount == 0 {
		return apperror.NotFound("community", community.ID)
	}
	return nil
}

func (s *Store) DeleteCommunity(ctx context.Context, id string) error {
	result, err := s.communities.DeleteOne(ctx, byID(id))
	if err != nil {
		return fmt.Errorf("mongo: deleting community %s: %w", id, err)
	}
	if result.DeletedCount == 0 {
		return apperror.NotFound("community", id)
	}
	return nil
}

func (s *Store) PushCommunityThread(ctx context.Context, communityID, threadID string) error {
	return addToSet(ctx, s.communities, communityID, "threads", threadID)
}

func (s *Store) PullCommunityThreads(ctx context.Context, communityIDs, threadIDs []string) error {
	return pullMany(ctx, s.communities, communityIDs, "threads", threadIDs)
}

func (s *Store) AddJoinRequest(ctx context.Context, communityID, userID string) error {
	return addToSet(ctx, s.communities, communityID, "requests", userID)
}

func (s *Store) RemoveJoinRequest(ctx context.Context, communityID, userID string) error {
	return pullMany(ctx, s.communities, []string{communityID}, "requests", []string{userID})
}

// AddMember adds to members and pulls from requests in a single update, so
// the two lists never overlap.
func (s *Store) AddMember(ctx context.Context, communityID, userID string) error {
	_, err := s.communities.UpdateOne(ctx, byID(communityID), bson.M{
		"$addToSet": bson.M{"members": userID},
		"$pull":     bson.M{"requests": userID},
	})
	if err != nil {
		return fmt.Errorf("mongo: adding member to community %s: %w", communityID, err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, communityID, userID string) error {
	return pullMany(ctx, s.communities, []string{communityID}, "members", []string{userID})
}

func normalizeCommunity(c *model.Community) {
	c.Members = nonNil(c.Members)
	c.Requests = nonNil(c.Requests)
	c.Threads = nonNil(c.Threads)
}
