// Package repository declares the entity store contract. The sqlite and mongo
// subpackages implement it; services depend only on these interfaces.
//
// The methods mirror document-store primitives (find by id, batch find by
// $in, push / addToSet / pull on array fields, bulk delete) so that both
// backends can implement them with one round-trip each.
//
// Methods that take a list of ids return only the records that exist, in no
// particular order. Single-record getters return apperror.ErrNotFound.
package repository

import (
	"context"

	"github.com/sakif/threadline/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

// SearchOptions filters a paged listing by a case-insensitive substring of
// username or name. An empty Query matches everything.
type SearchOptions struct {
	Query     string
	ExcludeID string
	ListOptions
}

// Store is the handle shared by the three repositories.
type Store interface {
	// WithTx runs fn so that every repository call made with the context it
	// receives commits or rolls back together. Backends without transaction
	// support run fn directly.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Close() error
}

type UserRepository interface {
	// UpsertByExternalID creates the user on first save and otherwise updates
	// the profile fields, keeping ID, Threads and Communities. Returns
	// apperror.ErrConflict when the username belongs to another user.
	UpsertByExternalID(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error)
	GetUsers(ctx context.Context, ids []string) ([]model.User, error)
	SearchUsers(ctx context.Context, opts SearchOptions) ([]model.User, int, error)

	PushUserThread(ctx context.Context, userID, threadID string) error
	// PullUserThreads removes threadIDs from the Threads array of every user
	// in userIDs.
	PullUserThreads(ctx context.Context, userIDs, threadIDs []string) error
	AddUserCommunity(ctx context.Context, userID, communityID string) error
	RemoveUserCommunity(ctx context.Context, userID, communityID string) error
	// PullCommunityFromUsers removes communityID from every user that
	// references it.
	PullCommunityFromUsers(ctx context.Context, communityID string) error
}

type ThreadRepository interface {
	CreateThread(ctx context.Context, thread *model.Thread) error
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	GetThreads(ctx context.Context, ids []string) ([]model.Thread, error)
	// ListTopLevel returns threads without a parent ordered by
	// (CreatedAt desc, ID desc).
	ListTopLevel(ctx context.Context, opts ListOptions) ([]model.Thread, error)
	CountTopLevel(ctx context.Context) (int, error)
	// ListThreadIDsByCommunity returns the ids of threads posted directly
	// under the community.
	ListThreadIDsByCommunity(ctx context.Context, communityID string) ([]string, error)
	// ListRepliesTo returns replies whose parent is in parentIDs and whose
	// author is not excludeAuthorID, newest first.
	ListRepliesTo(ctx context.Context, parentIDs []string, excludeAuthorID string) ([]model.Thread, error)

	PushChild(ctx context.Context, parentID, childID string) error
	PullChildren(ctx context.Context, parentID string, childIDs []string) error
	AddLike(ctx context.Context, threadID, userID string) error
	RemoveLike(ctx context.Context, threadID, userID string) error
	DeleteThreads(ctx context.Context, ids []string) (int64, error)
}

type CommunityRepository interface {
	// CreateCommunity returns apperror.ErrConflict when the username or
	// external id is taken.
	CreateCommunity(ctx context.Context, community *model.Community) error
	GetCommunityByID(ctx context.Context, id string) (*model.Community, error)
	GetCommunityByExternalID(ctx context.Context, externalID string) (*model.Community, error)
	GetCommunities(ctx context.Context, ids []string) ([]model.Community, error)
	SearchCommunities(ctx context.Context, opts SearchOptions) ([]model.Community, int, error)
	// UpdateCommunityInfo saves name, username, image and bio.
	UpdateCommunityInfo(ctx context.Context, community *model.Community) error
	DeleteCommunity(ctx context.Context, id string) error

	PushCommunityThread(ctx context.Context, communityID, threadID string) error
	PullCommunityThreads(ctx context.Context, communityIDs, threadIDs []string) error
	AddJoinRequest(ctx context.Context, communityID, userID string) error
	RemoveJoinRequest(ctx context.Context, communityID, userID string) error
	// AddMember adds userID to members and pulls it from requests in one
	// update.
	AddMember(ctx context.Context, communityID, userID string) error
	RemoveMember(ctx context.Context, communityID, userID string) error
}
