package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/model"
	"github.com/sakif/threadline/internal/repository"
)

// compile-time check that *DB implements repository.CommunityRepository
var _ repository.CommunityRepository = (*DB)(nil)

const communityColumns = `id, external_id, username, name, image, bio, created_by, created_at`

// CreateCommunity inserts the community and its initial members.
func (db *DB) CreateCommunity(ctx context.Context, community *model.Community) error {
	community.ID = xid.New().String()
	if community.CreatedAt.IsZero() {
		community.CreatedAt = time.Now().UTC()
	}

	_, err := db.q(ctx).ExecContext(ctx,
		`INSERT INTO communities (`+communityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		community.ID,
		community.ExternalID,
		community.Username,
		community.Name,
		community.Image,
		community.Bio,
		community.CreatedBy,
		nanos(community.CreatedAt),
	)
	if err != nil {
		switch uniqueColumn(err) {
		case "communities.external_id":
			return apperror.Conflict("community", community.ExternalID)
		case "communities.username":
			return apperror.ConflictMessage("username", "community username is already taken")
		case "":
		default:
			return apperror.ConflictMessage("", "community already exists")
		}
		return fmt.Errorf("sqlite: inserting community: %w", err)
	}

	for _, member := range community.Members {
		if err := db.push(ctx, communityMembers, community.ID, member); err != nil {
			return err
		}
	}
	community.Members = nonNil(community.Members)
	community.Requests = []string{}
	community.Threads = []string{}
	return nil
}

func (db *DB) GetCommunityByID(ctx context.Context, id string) (*model.Community, error) {
	communities, err := db.selectCommunities(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(communities) == 0 {
		return nil, apperror.NotFound("community", id)
	}
	return &communities[0], nil
}

func (db *DB) GetCommunityByExternalID(ctx context.Context, externalID string) (*model.Community, error) {
	communities, err := db.selectCommunities(ctx, `WHERE external_id = ?`, externalID)
	if err != nil {
		return nil, err
	}
	if len(communities) == 0 {
		return nil, apperror.NotFound("community", externalID)
	}
	return &communities[0], nil
}

func (db *DB) GetCommunities(ctx context.Context, ids []string) ([]model.Community, error) {
	if len(ids) == 0 {
		return []model.Community{}, nil
	}
	in, args := inClause(ids)
	return db.selectCommunities(ctx, `WHERE id IN `+in, args...)
}

func (db *DB) SearchCommunities(ctx context.Context, opts repository.SearchOptions) ([]model.Community, int, error) {
	where := `WHERE (username LIKE ? ESCAPE '\' OR name LIKE ? ESCAPE '\')`
	pattern := likePattern(opts.Query)
	args := []any{pattern, pattern}

	var total int
	if err := db.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM communities `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: counting communities: %w", err)
	}

	communities, err := db.selectCommunities(ctx,
		where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	return communities, total, nil
}

func (db *DB) UpdateCommunityInfo(ctx context.Context, community *model.Community) error {
	result, err := db.q(ctx).ExecContext(ctx,
		`UPDATE communities SET name = ?, username = ?, image = ?, bio = ? WHERE id = ?`,
		community.Name,
		community.Username,
		community.Image,
		community.Bio,
		community.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.ConflictMessage("username", "community username is already taken")
		}
		return fmt.Errorf("sqlite: updating community %s: %w", community.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rows == 0 {
		return apperror.NotFound("community", community.ID)
	}
	return nil
}

// DeleteCommunity removes the community row and its own arrays.
func (db *DB) DeleteCommunity(ctx context.Context, id string) error {
	result, err := db.q(ctx).ExecContext(ctx, `DELETE FROM communities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting community %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rows == 0 {
		return apperror.NotFound("community", id)
	}

	for _, e := range []edge{communityMembers, communityReqs, communityThreads} {
		if err := db.dropOwners(ctx, e, []string{id}); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) PushCommunityThread(ctx context.Context, communityID, threadID string) error {
	return db.push(ctx, communityThreads, communityID, threadID)
}

func (db *DB) PullCommunityThreads(ctx context.Context, communityIDs, threadIDs []string) error {
	return db.pull(ctx, communityThreads, communityIDs, threadIDs)
}

func (db *DB) AddJoinRequest(ctx context.Context, communityID, userID string) error {
	return db.push(ctx, communityReqs, communityID, userID)
}

func (db *DB) RemoveJoinRequest(ctx context.Context, communityID, userID string) error {
	return db.pull(ctx, communityReqs, []string{communityID}, []string{userID})
}

// AddMember moves userID into members. Both statements run in one
// transaction so the lists stay disjoint.
func (db *DB) AddMember(ctx context.Context, communityID, userID string) error {
	return db.WithTx(ctx, func(ctx context.Context) error {
		if err := db.push(ctx, communityMembers, communityID, userID); err != nil {
			return err
		}
		return db.pull(ctx, communityReqs, []string{communityID}, []string{userID})
	})
}

func (db *DB) RemoveMember(ctx context.Context, communityID, userID string) error {
	return db.pull(ctx, communityMembers, []string{communityID}, []string{userID})
}

func (db *DB) selectCommunities(ctx context.Context, tail string, args ...any) ([]model.Community, error) {
	rows, err := db.q(ctx).QueryContext(ctx, `SELECT `+communityColumns+` FROM communities `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying communities: %w", err)
	}
	defer rows.Close()

	communities := []model.Community{}
	for rows.Next() {
		var c model.Community
		var created int64
		if err := rows.Scan(
			&c.ID,
			&c.ExternalID,
			&c.Username,
			&c.Name,
			&c.Image,
			&c.Bio,
			&c.CreatedBy,
			&created,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning community row: %w", err)
		}
		c.CreatedAt = fromNanos(created)
		communities = append(communities, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating community rows: %w", err)
	}
	rows.Close()

	ids := make([]string, len(communities))
	for i := range communities {
		ids[i] = communities[i].ID
	}
	members, err := db.items(ctx, communityMembers, ids)
	if err != nil {
		return nil, err
	}
	requests, err := db.items(ctx, communityReqs, ids)
	if err != nil {
		return nil, err
	}
	threads, err := db.items(ctx, communityThreads, ids)
	if err != nil {
		return nil, err
	}
	for i := range communities {
		id := communities[i].ID
		communities[i].Members = nonNil(members[id])
		communities[i].Requests = nonNil(requests[id])
		communities[i].Threads = nonNil(threads[id])
	}
	return communities, nil
}
