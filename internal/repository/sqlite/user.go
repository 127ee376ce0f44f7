package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/model"
	"github.com/sakif/threadline/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, external_id, name, username, image, bio, onboarded, created_at, updated_at`

// UpsertByExternalID inserts or updates a user keyed on the external id.
//
// An existing row keeps its internal ID and CreatedAt; only the profile fields
// change. The lookup and the write share one transaction, and the record is
// read back afterwards so the caller sees the canonical row, arrays included.
func (db *DB) UpsertByExternalID(ctx context.Context, user *model.User) error {
	return db.WithTx(ctx, func(ctx context.Context) error {
		var existingID string
		err := db.q(ctx).QueryRowContext(ctx,
			`SELECT id FROM users WHERE external_id = ?`, user.ExternalID,
		).Scan(&existingID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: looking up user by external_id %s: %w", user.ExternalID, err)
		}

		now := time.Now()
		if existingID != "" {
			_, err = db.q(ctx).ExecContext(ctx,
				`UPDATE users SET name = ?, username = ?, image = ?, bio = ?, onboarded = ?, updated_at = ?
				 WHERE id = ?`,
				user.Name,
				user.Username,
				user.Image,
				user.Bio,
				user.Onboarded,
				nanos(now),
				existingID,
			)
			if err != nil {
				if conflict := userConflict(err, user.ExternalID); conflict != nil {
					return conflict
				}
				return fmt.Errorf("sqlite: updating user %s: %w", existingID, err)
			}
		} else {
			existingID = xid.New().String()
			_, err = db.q(ctx).ExecContext(ctx,
				`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				existingID,
				user.ExternalID,
				user.Name,
				user.Username,
				user.Image,
				user.Bio,
				user.Onboarded,
				nanos(now),
				nanos(now),
			)
			if err != nil {
				if conflict := userConflict(err, user.ExternalID); conflict != nil {
					return conflict
				}
				return fmt.Errorf("sqlite: inserting user (externalID=%s): %w", user.ExternalID, err)
			}
		}

		saved, err := db.GetUserByID(ctx, existingID)
		if err != nil {
			return err
		}
		*user = *saved
		return nil
	})
}

// userConflict maps a UNIQUE violation on users to the field that clashed.
func userConflict(err error, externalID string) error {
	switch uniqueColumn(err) {
	case "users.username":
		return apperror.ConflictMessage("username", "username is already taken")
	case "users.external_id":
		return apperror.Conflict("user", externalID)
	case "":
		return nil
	default:
		return apperror.ConflictMessage("", "user already exists")
	}
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	users, err := db.selectUsers(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, apperror.NotFound("user", id)
	}
	return &users[0], nil
}

func (db *DB) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	users, err := db.selectUsers(ctx, `WHERE external_id = ?`, externalID)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, apperror.NotFound("user", externalID)
	}
	return &users[0], nil
}

func (db *DB) GetUsers(ctx context.Context, ids []string) ([]model.User, error) {
	if len(ids) == 0 {
		return []model.User{}, nil
	}
	in, args := inClause(ids)
	return db.selectUsers(ctx, `WHERE id IN `+in, args...)
}

// SearchUsers returns one page of users whose username or name contains
// opts.Query, newest first, plus the total number of matches.
func (db *DB) SearchUsers(ctx context.Context, opts repository.SearchOptions) ([]model.User, int, error) {
	where := `WHERE id != ? AND onboarded = 1 AND (username LIKE ? ESCAPE '\' OR name LIKE ? ESCAPE '\')`
	pattern := likePattern(opts.Query)
	args := []any{opts.ExcludeID, pattern, pattern}

	var total int
	if err := db.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM users `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: counting users: %w", err)
	}

	users, err := db.selectUsers(ctx,
		where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (db *DB) PushUserThread(ctx context.Context, userID, threadID string) error {
	return db.push(ctx, userThreads, userID, threadID)
}

func (db *DB) PullUserThreads(ctx context.Context, userIDs, threadIDs []string) error {
	return db.pull(ctx, userThreads, userIDs, threadIDs)
}

func (db *DB) AddUserCommunity(ctx context.Context, userID, communityID string) error {
	return db.push(ctx, userCommunities, userID, communityID)
}

func (db *DB) RemoveUserCommunity(ctx context.Context, userID, communityID string) error {
	return db.pull(ctx, userCommunities, []string{userID}, []string{communityID})
}

func (db *DB) PullCommunityFromUsers(ctx context.Context, communityID string) error {
	return db.pullEverywhere(ctx, userCommunities, communityID)
}

// selectUsers runs a users query with the given tail (WHERE / ORDER / LIMIT)
// and attaches each user's arrays.
func (db *DB) selectUsers(ctx context.Context, tail string, args ...any) ([]model.User, error) {
	rows, err := db.q(ctx).QueryContext(ctx, `SELECT `+userColumns+` FROM users `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		var u model.User
		var created, updated int64
		if err := rows.Scan(
			&u.ID,
			&u.ExternalID,
			&u.Name,
			&u.Username,
			&u.Image,
			&u.Bio,
			&u.Onboarded,
			&created,
			&updated,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning user row: %w", err)
		}
		u.CreatedAt = fromNanos(created)
		u.UpdatedAt = fromNanos(updated)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating user rows: %w", err)
	}
	// Close before the edge queries: the pool has a single connection.
	rows.Close()

	ids := make([]string, len(users))
	for i := range users {
		ids[i] = users[i].ID
	}
	threads, err := db.items(ctx, userThreads, ids)
	if err != nil {
		return nil, err
	}
	communities, err := db.items(ctx, userCommunities, ids)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].Threads = nonNil(threads[users[i].ID])
		users[i].Communities = nonNil(communities[users[i].ID])
	}
	return users, nil
}
