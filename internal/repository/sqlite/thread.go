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

// compile-time check that *DB implements repository.ThreadRepository
var _ repository.ThreadRepository = (*DB)(nil)

const threadColumns = `id, body, author_id, community_id, parent_id, created_at`

// CreateThread inserts a new thread, filling in ID and CreatedAt.
// The relationship arrays on other documents are the caller's job.
func (db *DB) CreateThread(ctx context.Context, thread *model.Thread) error {
	thread.ID = xid.New().String()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	thread.Children = []string{}
	thread.Likes = []string{}

	_, err := db.q(ctx).ExecContext(ctx,
		`INSERT INTO threads (`+threadColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		thread.ID,
		thread.Body,
		thread.AuthorID,
		thread.CommunityID,
		thread.ParentID,
		nanos(thread.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by ID.
// Returns apperror.ErrNotFound if no thread exists with that ID.
func (db *DB) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	threads, err := db.selectThreads(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return nil, apperror.NotFound("thread", id)
	}
	return &threads[0], nil
}

func (db *DB) GetThreads(ctx context.Context, ids []string) ([]model.Thread, error) {
	if len(ids) == 0 {
		return []model.Thread{}, nil
	}
	in, args := inClause(ids)
	return db.selectThreads(ctx, `WHERE id IN `+in, args...)
}

func (db *DB) ListTopLevel(ctx context.Context, opts repository.ListOptions) ([]model.Thread, error) {
	return db.selectThreads(ctx,
		`WHERE parent_id = '' ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset,
	)
}

func (db *DB) CountTopLevel(ctx context.Context) (int, error) {
	var n int
	err := db.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE parent_id = ''`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: counting top-level threads: %w", err)
	}
	return n, nil
}

func (db *DB) ListThreadIDsByCommunity(ctx context.Context, communityID string) ([]string, error) {
	rows, err := db.q(ctx).QueryContext(ctx,
		`SELECT id FROM threads WHERE community_id = ? ORDER BY created_at, id`, communityID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing threads of community %s: %w", communityID, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scanning thread id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating thread ids: %w", err)
	}
	return ids, nil
}

func (db *DB) ListRepliesTo(ctx context.Context, parentIDs []string, excludeAuthorID string) ([]model.Thread, error) {
	if len(parentIDs) == 0 {
		return []model.Thread{}, nil
	}
	in, args := inClause(parentIDs)
	return db.selectThreads(ctx,
		`WHERE parent_id IN `+in+` AND author_id != ? ORDER BY created_at DESC, id DESC`,
		append(args, excludeAuthorID)...,
	)
}

func (db *DB) PushChild(ctx context.Context, parentID, childID string) error {
	return db.push(ctx, threadChildren, parentID, childID)
}

func (db *DB) PullChildren(ctx context.Context, parentID string, childIDs []string) error {
	return db.pull(ctx, threadChildren, []string{parentID}, childIDs)
}

func (db *DB) AddLike(ctx context.Context, threadID, userID string) error {
	return db.push(ctx, threadLikes, threadID, userID)
}

func (db *DB) RemoveLike(ctx context.Context, threadID, userID string) error {
	return db.pull(ctx, threadLikes, []string{threadID}, []string{userID})
}

// DeleteThreads removes the threads and their own arrays, returning how many
// thread rows were deleted. References held by other documents are left to
// the caller.
func (db *DB) DeleteThreads(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	in, args := inClause(ids)

	result, err := db.q(ctx).ExecContext(ctx, `DELETE FROM threads WHERE id IN `+in, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: deleting threads: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: checking rows affected: %w", err)
	}

	if err := db.dropOwners(ctx, threadChildren, ids); err != nil {
		return 0, err
	}
	if err := db.dropOwners(ctx, threadLikes, ids); err != nil {
		return 0, err
	}
	return n, nil
}

func (db *DB) selectThreads(ctx context.Context, tail string, args ...any) ([]model.Thread, error) {
	rows, err := db.q(ctx).QueryContext(ctx, `SELECT `+threadColumns+` FROM threads `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying threads: %w", err)
	}
	defer rows.Close()

	threads := []model.Thread{}
	for rows.Next() {
		var th model.Thread
		var created int64
		if err := rows.Scan(
			&th.ID,
			&th.Body,
			&th.AuthorID,
			&th.CommunityID,
			&th.ParentID,
			&created,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning thread row: %w", err)
		}
		th.CreatedAt = fromNanos(created)
		threads = append(threads, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating thread rows: %w", err)
	}
	rows.Close()

	ids := make([]string, len(threads))
	for i := range threads {
		ids[i] = threads[i].ID
	}
	children, err := db.items(ctx, threadChildren, ids)
	if err != nil {
		return nil, err
	}
	likes, err := db.items(ctx, threadLikes, ids)
	if err != nil {
		return nil, err
	}
	for i := range threads {
		threads[i].Children = nonNil(children[threads[i].ID])
		threads[i].Likes = nonNil(likes[threads[i].ID])
	}
	return threads, nil
}
