// Package sqlite implements the repository interfaces on an embedded SQLite
// database. It is the default entity store and the one tests run against
// (":memory:").
//
// Each document collection is a table. Each array field of a document
// (User.Threads, Thread.Children, Thread.Likes, Community.Members, ...) is an
// edge table of (owner_id, item_id) pairs with a UNIQUE constraint, which
// gives the array set semantics, and rowid order, which gives it insertion
// order. Pushing is INSERT OR IGNORE and pulling is DELETE, so each array
// edit stays a single statement the way $addToSet / $pull are in MongoDB.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Registers the pure-Go "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"

	"github.com/sakif/threadline/internal/repository"
)

var _ repository.Store = (*DB)(nil)

// DB wraps a sql.DB connection pool and implements every repository.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/threadline.db" → file-based database
//   - ":memory:"           → in-memory database, one per DB value
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// SQLite allows one writer at a time, and every connection to ":memory:"
	// would be a separate database. A single connection serves both cases;
	// transactions hold it for their whole duration.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// querier is the subset of *sql.DB and *sql.Tx the repositories use.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// q returns the transaction carried by ctx, or the pool.
func (db *DB) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db.conn
}

// WithTx runs fn inside a transaction. A nested call joins the outer
// transaction.
//
// Because the pool holds one connection, fn must only touch the database
// through the context it is given.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing transaction: %w", err)
	}
	return nil
}

// migrate creates the collections and their array tables.
// CREATE ... IF NOT EXISTS keeps it safe to run on every start.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id          TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			name        TEXT NOT NULL,
			username    TEXT NOT NULL UNIQUE COLLATE NOCASE,
			image       TEXT NOT NULL DEFAULT '',
			bio         TEXT NOT NULL DEFAULT '',
			onboarded   INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	// Timestamps are unix nanoseconds so ORDER BY created_at is exact.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id           TEXT PRIMARY KEY,
			body         TEXT NOT NULL,
			author_id    TEXT NOT NULL,
			community_id TEXT NOT NULL DEFAULT '',
			parent_id    TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_threads_parent_created ON threads(parent_id, created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_threads_community ON threads(community_id);
	`)
	if err != nil {
		return fmt.Errorf("creating threads table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS communities (
			id          TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			username    TEXT NOT NULL UNIQUE COLLATE NOCASE,
			name        TEXT NOT NULL,
			image       TEXT NOT NULL DEFAULT '',
			bio         TEXT NOT NULL DEFAULT '',
			created_by  TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating communities table: %w", err)
	}

	for _, e := range allEdges {
		_, err := db.conn.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				owner_id TEXT NOT NULL,
				item_id  TEXT NOT NULL,
				UNIQUE (owner_id, item_id)
			);
			CREATE INDEX IF NOT EXISTS idx_%[1]s_item ON %[1]s(item_id);
		`, e.table))
		if err != nil {
			return fmt.Errorf("creating %s table: %w", e.table, err)
		}
	}

	return nil
}

// edge is one array field of one collection.
type edge struct {
	table string
}

var (
	userThreads      = edge{"user_threads"}
	userCommunities  = edge{"user_communities"}
	threadChildren   = edge{"thread_children"}
	threadLikes      = edge{"thread_likes"}
	communityMembers = edge{"community_members"}
	communityReqs    = edge{"community_requests"}
	communityThreads = edge{"community_threads"}

	allEdges = []edge{
		userThreads, userCommunities,
		threadChildren, threadLikes,
		communityMembers, communityReqs, communityThreads,
	}
)

// push appends item to owner's array unless it is already there.
func (db *DB) push(ctx context.Context, e edge, owner, item string) error {
	_, err := db.q(ctx).ExecContext(ctx,
		`INSERT OR IGNORE INTO `+e.table+` (owner_id, item_id) VALUES (?, ?)`,
		owner, item,
	)
	if err != nil {
		return fmt.Errorf("sqlite: pushing to %s: %w", e.table, err)
	}
	return nil
}

// pull removes every item in items from the arrays of every owner in owners.
func (db *DB) pull(ctx context.Context, e edge, owners, items []string) error {
	if len(owners) == 0 || len(items) == 0 {
		return nil
	}
	ownerIn, ownerArgs := inClause(owners)
	itemIn, itemArgs := inClause(items)

	_, err := db.q(ctx).ExecContext(ctx,
		`DELETE FROM `+e.table+` WHERE owner_id IN `+ownerIn+` AND item_id IN `+itemIn,
		append(ownerArgs, itemArgs...)...,
	)
	if err != nil {
		return fmt.Errorf("sqlite: pulling from %s: %w", e.table, err)
	}
	return nil
}

// pullEverywhere removes item from every owner's array.
func (db *DB) pullEverywhere(ctx context.Context, e edge, item string) error {
	_, err := db.q(ctx).ExecContext(ctx, `DELETE FROM `+e.table+` WHERE item_id = ?`, item)
	if err != nil {
		return fmt.Errorf("sqlite: pulling %s from %s: %w", item, e.table, err)
	}
	return nil
}

// dropOwners deletes the arrays belonging to deleted documents.
func (db *DB) dropOwners(ctx context.Context, e edge, owners []string) error {
	if len(owners) == 0 {
		return nil
	}
	in, args := inClause(owners)
	_, err := db.q(ctx).ExecContext(ctx, `DELETE FROM `+e.table+` WHERE owner_id IN `+in, args...)
	if err != nil {
		return fmt.Errorf("sqlite: dropping rows of %s: %w", e.table, err)
	}
	return nil
}

// items loads the arrays of every owner in owners, each in insertion order.
// Owners with an empty array are absent from the map.
func (db *DB) items(ctx context.Context, e edge, owners []string) (map[string][]string, error) {
	out := make(map[string][]string, len(owners))
	if len(owners) == 0 {
		return out, nil
	}
	in, args := inClause(owners)

	rows, err := db.q(ctx).QueryContext(ctx,
		`SELECT owner_id, item_id FROM `+e.table+` WHERE owner_id IN `+in+` ORDER BY rowid`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading %s: %w", e.table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var owner, item string
		if err := rows.Scan(&owner, &item); err != nil {
			return nil, fmt.Errorf("sqlite: scanning %s row: %w", e.table, err)
		}
		out[owner] = append(out[owner], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating %s: %w", e.table, err)
	}
	return out, nil
}

// inClause renders "(?, ?, ?)" and its arguments for an IN predicate.
func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + ")", args
}

// likePattern turns a search string into a LIKE pattern matching it as a
// substring. SQLite's LIKE is case-insensitive for ASCII.
func likePattern(query string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(query) + "%"
}

const uniqueFailed = "UNIQUE constraint failed: "

func isUniqueViolation(err error) bool {
	return uniqueColumn(err) != ""
}

// uniqueColumn returns the table.column named by a UNIQUE violation, such as
// "users.username", or "" when err is not one.
func uniqueColumn(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	i := strings.Index(msg, uniqueFailed)
	if i < 0 {
		return ""
	}
	col := msg[i+len(uniqueFailed):]
	if j := strings.IndexAny(col, " ,("); j >= 0 {
		col = col[:j]
	}
	return col
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// nonNil keeps empty arrays encoding as [] rather than null.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
