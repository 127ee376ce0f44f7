// Package mongodb implements the repository interfaces on MongoDB, storing
// users, threads and communities as documents with their relationship arrays
// embedded. Array edits use $addToSet and $pull so each is a single atomic
// update.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/repository"
)

var _ repository.Store = (*Store)(nil)

// Options configures Connect.
type Options struct {
	URI      string
	Database string
	// Transactions makes WithTx use a session transaction. It needs a
	// replica set or sharded cluster; on a standalone server leave it off and
	// writes run sequentially.
	Transactions bool
}

// Store holds the client and the three collections.
type Store struct {
	client       *mongo.Client
	users        *mongo.Collection
	threads      *mongo.Collection
	communities  *mongo.Collection
	transactions bool
}

// Connect dials the server, pings it and makes sure the indexes exist.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo: connecting: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: pinging: %w", err)
	}

	db := client.Database(opts.Database)
	s := &Store{
		client:       client,
		users:        db.Collection("users"),
		threads:      db.Collection("threads"),
		communities:  db.Collection("communities"),
		transactions: opts.Transactions,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	slog.Info("mongo store ready",
		slog.String("database", opts.Database),
		slog.Bool("transactions", opts.Transactions),
	)
	return s, nil
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// WithTx runs fn in a session transaction when transactions are enabled.
// The mongo.SessionContext handed to fn carries the session, so every
// collection call made with it joins the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.transactions {
		return fn(ctx)
	}
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("mongo: starting session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := func(field string) mongo.IndexModel {
		return mongo.IndexModel{
			Keys:    bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetUnique(true),
		}
	}

	if _, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		unique("external_id"),
		unique("username"),
		{Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("mongo: creating user indexes: %w", err)
	}

	if _, err := s.threads.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "parent", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "community", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("mongo: creating thread indexes: %w", err)
	}

	if _, err := s.communities.Indexes().CreateMany(ctx, []mongo.IndexModel{
		unique("external_id"),
		unique("username"),
	}); err != nil {
		return fmt.Errorf("mongo: creating community indexes: %w", err)
	}
	return nil
}

// newestFirst is the feed order.
var newestFirst = bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}

func byID(id string) bson.M {
	return bson.M{"_id": id}
}

func byIDs(ids []string) bson.M {
	return bson.M{"_id": bson.M{"$in": ids}}
}

// searchFilter matches query as a case-insensitive substring of username or
// name.
func searchFilter(query string) bson.M {
	re := primitive.Regex{Pattern: regexp.QuoteMeta(query), Options: "i"}
	return bson.M{"$or": bson.A{
		bson.M{"username": re},
		bson.M{"name": re},
	}}
}

// addToSet adds item to field on one document.
func addToSet(ctx context.Context, coll *mongo.Collection, id, field, item string) error {
	_, err := coll.UpdateOne(ctx, byID(id), bson.M{"$addToSet": bson.M{field: item}})
	if err != nil {
		return fmt.Errorf("mongo: adding to %s.%s: %w", coll.Name(), field, err)
	}
	return nil
}

// pullMany removes items from field on every document in ids.
func pullMany(ctx context.Context, coll *mongo.Collection, ids []string, field string, items []string) error {
	if len(ids) == 0 || len(items) == 0 {
		return nil
	}
	_, err := coll.UpdateMany(ctx, byIDs(ids), bson.M{"$pull": bson.M{field: bson.M{"$in": items}}})
	if err != nil {
		return fmt.Errorf("mongo: pulling from %s.%s: %w", coll.Name(), field, err)
	}
	return nil
}

// findOne decodes one document into out, mapping a miss to NotFound.
func findOne(ctx context.Context, coll *mongo.Collection, filter bson.M, resource, key string, out any) error {
	err := coll.FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperror.NotFound(resource, key)
	}
	if err != nil {
		return fmt.Errorf("mongo: finding %s %s: %w", resource, key, err)
	}
	return nil
}

// findAll decodes every document matching filter into out.
func findAll(ctx context.Context, coll *mongo.Collection, filter bson.M, out any, opts ...*options.FindOptions) error {
	cursor, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return fmt.Errorf("mongo: querying %s: %w", coll.Name(), err)
	}
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("mongo: decoding %s: %w", coll.Name(), err)
	}
	return nil
}

// page returns find options for one page of a newest-first listing.
func page(opts repository.ListOptions) *options.FindOptions {
	return options.Find().
		SetSort(newestFirst).
		SetSkip(int64(opts.Offset)).
		SetLimit(int64(opts.Limit))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// duplicateIndex returns the name of the unique index a write collided with,
// such as "username_1", or "" when err is not a duplicate key error.
func duplicateIndex(err error) string {
	if !mongo.IsDuplicateKeyError(err) {
		return ""
	}
	msg := err.Error()
	i := strings.Index(msg, "index: ")
	if i < 0 {
		return "unknown"
	}
	name := msg[i+len("index: "):]
	if j := strings.IndexByte(name, ' '); j >= 0 {
		name = name[:j]
	}
	return name
}
