package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/model"
	"github.com/sakif/threadline/internal/repository"
)

// createTestUser upserts an onboarded user and fails the test on error.
func createTestUser(t *testing.T, db *DB, externalID, username string) *model.User {
	t.Helper()
	user := &model.User{
		ExternalID: externalID,
		Name:       "Name " + username,
		Username:   username,
		Image:      "https://example.com/" + username + ".png",
		Onboarded:  true,
	}
	if err := db.UpsertByExternalID(context.Background(), user); err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}

func TestUserUpsert_NewUser(t *testing.T) {
	db := newTestDB(t)

	user := createTestUser(t, db, "github:1", "alice")

	if user.ID == "" {
		t.Error("UpsertByExternalID() did not set user.ID")
	}
	if user.CreatedAt.IsZero() {
		t.Error("UpsertByExternalID() did not set user.CreatedAt")
	}
	if user.Threads == nil || user.Communities == nil {
		t.Error("UpsertByExternalID() left arrays nil, want empty")
	}
}

func TestUserUpsert_ExistingUser_KeepsIDAndArrays(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := createTestUser(t, db, "github:2", "original")
	if err := db.PushUserThread(ctx, first.ID, "t1"); err != nil {
		t.Fatalf("PushUserThread() error = %v", err)
	}

	second := &model.User{ExternalID: "github:2", Name: "New", Username: "renamed", Onboarded: true}
	if err := db.UpsertByExternalID(ctx, second); err != nil {
		t.Fatalf("UpsertByExternalID() second save: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("UpsertByExternalID() changed user ID: got %q, want %q", second.ID, first.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("UpsertByExternalID() changed CreatedAt: got %v, want %v", second.CreatedAt, first.CreatedAt)
	}
	if second.Username != "renamed" {
		t.Errorf("Username = %q, want %q", second.Username, "renamed")
	}
	if len(second.Threads) != 1 || second.Threads[0] != "t1" {
		t.Errorf("Threads = %v, want [t1]", second.Threads)
	}
}

func TestUserUpsert_DuplicateUsername(t *testing.T) {
	db := newTestDB(t)
	createTestUser(t, db, "github:1", "taken")

	dup := &model.User{ExternalID: "github:2", Name: "Other", Username: "TAKEN"}
	err := db.UpsertByExternalID(context.Background(), dup)
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("UpsertByExternalID() error = %v, want ErrConflict", err)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || appErr.Field != "username" {
		t.Errorf("UpsertByExternalID() error = %#v, want a username conflict", err)
	}

	if _, err := db.GetUserByExternalID(context.Background(), "github:2"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetUserByExternalID() error = %v, want ErrNotFound after a rejected upsert", err)
	}
}

func TestUserUpsert_JoinsCallerTransaction(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	rollback := errors.New("rollback")

	err := db.WithTx(ctx, func(ctx context.Context) error {
		user := &model.User{ExternalID: "github:1", Name: "Alice", Username: "alice"}
		if err := db.UpsertByExternalID(ctx, user); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("WithTx() error = %v, want rollback", err)
	}

	if _, err := db.GetUserByExternalID(ctx, "github:1"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetUserByExternalID() error = %v, want ErrNotFound after rollback", err)
	}
}

func TestUserConflict(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantField string
		wantNil   bool
	}{
		{"username", errors.New("constraint failed: UNIQUE constraint failed: users.username (2067)"), "username", false},
		{"external id", errors.New("constraint failed: UNIQUE constraint failed: users.external_id (2067)"), "", false},
		{"not a constraint", errors.New("disk I/O error"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := userConflict(tt.err, "github:1")
			if tt.wantNil {
				if err != nil {
					t.Errorf("userConflict() = %v, want nil", err)
				}
				return
			}
			var appErr *apperror.AppError
			if !errors.As(err, &appErr) || !errors.Is(err, apperror.ErrConflict) {
				t.Fatalf("userConflict() = %v, want a conflict", err)
			}
			if appErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.wantField)
			}
		})
	}
}

func TestUserGetByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetUserByID(context.Background(), "nonexistent-id")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetUserByID() error = %v, want ErrNotFound", err)
	}
}

func TestUserGetByExternalID(t *testing.T) {
	db := newTestDB(t)
	created := createTestUser(t, db, "github:778899", "lookup")

	found, err := db.GetUserByExternalID(context.Background(), "github:778899")
	if err != nil {
		t.Fatalf("GetUserByExternalID() error = %v", err)
	}
	if found.ID != created.ID {
		t.Errorf("ID = %q, want %q", found.ID, created.ID)
	}

	_, err = db.GetUserByExternalID(context.Background(), "github:0")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetUserByExternalID() error = %v, want ErrNotFound", err)
	}
}

func TestGetUsers_SkipsMissing(t *testing.T) {
	db := newTestDB(t)
	a := createTestUser(t, db, "github:1", "aaa")
	b := createTestUser(t, db, "github:2", "bbb")

	users, err := db.GetUsers(context.Background(), []string{a.ID, "missing", b.ID})
	if err != nil {
		t.Fatalf("GetUsers() error = %v", err)
	}
	if len(users) != 2 {
		t.Errorf("GetUsers() returned %d users, want 2", len(users))
	}
}

func TestUserThreads_PushIsSetAndPullIsBulk(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := createTestUser(t, db, "github:1", "aaa")
	b := createTestUser(t, db, "github:2", "bbb")

	for _, id := range []string{"t1", "t2", "t1"} {
		if err := db.PushUserThread(ctx, a.ID, id); err != nil {
			t.Fatalf("PushUserThread() error = %v", err)
		}
	}
	if err := db.PushUserThread(ctx, b.ID, "t3"); err != nil {
		t.Fatalf("PushUserThread() error = %v", err)
	}

	got, _ := db.GetUserByID(ctx, a.ID)
	if len(got.Threads) != 2 || got.Threads[0] != "t1" || got.Threads[1] != "t2" {
		t.Errorf("Threads = %v, want [t1 t2]", got.Threads)
	}

	if err := db.PullUserThreads(ctx, []string{a.ID, b.ID}, []string{"t1", "t3"}); err != nil {
		t.Fatalf("PullUserThreads() error = %v", err)
	}
	got, _ = db.GetUserByID(ctx, a.ID)
	if len(got.Threads) != 1 || got.Threads[0] != "t2" {
		t.Errorf("Threads after pull = %v, want [t2]", got.Threads)
	}
	got, _ = db.GetUserByID(ctx, b.ID)
	if len(got.Threads) != 0 {
		t.Errorf("Threads after pull = %v, want []", got.Threads)
	}
}

func TestPullCommunityFromUsers(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	a := createTestUser(t, db, "github:1", "aaa")
	b := createTestUser(t, db, "github:2", "bbb")

	db.AddUserCommunity(ctx, a.ID, "c1")
	db.AddUserCommunity(ctx, a.ID, "c2")
	db.AddUserCommunity(ctx, b.ID, "c1")

	if err := db.PullCommunityFromUsers(ctx, "c1"); err != nil {
		t.Fatalf("PullCommunityFromUsers() error = %v", err)
	}

	users, _ := db.GetUsers(ctx, []string{a.ID, b.ID})
	for _, u := range users {
		if u.ID == a.ID && (len(u.Communities) != 1 || u.Communities[0] != "c2") {
			t.Errorf("user a Communities = %v, want [c2]", u.Communities)
		}
		if u.ID == b.ID && len(u.Communities) != 0 {
			t.Errorf("user b Communities = %v, want []", u.Communities)
		}
	}
}

func TestSearchUsers(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	me := createTestUser(t, db, "github:1", "alice")
	createTestUser(t, db, "github:2", "alicia")
	createTestUser(t, db, "github:3", "bob")

	users, total, err := db.SearchUsers(ctx, repository.SearchOptions{
		Query:       "ALI",
		ExcludeID:   me.ID,
		ListOptions: repository.ListOptions{Limit: 10},
	})
	if err != nil {
		t.Fatalf("SearchUsers() error = %v", err)
	}
	if total != 1 || len(users) != 1 || users[0].Username != "alicia" {
		t.Errorf("SearchUsers() = %v (total %d), want only alicia", users, total)
	}

	_, total, _ = db.SearchUsers(ctx, repository.SearchOptions{ListOptions: repository.ListOptions{Limit: 1}})
	if total != 3 {
		t.Errorf("SearchUsers() empty query total = %d, want 3", total)
	}
}
