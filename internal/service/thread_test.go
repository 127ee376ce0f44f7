package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/model"
)

// =========================================================================
// CREATE
// =========================================================================

func TestCreate_TopLevel(t *testing.T) {
	f := newFixture(t)
	a := f.user(t, "alice")

	th, err := f.threads.Create(context.Background(), CreateThreadInput{
		AuthorID: a.ID,
		Body:     "  hello  ",
		Path:     "/",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if th.ID == "" {
		t.Error("Create() did not set ID")
	}
	if th.Body != "hello" {
		t.Errorf("Body = %q, want trimmed %q", th.Body, "hello")
	}
	if th.IsReply() {
		t.Error("top-level thread reports IsReply()")
	}
	if !slices.Contains(f.reload(t, a).Threads, th.ID) {
		t.Error("author.Threads does not contain the new thread")
	}
	if calls := f.notifier.calls(); len(calls) != 1 || calls[0] != "/" {
		t.Errorf("revalidate calls = %v, want [/]", calls)
	}
}

func TestCreate_InCommunity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "alice")
	c, err := f.communities.Create(ctx, a.ID, CommunityInput{Username: "gophers", Name: "Gophers"})
	if err != nil {
		t.Fatalf("Create community: %v", err)
	}

	th, err := f.threads.Create(ctx, CreateThreadInput{AuthorID: a.ID, Body: "in a group", CommunityID: c.ID})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, _ := f.store.GetCommunityByID(ctx, c.ID)
	if !slices.Contains(got.Threads, th.ID) {
		t.Errorf("community.Threads = %v, want it to contain %s", got.Threads, th.ID)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	a := f.user(t, "alice")

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"too short", "hi"},
		{"too long", strings.Repeat("x", MaxBodyLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.threads.Create(context.Background(), CreateThreadInput{AuthorID: a.ID, Body: tt.body})
			assertKind(t, err, apperror.ErrValidation)
		})
	}
}

func TestCreate_NotFoundWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "alice")

	tests := []struct {
		name string
		in   CreateThreadInput
	}{
		{"unknown author", CreateThreadInput{AuthorID: "ghost", Body: "hello"}},
		{"unknown parent", CreateThreadInput{AuthorID: a.ID, Body: "hello", ParentID: "ghost"}},
		{"unknown community", CreateThreadInput{AuthorID: a.ID, Body: "hello", CommunityID: "ghost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.threads.Create(ctx, tt.in)
			assertKind(t, err, apperror.ErrNotFound)
		})
	}

	n, _ := f.store.CountTopLevel(ctx)
	if n != 0 {
		t.Errorf("CountTopLevel() = %d after failed creates, want 0", n)
	}
	if got := f.reload(t, a); len(got.Threads) != 0 {
		t.Errorf("author.Threads = %v after failed creates, want []", got.Threads)
	}
}

// =========================================================================
// REPLY
// =========================================================================

func TestReply_LinksBothWays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "alice")
	b := f.user(t, "bobby")
	root := f.post(t, a, "hello")

	r := f.reply(t, root, b, "hi there")

	if r.ParentID != root.ID {
		t.Errorf("reply.ParentID = %q, want %q", r.ParentID, root.ID)
	}
	if r.CommunityID != "" {
		t.Errorf("reply.CommunityID = %q, want empty", r.CommunityID)
	}
	parent, _ := f.store.GetThread(ctx, root.ID)
	if !slices.Contains(parent.Children, r.ID) {
		t.Errorf("parent.Children = %v, want it to contain %s", parent.Children, r.ID)
	}
	if !slices.Contains(f.reload(t, b).Threads, r.ID) {
		t.Error("reply author's Threads does not contain the reply")
	}
}

func TestReply_UnknownParent(t *testing.T) {
	f := newFixture(t)
	b := f.user(t, "bobby")

	_, err := f.threads.Reply(context.Background(), "ghost", "hi there", b.ID, "")
	assertKind(t, err, apperror.ErrNotFound)
}

// TestForestInvariant builds a small tree and checks that every reply is in
// its parent's Children and that walking up from any node terminates at a
// root without revisiting itself.
func TestForestInvariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "alice")
	b := f.user(t, "bobby")

	root := f.post(t, a, "root")
	r1 := f.reply(t, root, b, "reply one")
	r2 := f.reply(t, r1, a, "reply two")
	f.reply(t, root, a, "reply three")
	f.reply(t, r2, b, "reply four")

	all := []string{root.ID}
	all = append(all, f.reload(t, a).Threads...)
	all = append(all, f.reload(t, b).Threads...)
	threads, err := f.store.GetThreads(ctx, unique(all))
	if err != nil {
		t.Fatalf("GetThreads() error = %v", err)
	}
	byID := map[string]model.Thread{}
	for _, th := range threads {
		byID[th.ID] = th
	}

	for _, th := range threads {
		if !th.IsReply() {
			continue
		}
		parent, ok := byID[th.ParentID]
		if !ok {
			t.Fatalf("thread %s has missing parent %s", th.ID, th.ParentID)
		}
		if !slices.Contains(parent.Children, th.ID) {
			t.Errorf("thread %s not in parent %s Children", th.ID, parent.ID)
		}

		seen := map[string]bool{th.ID: true}
		for cur := parent; ; cur = byID[cur.ParentID] {
			if seen[cur.ID] {
				t.Fatalf("cycle through %s", cur.ID)
			}
			seen[cur.ID] = true
			if !cur.IsReply() {
				break
			}
		}
	}
}

// =========================================================================
// DELETE
// =========================================================================

func TestDelete_CascadesAndCleansReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "alice")
	b := f.user(t, "bobby")
	c, _ := f.communities.Create(ctx, a.ID, CommunityInput{Username: "gophers", Name: "Gophers"})

	root, err := f.threads.Create(ctx, CreateThreadInput{AuthorID: a.ID, Body: "root", CommunityID: c.ID})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	r1 := f.reply(t, root, b, "reply one")
	r2 := f.reply(t, r1, b, "reply two")
	keep := f.post(t, a, "unrelated")

	if err := f.threads.Delete(ctx, root.ID, "/"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	gone := []string{root.ID, r1.ID, r2.ID}
	left, _ := f.store.GetThreads(ctx, gone)
	if len(left) != 0 {
		t.Errorf("%d threads survived the cascade", len(left))
	}
	for _, u := range []*model.User{f.reload(t, a), f.reload(t, b)} {
		for _, id := range gone {
			if slices.Contains(u.Threads, id) {
				t.Errorf("user %s still references deleted %s", u.Username, id)
			}
		}
	}
	if !slices.Contains(f.reload(t, a).Threads, keep.ID) {
		t.Error("unrelated thread was pulled from its author")
	}
	community, _ := f.store.GetCommunityByID(ctx, c.ID)
	if len(community.Threads) != 0 {
		t.Errorf("community.Threads = %v, want []", community.Threads)
	}
}

func TestDelete_ReplyPullsFromSurvivingParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "alice")
	root := f.post(t, a, "root")
	r1 := f.reply(t, root, a, "reply one")

	if err := f.threads.Delete(ctx, r1.ID, ""); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	parent, err := f.store.GetThread(ctx, root.ID)
	if err != nil {
		t.Fatalf("parent should survive: %v", err)
	}
	if len(parent.Children) != 0 {
		t.Errorf("parent.Children = %v, want []", parent.Children)
	}
}

func TestDelete_LeafTouchesOnlyItself(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "alice")
	leaf := f.post(t, a, "leaf")
	other := f.post(t, a, "other")

	if err := f.threads.Delete(ctx, leaf.ID, ""); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got := f.reload(t, a)
	if len(got.Threads) != 1 || got.Threads[0] != other.ID {
		t.Errorf("author.Threads = %v, want [%s]", got.Threads, other.ID)
	}
}

func TestDelete_NotFound(t *testing.T) {
	f := newFixture(t)
	before := len(f.notifier.calls())

	err := f.threads.Delete(context.Background(), "ghost", "/")
	assertKind(t, err, apperror.ErrNotFound)

	if len(f.notifier.calls()) != before {
		t.Error("failed delete sent a revalidate signal")
	}
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "alice")
	b := f.user(t, "bobby")
	th := f.post(t, a, "mine")

	if err := f.threads.Authorize(ctx, th.ID, a.ID); err != nil {
		t.Errorf("Authorize(author) error = %v", err)
	}
	assertKind(t, f.threads.Authorize(ctx, th.ID, b.ID), apperror.ErrForbidden)
	assertKind(t, f.threads.Authorize(ctx, "ghost", a.ID), apperror.ErrNotFound)
}

// =========================================================================
// LIKES
// =========================================================================

func TestToggleLike_Involution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "alice")
	b := f.user(t, "bobby")
	th := f.post(t, a, "like me")

	likes, err := f.threads.ToggleLike(ctx, th.ID, b.ID, "/")
	if err != nil {
		t.Fatalf("ToggleLike() error = %v", err)
	}
	if len(likes) != 1 || likes[0] != b.ID {
		t.Errorf("likes after first toggle = %v, want [%s]", likes, b.ID)
	}

	likes, err = f.threads.ToggleLike(ctx, th.ID, b.ID, "/")
	if err != nil {
		t.Fatalf("ToggleLike() error = %v", err)
	}
	if len(likes) != 0 {
		t.Errorf("likes after second toggle = %v, want []", likes)
	}
}

func TestToggleLike_SetUniqueness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "alice")
	b := f.user(t, "bobby")
	c := f.user(t, "carol")
	th := f.post(t, a, "like me")

	sequence := []*model.User{b, c, b, b, c, a, b}
	for _, u := range sequence {
		if _, err := f.threads.ToggleLike(ctx, th.ID, u.ID, ""); err != nil {
			t.Fatalf("ToggleLike() error = %v", err)
		}
	}

	got, _ := f.store.GetThread(ctx, th.ID)
	seen := map[string]int{}
	for _, id := range got.Likes {
		seen[id]++
		if seen[id] > 1 {
			t.Errorf("user %s appears %d times in likes", id, seen[id])
		}
	}
	// b toggled 4 times (off), c twice (off), a once (on).
	if len(got.Likes) != 1 || got.Likes[0] != a.ID {
		t.Errorf("likes = %v, want [%s]", got.Likes, a.ID)
	}
}

// Concurrent toggles by different users must all land: each write adds one
// element rather than rewriting the likes array. Two concurrent toggles by
// the SAME user can still both read "not liked" and both add, leaving the
// like on where the caller expected it off; the set stays duplicate-free.
func TestToggleLike_ConcurrentUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "alice")
	th := f.post(t, a, "like me")

	const n = 20
	users := make([]*model.User, n)
	for i := range users {
		users[i] = f.user(t, fmt.Sprintf("liker%02d", i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			if _, err := f.threads.ToggleLike(ctx, th.ID, userID, ""); err != nil {
				errs <- err
			}
		}(u.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ToggleLike() error = %v", err)
	}

	got, err := f.store.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	seen := map[string]int{}
	for _, id := range got.Likes {
		seen[id]++
	}
	if len(got.Likes) != n {
		t.Errorf("len(likes) = %d, want %d", len(got.Likes), n)
	}
	for _, u := range users {
		if seen[u.ID] != 1 {
			t.Errorf("user %s appears %d times in likes, want 1", u.Username, seen[u.ID])
		}
	}
}

func TestToggleLike_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "alice")
	th := f.post(t, a, "like me")

	_, err := f.threads.ToggleLike(ctx, "ghost", a.ID, "")
	assertKind(t, err, apperror.ErrNotFound)

	_, err = f.threads.ToggleLike(ctx, th.ID, "ghost", "")
	assertKind(t, err, apperror.ErrNotFound)

	got, _ := f.store.GetThread(ctx, th.ID)
	if len(got.Likes) != 0 {
		t.Errorf("likes = %v after failed toggles, want []", got.Likes)
	}
}
