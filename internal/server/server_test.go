package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/threadline/internal/auth"
	"github.com/sakif/threadline/internal/config"
	"github.com/sakif/threadline/internal/handler"
	"github.com/sakif/threadline/internal/model"
	sqliteRepo "github.com/sakif/threadline/internal/repository/sqlite"
	"github.com/sakif/threadline/internal/revalidate"
)

const testSecret = "test-secret-at-least-16-chars!!"

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) Revalidate(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return nil
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.paths) == 0 {
		return ""
	}
	return r.paths[len(r.paths)-1]
}

type testServer struct {
	handler  http.Handler
	notifier *recorder
	tokens   *auth.TokenService
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	return newTestServerWith(t, secret, nil)
}

// newTestServerWith also fans revalidation signals out to extra.
func newTestServerWith(t *testing.T, secret string, extra revalidate.Notifier) *testServer {
	t.Helper()
	db, err := sqliteRepo.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Auth.JWTSecret = secret
	cfg.RateLimit.RPS = 1000
	cfg.RateLimit.Burst = 1000

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	n := &recorder{}
	var notifier revalidate.Notifier = n
	if extra != nil {
		notifier = revalidate.Multi{n, extra}
	}
	srv, err := NewWithStore(cfg, db, notifier, prometheus.NewRegistry(), logger)
	require.NoError(t, err)

	ts := &testServer{handler: srv.Handler(), notifier: n}
	if secret != "" {
		ts.tokens, err = auth.NewTokenService(secret)
		require.NoError(t, err)
	}
	return ts
}

// token mints an identity cookie value for a GitHub id.
func (s *testServer) token(t *testing.T, githubID string) string {
	t.Helper()
	tok, err := s.tokens.Generate(auth.Identity{
		ExternalID: "github:" + githubID,
		Name:       "User " + githubID,
		AvatarURL:  "https://avatars.example.com/" + githubID,
	})
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

// onboard saves a profile for the identity and returns the user.
func (s *testServer) onboard(t *testing.T, token, username string) model.ProfileView {
	t.Helper()
	rec := s.do(t, http.MethodPut, "/api/me/profile", token, map[string]string{
		"name":     "Name " + username,
		"username": username,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var u model.ProfileView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&u))
	return u
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

// =========================================================================
// AMBIENT ROUTES
// =========================================================================

func TestHealthz(t *testing.T) {
	s := newTestServer(t, testSecret)

	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRevalidateRoutes_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rn, err := revalidate.NewRedis("redis://"+mr.Addr(), "revalidate")
	require.NoError(t, err)
	t.Cleanup(func() { rn.Close() })

	s := newTestServerWith(t, testSecret, rn)
	alice := s.token(t, "1")
	s.onboard(t, alice, "alice")

	status := decode[handler.RevalidationStatus](t, s.do(t, http.MethodGet, "/api/revalidate?path=/", "", nil))
	assert.Nil(t, status.At, "nothing signalled yet")

	rec := s.do(t, http.MethodPost, "/api/threads", alice, map[string]string{"body": "hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	status = decode[handler.RevalidationStatus](t, s.do(t, http.MethodGet, "/api/revalidate?path=/", "", nil))
	assert.Equal(t, "/", status.Path)
	require.NotNil(t, status.At)

	rec = s.do(t, http.MethodGet, "/api/revalidate", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.Close()
	rec = s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRevalidateRoutes_AbsentWithoutRedis(t *testing.T) {
	s := newTestServer(t, testSecret)

	rec := s.do(t, http.MethodGet, "/api/revalidate?path=/", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, testSecret)
	s.do(t, http.MethodGet, "/api/threads", "", nil)

	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `threadline_http_requests_total{method="GET",route="/api/threads`)
}

// =========================================================================
// IDENTITY AND ONBOARDING
// =========================================================================

func TestWrites_RequireIdentityAndProfile(t *testing.T) {
	s := newTestServer(t, testSecret)

	rec := s.do(t, http.MethodPost, "/api/threads", "", map[string]string{"body": "hello"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok := s.token(t, "1")
	rec = s.do(t, http.MethodPost, "/api/threads", tok, map[string]string{"body": "hello"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "onboarding_required", decode[map[string]string](t, rec)["error"])
}

func TestMe_BeforeAndAfterOnboarding(t *testing.T) {
	s := newTestServer(t, testSecret)
	tok := s.token(t, "1")

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/me", "", nil).Code)

	me := decode[map[string]any](t, s.do(t, http.MethodGet, "/api/me", tok, nil))
	assert.Equal(t, false, me["onboarded"])
	assert.Nil(t, me["user"])

	u := s.onboard(t, tok, "Alice")
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "https://avatars.example.com/1", u.Image, "image falls back to the provider avatar")
	assert.Equal(t, "/profile", s.notifier.last())

	me = decode[map[string]any](t, s.do(t, http.MethodGet, "/api/me", tok, nil))
	assert.Equal(t, true, me["onboarded"])
}

func TestSaveProfile_Errors(t *testing.T) {
	s := newTestServer(t, testSecret)
	s.onboard(t, s.token(t, "1"), "alice")

	rec := s.do(t, http.MethodPut, "/api/me/profile", s.token(t, "2"), map[string]string{
		"name": "Imposter", "username": "ALICE",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/me/profile", s.token(t, "3"), map[string]string{
		"name": "x", "username": "someone",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "validation_error", body["error"])
	assert.Equal(t, "name", body["field"])

	rec = s.do(t, http.MethodPut, "/api/me/profile", s.token(t, "3"), map[string]string{"nickname": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestAuthDisabled(t *testing.T) {
	s := newTestServer(t, "")

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/threads", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/threads", "", map[string]string{"body": "x"}).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/me/activity", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/auth/github/login", "", nil).Code)
}

func TestGitHubLogin_SetsStateAndRedirects(t *testing.T) {
	s := newTestServer(t, testSecret)

	rec := s.do(t, http.MethodGet, "/auth/github/login", "", nil)
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "https://github.com/login/oauth/authorize"))
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "oauth_state=")

	rec = s.do(t, http.MethodGet, "/auth/github/callback?state=forged&code=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =========================================================================
// THREADS
// =========================================================================

func TestThreadLifecycle(t *testing.T) {
	s := newTestServer(t, testSecret)
	alice := s.token(t, "1")
	bob := s.token(t, "2")
	a := s.onboard(t, alice, "alice")
	b := s.onboard(t, bob, "bobby")

	rec := s.do(t, http.MethodPost, "/api/threads", alice, map[string]string{"body": "hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	root := decode[model.ThreadView](t, rec)
	assert.Equal(t, a.ID, root.Author.ID)
	assert.Equal(t, "alice", root.Author.Username)
	assert.Equal(t, "/", s.notifier.last())

	rec = s.do(t, http.MethodPost, "/api/threads/"+root.ID+"/replies", bob, map[string]string{"body": "hi!"},
		"X-Revalidate-Path", "/thread/custom")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reply := decode[model.ThreadView](t, rec)
	assert.Equal(t, root.ID, reply.ParentID)
	assert.Equal(t, "/thread/custom", s.notifier.last())

	page := decode[model.ThreadPage](t, s.do(t, http.MethodGet, "/api/threads?page=1&pageSize=20", "", nil))
	require.Len(t, page.Threads, 1)
	assert.Equal(t, root.ID, page.Threads[0].ID)
	require.Len(t, page.Threads[0].Children, 1)
	assert.Equal(t, "bobby", page.Threads[0].Children[0].Author.Username)

	detail := decode[model.ThreadView](t, s.do(t, http.MethodGet, "/api/threads/"+root.ID, "", nil))
	assert.Equal(t, "hi!", detail.Children[0].Body)

	like := decode[map[string]any](t, s.do(t, http.MethodPost, "/api/threads/"+root.ID+"/like", bob, nil))
	assert.Equal(t, true, like["liked"])
	assert.Equal(t, []any{b.ID}, like["likes"])
	like = decode[map[string]any](t, s.do(t, http.MethodPost, "/api/threads/"+root.ID+"/like", bob, nil))
	assert.Equal(t, false, like["liked"])
	assert.Equal(t, []any{}, like["likes"])

	activity := decode[[]model.ThreadView](t, s.do(t, http.MethodGet, "/api/me/activity", alice, nil))
	require.Len(t, activity, 1)
	assert.Equal(t, reply.ID, activity[0].ID)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodDelete, "/api/threads/"+root.ID, bob, nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/threads/"+root.ID, alice, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/threads/"+reply.ID, "", nil).Code)

	page = decode[model.ThreadPage](t, s.do(t, http.MethodGet, "/api/threads", "", nil))
	assert.Empty(t, page.Threads)
}

func TestThreads_BadInput(t *testing.T) {
	s := newTestServer(t, testSecret)
	alice := s.token(t, "1")
	s.onboard(t, alice, "alice")

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/threads?page=abc", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/threads?pageSize=1000", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/threads", alice, map[string]string{"body": "  "}).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/threads/nope/replies", alice, map[string]string{"body": "orphan"}).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/threads/nope/like", alice, nil).Code)
}

// =========================================================================
// USERS
// =========================================================================

func TestUsers(t *testing.T) {
	s := newTestServer(t, testSecret)
	alice := s.token(t, "1")
	a := s.onboard(t, alice, "alice")
	s.onboard(t, s.token(t, "2"), "alicia")

	page := decode[model.UserPage](t, s.do(t, http.MethodGet, "/api/users?q=ali", alice, nil))
	require.Len(t, page.Users, 1, "the caller is excluded from their own search")
	assert.Equal(t, "alicia", page.Users[0].Username)

	page = decode[model.UserPage](t, s.do(t, http.MethodGet, "/api/users?q=ali", "", nil))
	assert.Len(t, page.Users, 2)

	rec := s.do(t, http.MethodGet, "/api/users/"+a.ID, "", nil)
	assert.NotContains(t, rec.Body.String(), "externalId", "profiles do not expose the identity")
	got := decode[model.ProfileView](t, rec)
	assert.Equal(t, "alice", got.Username)

	s.do(t, http.MethodPost, "/api/threads", alice, map[string]string{"body": "mine"})
	threads := decode[[]model.ThreadView](t, s.do(t, http.MethodGet, "/api/users/"+a.ID+"/threads", "", nil))
	assert.Len(t, threads, 1)
	replies := decode[[]model.ThreadView](t, s.do(t, http.MethodGet, "/api/users/"+a.ID+"/replies", "", nil))
	assert.Empty(t, replies)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/users/ghost", "", nil).Code)
}

// =========================================================================
// COMMUNITIES
// =========================================================================

func TestCommunityMembershipFlow(t *testing.T) {
	s := newTestServer(t, testSecret)
	owner := s.token(t, "1")
	carol := s.token(t, "2")
	s.onboard(t, owner, "owner")
	c := s.onboard(t, carol, "carol")

	rec := s.do(t, http.MethodPost, "/api/communities", owner, map[string]string{"username": "gophers", "name": "Gophers"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	community := decode[model.CommunityView](t, rec)
	assert.Equal(t, "owner", community.CreatedBy.Username)

	assert.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/communities/"+community.ID+"/requests", carol, nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/communities/"+community.ID+"/requests", carol, nil).Code)

	// Only the creator administers.
	assert.Equal(t, http.StatusForbidden,
		s.do(t, http.MethodPost, "/api/communities/"+community.ID+"/requests/"+c.ID+"/accept", carol, nil).Code)

	assert.Equal(t, http.StatusNoContent,
		s.do(t, http.MethodPost, "/api/communities/"+community.ID+"/requests/"+c.ID+"/accept", owner, nil).Code)

	rec = s.do(t, http.MethodPost, "/api/communities/"+community.ID+"/members", owner, map[string]string{"userId": c.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[model.CommunityView](t, rec)
	memberIDs := make([]string, 0, len(updated.Members))
	for _, m := range updated.Members {
		memberIDs = append(memberIDs, m.ID)
	}
	assert.Contains(t, memberIDs, c.ID)
	assert.Empty(t, updated.Requests)

	view := decode[model.CommunityView](t, s.do(t, http.MethodGet, "/api/communities/gophers", "", nil))
	assert.Equal(t, community.ID, view.ID, "lookup by external id")
	assert.Len(t, view.Members, 2)
	assert.Equal(t, "owner", view.CreatedBy.Username)

	rec = s.do(t, http.MethodPost, "/api/threads", carol, map[string]string{"body": "inside", "communityId": community.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	threads := decode[[]model.ThreadView](t, s.do(t, http.MethodGet, "/api/communities/"+community.ID+"/threads", "", nil))
	require.Len(t, threads, 1)
	assert.Equal(t, "carol", threads[0].Author.Username)

	// Members may leave on their own.
	assert.Equal(t, http.StatusNoContent,
		s.do(t, http.MethodDelete, "/api/communities/"+community.ID+"/members/"+c.ID, carol, nil).Code)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodDelete, "/api/communities/"+community.ID, carol, nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/communities/"+community.ID, owner, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/communities/"+community.ID, "", nil).Code)

	page := decode[model.ThreadPage](t, s.do(t, http.MethodGet, "/api/threads", "", nil))
	assert.Empty(t, page.Threads, "community threads go with the community")
}

func TestCommunityUpdateAndSearch(t *testing.T) {
	s := newTestServer(t, testSecret)
	owner := s.token(t, "1")
	s.onboard(t, owner, "owner")

	community := decode[model.CommunityView](t, s.do(t, http.MethodPost, "/api/communities", owner,
		map[string]string{"username": "gophers", "name": "Gophers"}))

	rec := s.do(t, http.MethodPut, "/api/communities/"+community.ID, owner, map[string]string{
		"username": "gophers", "name": "Go Gophers", "bio": "all things go",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Go Gophers", decode[model.CommunityView](t, rec).Name)

	rec = s.do(t, http.MethodGet, "/api/communities?q=GO", "", nil)
	assert.NotContains(t, rec.Body.String(), `"members"`, "search results carry a count, not member ids")
	page := decode[model.CommunityPage](t, rec)
	require.Len(t, page.Communities, 1)
	assert.Equal(t, 1, page.Communities[0].MemberCount)
	assert.False(t, page.HasMore)

	rec = s.do(t, http.MethodPost, "/api/communities/"+community.ID+"/members", owner, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
