package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/threadline/internal/service"
)

// UserHandler serves profiles, the people search and per-user feeds.
type UserHandler struct {
	users  *service.UserService
	feed   *service.FeedService
	logger *slog.Logger
}

func NewUserHandler(users *service.UserService, feed *service.FeedService, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		users:  users,
		feed:   feed,
		logger: logger,
	}
}

// HandleSearch finds onboarded users by username or name. A signed-in
// caller is left out of their own results.
//
// HTTP: GET /api/users?q=ali&page=1&pageSize=20
func (h *UserHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := service.UserSearch{
		Query:    r.URL.Query().Get("q"),
		Page:     page,
		PageSize: pageSize,
	}
	if me := optionalUser(r, h.users); me != nil {
		q.ExcludeID = me.ID
	}

	result, err := h.users.Search(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HTTP: GET /api/users/{id}
func (h *UserHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.Get(r.Context(), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user.Profile())
}

// HandleThreads lists the user's top-level threads.
//
// HTTP: GET /api/users/{id}/threads
func (h *UserHandler) HandleThreads(w http.ResponseWriter, r *http.Request) {
	views, err := h.feed.ListForOwner(r.Context(), pathID(r, "id"), service.OwnerUser)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleReplies lists the replies the user has written.
//
// HTTP: GET /api/users/{id}/replies
func (h *UserHandler) HandleReplies(w http.ResponseWriter, r *http.Request) {
	views, err := h.feed.UserReplies(r.Context(), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleActivity lists replies other users left on the caller's threads.
//
// HTTP: GET /api/me/activity
func (h *UserHandler) HandleActivity(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	views, err := h.feed.Activity(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}
