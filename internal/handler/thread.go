package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/threadline/internal/service"
)

// ThreadHandler serves the thread feed and thread mutations.
type ThreadHandler struct {
	threads *service.ThreadService
	feed    *service.FeedService
	logger  *slog.Logger
}

func NewThreadHandler(threads *service.ThreadService, feed *service.FeedService, logger *slog.Logger) *ThreadHandler {
	return &ThreadHandler{
		threads: threads,
		feed:    feed,
		logger:  logger,
	}
}

// HandleList returns one page of the top-level feed, newest first.
//
// HTTP: GET /api/threads?page=1&pageSize=20
func (h *ThreadHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.feed.ListTopLevel(r.Context(), page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleGet returns a thread with two levels of replies.
//
// HTTP: GET /api/threads/{id}
func (h *ThreadHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	view, err := h.feed.ThreadDetail(r.Context(), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type createThreadRequest struct {
	Body        string `json:"body"`
	CommunityID string `json:"communityId,omitempty"`
}

// HandleCreate posts a top-level thread as the current user.
//
// HTTP: POST /api/threads
// REQUEST BODY: {"body":"hello","communityId":"optional"}
func (h *ThreadHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req createThreadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	thread, err := h.threads.Create(r.Context(), service.CreateThreadInput{
		AuthorID:    user.ID,
		Body:        req.Body,
		CommunityID: req.CommunityID,
		Path:        revalidatePath(r, "/"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeCreated(w, r, thread.ID)
}

type replyRequest struct {
	Body string `json:"body"`
}

// HandleReply replies to a thread as the current user.
//
// HTTP: POST /api/threads/{id}/replies
// REQUEST BODY: {"body":"hi!"}
func (h *ThreadHandler) HandleReply(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req replyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	parentID := pathID(r, "id")
	reply, err := h.threads.Reply(r.Context(), parentID, req.Body, user.ID, revalidatePath(r, "/thread/"+parentID))
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeCreated(w, r, reply.ID)
}

// writeCreated answers a successful post with the hydrated view of the new
// thread.
func (h *ThreadHandler) writeCreated(w http.ResponseWriter, r *http.Request, id string) {
	view, err := h.feed.ThreadDetail(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// LikeResponse is the thread's like set after a toggle.
type LikeResponse struct {
	Likes []string `json:"likes"`
	Liked bool     `json:"liked"`
}

// HandleLike toggles the current user's like.
//
// HTTP: POST /api/threads/{id}/like
func (h *ThreadHandler) HandleLike(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	id := pathID(r, "id")
	likes, err := h.threads.ToggleLike(r.Context(), id, user.ID, revalidatePath(r, "/thread/"+id))
	if err != nil {
		writeError(w, err)
		return
	}

	liked := false
	for _, l := range likes {
		if l == user.ID {
			liked = true
			break
		}
	}
	writeJSON(w, http.StatusOK, LikeResponse{Likes: likes, Liked: liked})
}

// HandleDelete removes a thread and its whole reply subtree. Only the
// author may delete.
//
// HTTP: DELETE /api/threads/{id}
func (h *ThreadHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	id := pathID(r, "id")
	if err := h.threads.Authorize(r.Context(), id, user.ID); err != nil {
		writeError(w, err)
		return
	}
	if err := h.threads.Delete(r.Context(), id, revalidatePath(r, "/")); err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("thread delete requested", slog.String("id", id), slog.String("by", user.ID))
	w.WriteHeader(http.StatusNoContent)
}
