package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/service"
)

// CommunityHandler serves communities and their membership workflow.
//
// Administrative routes (update, delete, accept, add and remove members)
// are limited to the community's creator. A member may also remove
// themself.
type CommunityHandler struct {
	communities *service.CommunityService
	feed        *service.FeedService
	logger      *slog.Logger
}

func NewCommunityHandler(communities *service.CommunityService, feed *service.FeedService, logger *slog.Logger) *CommunityHandler {
	return &CommunityHandler{
		communities: communities,
		feed:        feed,
		logger:      logger,
	}
}

// HTTP: GET /api/communities?q=go&page=1&pageSize=20
func (h *CommunityHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.communities.Search(r.Context(), service.CommunitySearch{
		Query:    r.URL.Query().Get("q"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type communityRequest struct {
	ExternalID string `json:"externalId,omitempty"`
	Username   string `json:"username"`
	Name       string `json:"name"`
	Image      string `json:"image"`
	Bio        string `json:"bio"`
}

func (req communityRequest) input(path string) service.CommunityInput {
	return service.CommunityInput{
		ExternalID: req.ExternalID,
		Username:   req.Username,
		Name:       req.Name,
		Image:      req.Image,
		Bio:        req.Bio,
		Path:       path,
	}
}

// HandleCreate creates a community with the caller as creator and first
// member.
//
// HTTP: POST /api/communities
func (h *CommunityHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req communityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	community, err := h.communities.Create(r.Context(), user.ID, req.input(revalidatePath(r, "/communities")))
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeView(w, r, http.StatusCreated, community.ID)
}

// HandleGet accepts either the internal id or the external id.
//
// HTTP: GET /api/communities/{id}
func (h *CommunityHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	view, err := h.communities.Get(r.Context(), id)
	if errors.Is(err, apperror.ErrNotFound) {
		view, err = h.communities.GetByExternalID(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HTTP: PUT /api/communities/{id}
func (h *CommunityHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req communityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if _, err := h.communities.Update(r.Context(), id, req.input(revalidatePath(r, "/communities/"+id))); err != nil {
		writeError(w, err)
		return
	}
	h.writeView(w, r, http.StatusOK, id)
}

// HandleDelete removes the community and every thread posted in it.
//
// HTTP: DELETE /api/communities/{id}
func (h *CommunityHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if err := h.communities.Delete(r.Context(), id, revalidatePath(r, "/communities")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HTTP: GET /api/communities/{id}/threads
func (h *CommunityHandler) HandleThreads(w http.ResponseWriter, r *http.Request) {
	views, err := h.feed.ListForOwner(r.Context(), pathID(r, "id"), service.OwnerCommunity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleRequestJoin records the caller's request to join.
//
// HTTP: POST /api/communities/{id}/requests
func (h *CommunityHandler) HandleRequestJoin(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	id := pathID(r, "id")
	if err := h.communities.RequestJoin(r.Context(), id, user.ID, revalidatePath(r, "/communities/"+id)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// HandleAcceptJoin clears a pending request. Adding the member is a
// separate call to HandleAddMember.
//
// HTTP: POST /api/communities/{id}/requests/{userID}/accept
func (h *CommunityHandler) HandleAcceptJoin(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorize(w, r)
	if !ok {
		return
	}
	if err := h.communities.AcceptJoin(r.Context(), id, pathID(r, "userID"), revalidatePath(r, "/communities/"+id)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addMemberRequest struct {
	UserID string `json:"userId"`
}

// HTTP: POST /api/communities/{id}/members
// REQUEST BODY: {"userId":"..."}
func (h *CommunityHandler) HandleAddMember(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req addMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, apperror.ValidationFailed("userId", "user ID is required"))
		return
	}

	if _, err := h.communities.AddMember(r.Context(), id, req.UserID, revalidatePath(r, "/communities/"+id)); err != nil {
		writeError(w, err)
		return
	}
	h.writeView(w, r, http.StatusOK, id)
}

// writeView answers a community write with its detail view.
func (h *CommunityHandler) writeView(w http.ResponseWriter, r *http.Request, status int, id string) {
	view, err := h.communities.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, view)
}

// HTTP: DELETE /api/communities/{id}/members/{userID}
func (h *CommunityHandler) HandleRemoveMember(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	id := pathID(r, "id")
	memberID := pathID(r, "userID")
	if memberID != user.ID {
		if err := h.communities.Authorize(r.Context(), id, user.ID); err != nil {
			writeError(w, err)
			return
		}
	}

	if err := h.communities.RemoveMember(r.Context(), id, memberID, revalidatePath(r, "/communities/"+id)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorize checks that the caller created the community in the path and
// writes the error response when they did not.
func (h *CommunityHandler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, ok := currentUser(r.Context())
	if !ok {
		writeUnauthorized(w)
		return "", false
	}
	id := pathID(r, "id")
	if err := h.communities.Authorize(r.Context(), id, user.ID); err != nil {
		writeError(w, err)
		return "", false
	}
	return id, true
}
