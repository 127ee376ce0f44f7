package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/revalidate"
)

// RevalidationSource is the read side of the revalidation channel.
// *revalidate.Redis implements it.
type RevalidationSource interface {
	LastRevalidated(ctx context.Context, path string) (time.Time, error)
	Subscribe(ctx context.Context) (<-chan revalidate.Event, error)
}

// RevalidateHandler lets rendering front ends learn which paths went stale,
// either by polling one path or by holding an event stream open.
type RevalidateHandler struct {
	source RevalidationSource
	logger *slog.Logger
}

func NewRevalidateHandler(source RevalidationSource, logger *slog.Logger) *RevalidateHandler {
	return &RevalidateHandler{
		source: source,
		logger: logger,
	}
}

// RevalidationStatus answers a poll. At is omitted when the path was never
// signalled, or its record expired.
type RevalidationStatus struct {
	Path string     `json:"path"`
	At   *time.Time `json:"at,omitempty"`
}

// HandleLast reports when a path was last signalled.
//
// HTTP: GET /api/revalidate?path=/thread/abc
func (h *RevalidateHandler) HandleLast(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, apperror.ValidationFailed("path", "path is required"))
		return
	}

	at, err := h.source.LastRevalidated(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}

	status := RevalidationStatus{Path: path}
	if !at.IsZero() {
		status.At = &at
	}
	writeJSON(w, http.StatusOK, status)
}

// HandleStream relays revalidation events as server-sent events until the
// client disconnects.
//
// HTTP: GET /api/revalidate/stream
//
//	event: revalidate
//	data: {"path":"/","at":"2024-01-01T00:00:00Z"}
func (h *RevalidateHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The server's WriteTimeout would otherwise cut the stream.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("clearing stream write deadline", slog.String("error", err.Error()))
	}

	events, err := h.source.Subscribe(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Error("stream not flushable", slog.String("error", err.Error()))
		return
	}

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: revalidate\ndata: %s\n\n", data); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
