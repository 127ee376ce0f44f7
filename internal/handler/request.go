package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/service"
)

// RevalidateHeader lets the caller name the page whose cached render a
// mutation invalidates. Routes fall back to a sensible default.
const RevalidateHeader = "X-Revalidate-Path"

// maxBodyBytes caps JSON request bodies. Thread bodies are at most
// service.MaxBodyLength characters, far below this.
const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return apperror.ValidationFailed("body", "request body is required")
		}
		return apperror.ValidationFailed("body", "invalid JSON body")
	}
	return nil
}

// pagination reads ?page and ?pageSize, defaulting to the first page of
// service.DefaultPageSize. Range checks are the service's job.
func pagination(r *http.Request) (page, pageSize int, err error) {
	page, err = queryInt(r, "page", 1)
	if err != nil {
		return 0, 0, err
	}
	pageSize, err = queryInt(r, "pageSize", service.DefaultPageSize)
	if err != nil {
		return 0, 0, err
	}
	return page, pageSize, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperror.ValidationFailed(key, key+" must be an integer")
	}
	return n, nil
}

func revalidatePath(r *http.Request, def string) string {
	if p := strings.TrimSpace(r.Header.Get(RevalidateHeader)); p != "" {
		return p
	}
	return def
}

func pathID(r *http.Request, key string) string {
	return strings.TrimSpace(chi.URLParam(r, key))
}
