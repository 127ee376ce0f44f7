package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/auth"
	"github.com/sakif/threadline/internal/model"
	"github.com/sakif/threadline/internal/service"
)

type userKey struct{}

// RequireProfile resolves the caller's identity to their user. It answers
// 401 when there is no identity and 403 onboarding_required when the
// identity has not saved a profile yet. It must run after
// auth.OptionalIdentity or auth.RequireIdentity.
func RequireProfile(users *service.UserService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				writeUnauthorized(w)
				return
			}

			user, err := users.Resolve(r.Context(), id.ExternalID)
			if errors.Is(err, apperror.ErrNotFound) {
				writeJSON(w, http.StatusForbidden, ErrorResponse{
					Error:   "onboarding_required",
					Message: "complete your profile before doing this",
				})
				return
			}
			if err != nil {
				writeError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
		})
	}
}

// currentUser returns the user resolved by RequireProfile.
func currentUser(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey{}).(*model.User)
	return u, ok && u != nil
}

// optionalUser resolves the caller on public routes. Anonymous and
// not-yet-onboarded callers both yield nil.
func optionalUser(r *http.Request, users *service.UserService) *model.User {
	if u, ok := currentUser(r.Context()); ok {
		return u
	}
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	u, err := users.Resolve(r.Context(), id.ExternalID)
	if err != nil {
		return nil
	}
	return u
}
