package handler

import (
	"log/slog"
	"net/http"

	"github.com/rs/xid"

	"github.com/sakif/threadline/internal/auth"
	"github.com/sakif/threadline/internal/model"
	"github.com/sakif/threadline/internal/service"
)

const stateCookie = "oauth_state"

// AuthConfig holds the cookie and redirect settings of the login flow.
type AuthConfig struct {
	CookieSecure  bool
	HomeURL       string
	OnboardingURL string
}

// AuthHandler manages the GitHub OAuth login flow and the caller's own
// identity and profile.
//
//   - HandleGitHubLogin    → redirect the browser to GitHub
//   - HandleGitHubCallback → exchange the code, issue the identity cookie
//   - HandleLogout         → clear the cookie
//   - HandleMe             → who am I, and have I onboarded
//   - HandleSaveProfile    → onboarding and profile edits
type AuthHandler struct {
	github *auth.GitHubProvider
	auth   *service.AuthService
	users  *service.UserService
	cfg    AuthConfig
	logger *slog.Logger
}

func NewAuthHandler(
	github *auth.GitHubProvider,
	authService *service.AuthService,
	users *service.UserService,
	cfg AuthConfig,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		github: github,
		auth:   authService,
		users:  users,
		cfg:    cfg,
		logger: logger,
	}
}

// HandleGitHubLogin redirects the user to GitHub's authorization page.
//
// HTTP: GET /auth/github/login
//
// A random state goes into a short-lived HttpOnly cookie; the callback
// refuses to continue unless GitHub echoes the same value back.
func (h *AuthHandler) HandleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	state := xid.New().String()

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.github.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGitHubCallback completes the OAuth login flow.
//
// HTTP: GET /auth/github/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Exchange the code for a GitHub profile
//  3. Issue the identity token in an HttpOnly cookie
//  4. Redirect home, or to onboarding when no profile exists yet
func (h *AuthHandler) HandleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" {
		h.logger.Warn("auth callback: missing state cookie")
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("state") != cookie.Value {
		h.logger.Warn("auth callback: state mismatch")
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}

	// Single use.
	http.SetCookie(w, &http.Cookie{
		Name:   stateCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("auth callback: user denied authorization",
			slog.String("error", errParam),
		)
		http.Redirect(w, r, h.cfg.HomeURL+"?auth=denied", http.StatusSeeOther)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing OAuth code", http.StatusBadRequest)
		return
	}

	ghUser, err := h.github.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("auth callback: GitHub exchange failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	result, err := h.auth.LoginGitHub(r.Context(), ghUser)
	if err != nil {
		h.logger.Error("auth callback: login failed",
			slog.Int64("githubID", ghUser.ID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    result.Token,
		Path:     "/",
		MaxAge:   int(auth.DefaultTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	next := h.cfg.HomeURL
	if !result.Onboarded {
		next = h.cfg.OnboardingURL
	}
	http.Redirect(w, r, next, http.StatusSeeOther)
}

// HandleLogout clears the identity cookie.
//
// HTTP: POST /auth/logout
//
// Tokens are stateless, so the token stays valid until it expires; without
// the cookie the browser just stops sending it.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// MeResponse describes the caller. User is null until onboarding.
type MeResponse struct {
	Identity  auth.Identity      `json:"identity"`
	User      *model.ProfileView `json:"user"`
	Onboarded bool               `json:"onboarded"`
}

// HandleMe returns the caller's identity and profile.
//
// HTTP: GET /api/me
// Auth: identity required, profile not required
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	resp := MeResponse{Identity: *id}
	if user := optionalUser(r, h.users); user != nil {
		resp.User = user.Profile()
		resp.Onboarded = true
	}
	writeJSON(w, http.StatusOK, resp)
}

type profileRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Image    string `json:"image"`
	Bio      string `json:"bio"`
}

// HandleSaveProfile creates or updates the caller's profile.
//
// HTTP: PUT /api/me/profile
// Auth: identity required
// REQUEST BODY: {"name":"...","username":"...","image":"https://...","bio":"..."}
//
// An empty image falls back to the avatar from the identity provider.
func (h *AuthHandler) HandleSaveProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Image == "" {
		req.Image = id.AvatarURL
	}

	user, err := h.users.SaveProfile(r.Context(), service.ProfileInput{
		ExternalID: id.ExternalID,
		Name:       req.Name,
		Username:   req.Username,
		Image:      req.Image,
		Bio:        req.Bio,
		Path:       revalidatePath(r, "/profile"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user.Profile())
}
