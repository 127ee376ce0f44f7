package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/auth"
	"github.com/sakif/threadline/internal/model"
	"github.com/sakif/threadline/internal/repository"
)

// AuthService turns a completed GitHub login into an identity token.
//
//	AuthHandler (HTTP) → AuthService → UserRepository (who is onboarded)
//	                   ↘ TokenService (JWT)
//
// Logging in never creates a user row. The row is created by the first
// UserService.SaveProfile, which is what onboarding means.
type AuthService struct {
	users  repository.UserRepository
	tokens *auth.TokenService
	logger *slog.Logger
}

func NewAuthService(users repository.UserRepository, tokens *auth.TokenService, logger *slog.Logger) *AuthService {
	return &AuthService{
		users:  users,
		tokens: tokens,
		logger: logger,
	}
}

// AuthResult bundles the issued token with what the caller needs to decide
// where to send the user next. User is nil until the profile is saved.
type AuthResult struct {
	Identity  auth.Identity
	Token     string
	User      *model.User
	Onboarded bool
}

// LoginGitHub issues a token for the GitHub profile and reports whether the
// identity has already completed onboarding.
func (s *AuthService) LoginGitHub(ctx context.Context, ghUser *auth.GitHubUser) (*AuthResult, error) {
	if ghUser == nil {
		return nil, fmt.Errorf("service/auth: GitHub user must not be nil")
	}

	id := ghUser.Identity()
	token, err := s.tokens.Generate(id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating token for %s: %w", id.ExternalID, err)
	}

	result := &AuthResult{Identity: id, Token: token}

	user, err := s.users.GetUserByExternalID(ctx, id.ExternalID)
	switch {
	case errors.Is(err, apperror.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("service/auth: looking up %s: %w", id.ExternalID, err)
	default:
		result.User = user
		result.Onboarded = user.Onboarded
	}

	s.logger.Info("identity authenticated via GitHub",
		slog.String("externalID", id.ExternalID),
		slog.String("login", ghUser.Login),
		slog.Bool("onboarded", result.Onboarded),
	)
	return result, nil
}

// ValidateToken is a thin delegation to TokenService.Validate so callers
// only need the service package.
func (s *AuthService) ValidateToken(tokenStr string) (*auth.Identity, error) {
	id, err := s.tokens.Validate(tokenStr)
	if err != nil {
		return nil, fmt.Errorf("service/auth: %w", err)
	}
	return id, nil
}
