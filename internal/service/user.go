package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/model"
	"github.com/sakif/threadline/internal/repository"
	"github.com/sakif/threadline/internal/revalidate"
)

// Profile field bounds, counted in characters.
const (
	MinNameLength = 3
	MaxNameLength = 30
	MinBioLength  = 3
	MaxBioLength  = 1000
)

// UserService owns profiles and the external → internal identity mapping.
type UserService struct {
	store    Store
	notifier revalidate.Notifier
	logger   *slog.Logger
}

func NewUserService(store Store, notifier revalidate.Notifier, logger *slog.Logger) *UserService {
	return &UserService{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// ProfileInput is the onboarding / profile edit form.
type ProfileInput struct {
	ExternalID string
	Name       string
	Username   string
	Image      string
	Bio        string
	Path       string
}

// SaveProfile creates the user on first save and updates the profile on
// later ones. The username is stored lowercased; a username held by someone
// else is a conflict. A successful save marks the user onboarded.
func (s *UserService) SaveProfile(ctx context.Context, in ProfileInput) (*model.User, error) {
	if strings.TrimSpace(in.ExternalID) == "" {
		return nil, apperror.ValidationFailed("externalId", "external identity is required")
	}

	name := strings.TrimSpace(in.Name)
	username := strings.ToLower(strings.TrimSpace(in.Username))
	image := strings.TrimSpace(in.Image)
	bio := strings.TrimSpace(in.Bio)

	if err := checkLength("name", name, MinNameLength, MaxNameLength); err != nil {
		return nil, err
	}
	if err := checkUsername(username); err != nil {
		return nil, err
	}
	if err := checkImageURL(image); err != nil {
		return nil, err
	}
	if bio != "" {
		if err := checkLength("bio", bio, MinBioLength, MaxBioLength); err != nil {
			return nil, err
		}
	}

	user := &model.User{
		ExternalID: in.ExternalID,
		Name:       name,
		Username:   username,
		Image:      image,
		Bio:        bio,
		Onboarded:  true,
	}
	if err := s.store.UpsertByExternalID(ctx, user); err != nil {
		return nil, fmt.Errorf("service/user: saving profile (externalID=%s): %w", in.ExternalID, err)
	}

	s.logger.Info("profile saved",
		slog.String("userID", user.ID),
		slog.String("username", user.Username),
	)
	signal(ctx, s.notifier, s.logger, in.Path)
	return user, nil
}

// Resolve maps an external identity to its user. Identities that have not
// completed onboarding resolve to apperror.ErrNotFound.
func (s *UserService) Resolve(ctx context.Context, externalID string) (*model.User, error) {
	if externalID == "" {
		return nil, apperror.ValidationFailed("externalId", "external identity is required")
	}
	user, err := s.store.GetUserByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if !user.Onboarded {
		return nil, apperror.NotFound("user", externalID)
	}
	return user, nil
}

func (s *UserService) Get(ctx context.Context, id string) (*model.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "user ID is required")
	}
	return s.store.GetUserByID(ctx, id)
}

// UserSearch is a paged, case-insensitive search over username and name.
// ExcludeID is usually the caller, who should not find themself.
type UserSearch struct {
	Query     string
	ExcludeID string
	Page      int
	PageSize  int
}

func (s *UserService) Search(ctx context.Context, q UserSearch) (*model.UserPage, error) {
	window, err := pageWindow(q.Page, q.PageSize)
	if err != nil {
		return nil, err
	}

	users, total, err := s.store.SearchUsers(ctx, repository.SearchOptions{
		Query:       strings.TrimSpace(q.Query),
		ExcludeID:   q.ExcludeID,
		ListOptions: window,
	})
	if err != nil {
		return nil, fmt.Errorf("service/user: searching: %w", err)
	}

	views := make([]model.AuthorView, len(users))
	for i := range users {
		views[i] = users[i].Author()
	}
	return &model.UserPage{
		Users:   views,
		HasMore: total > window.Offset+len(users),
	}, nil
}

func checkLength(field, value string, min, max int) error {
	n := utf8.RuneCountInString(value)
	if n < min || n > max {
		return apperror.ValidationFailed(field,
			fmt.Sprintf("%s must be between %d and %d characters", field, min, max))
	}
	return nil
}

func checkUsername(username string) error {
	if err := checkLength("username", username, MinNameLength, MaxNameLength); err != nil {
		return err
	}
	if strings.ContainsAny(username, " \t\n/") {
		return apperror.ValidationFailed("username", "username must not contain spaces or slashes")
	}
	return nil
}

func checkImageURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return apperror.ValidationFailed("image", "image must be an absolute URL")
	}
	return nil
}
