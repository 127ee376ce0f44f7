package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/threadline/internal/apperror"
	"github.com/sakif/threadline/internal/model"
	"github.com/sakif/threadline/internal/repository"
	"github.com/sakif/threadline/internal/revalidate"
)

// CommunityService manages communities and their membership.
//
// Joining is two-phase: a user requests, the request is accepted
// out of band, and an explicit AddMember makes them a member.
type CommunityService struct {
	store    Store
	notifier revalidate.Notifier
	logger   *slog.Logger
}

func NewCommunityService(store Store, notifier revalidate.Notifier, logger *slog.Logger) *CommunityService {
	return &CommunityService{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// CommunityInput carries the editable fields of a community.
type CommunityInput struct {
	ExternalID string
	Username   string
	Name       string
	Image      string
	Bio        string
	Path       string
}

// Create makes creatorID the owner and first member of a new community.
func (s *CommunityService) Create(ctx context.Context, creatorID string, in CommunityInput) (*model.Community, error) {
	in, err := validateCommunity(in)
	if err != nil {
		return nil, err
	}
	if in.ExternalID == "" {
		in.ExternalID = in.Username
	}

	community := &model.Community{
		ExternalID: in.ExternalID,
		Username:   in.Username,
		Name:       in.Name,
		Image:      in.Image,
		Bio:        in.Bio,
		CreatedBy:  creatorID,
		Members:    []string{creatorID},
	}

	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.GetUserByID(ctx, creatorID); err != nil {
			return err
		}
		if err := s.store.CreateCommunity(ctx, community); err != nil {
			return err
		}
		return s.store.AddUserCommunity(ctx, creatorID, community.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("service/community: creating community: %w", err)
	}

	s.logger.Info("community created",
		slog.String("id", community.ID),
		slog.String("username", community.Username),
		slog.String("createdBy", creatorID),
	)
	signal(ctx, s.notifier, s.logger, in.Path)
	return community, nil
}

// Get returns the community detail view with the creator, members and
// pending requests projected.
func (s *CommunityService) Get(ctx context.Context, id string) (*model.CommunityView, error) {
	community, err := s.store.GetCommunityByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, community)
}

func (s *CommunityService) GetByExternalID(ctx context.Context, externalID string) (*model.CommunityView, error) {
	community, err := s.store.GetCommunityByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, community)
}

func (s *CommunityService) view(ctx context.Context, c *model.Community) (*model.CommunityView, error) {
	ids := append([]string{c.CreatedBy}, c.Members...)
	ids = append(ids, c.Requests...)
	users, err := hydrator{store: s.store}.authors(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("service/community: %w", err)
	}

	project := func(ids []string) []model.AuthorView {
		out := make([]model.AuthorView, 0, len(ids))
		for _, id := range ids {
			if a, ok := users[id]; ok {
				out = append(out, a)
			}
		}
		return out
	}

	creator, ok := users[c.CreatedBy]
	if !ok {
		creator = model.AuthorView{ID: c.CreatedBy}
	}

	return &model.CommunityView{
		ID:         c.ID,
		ExternalID: c.ExternalID,
		Username:   c.Username,
		Name:       c.Name,
		Image:      c.Image,
		Bio:        c.Bio,
		CreatedBy:  creator,
		Members:    project(c.Members),
		Requests:   project(c.Requests),
		ThreadIDs:  c.Threads,
		CreatedAt:  c.CreatedAt,
	}, nil
}

// Update saves name, username, image and bio.
func (s *CommunityService) Update(ctx context.Context, id string, in CommunityInput) (*model.Community, error) {
	in, err := validateCommunity(in)
	if err != nil {
		return nil, err
	}

	var community *model.Community
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		c, err := s.store.GetCommunityByID(ctx, id)
		if err != nil {
			return err
		}
		community = c
		community.Name = in.Name
		community.Username = in.Username
		community.Image = in.Image
		community.Bio = in.Bio
		return s.store.UpdateCommunityInfo(ctx, community)
	})
	if err != nil {
		return nil, fmt.Errorf("service/community: updating community %s: %w", id, err)
	}

	signal(ctx, s.notifier, s.logger, in.Path)
	return community, nil
}

// CommunitySearch is a paged, case-insensitive search over username and name.
type CommunitySearch struct {
	Query    string
	Page     int
	PageSize int
}

func (s *CommunityService) Search(ctx context.Context, q CommunitySearch) (*model.CommunityPage, error) {
	window, err := pageWindow(q.Page, q.PageSize)
	if err != nil {
		return nil, err
	}

	communities, total, err := s.store.SearchCommunities(ctx, repository.SearchOptions{
		Query:       strings.TrimSpace(q.Query),
		ListOptions: window,
	})
	if err != nil {
		return nil, fmt.Errorf("service/community: searching: %w", err)
	}

	page := &model.CommunityPage{
		Communities: make([]model.CommunitySummary, len(communities)),
		HasMore:     total > window.Offset+len(communities),
	}
	for i := range communities {
		page.Communities[i] = communities[i].Summary()
	}
	return page, nil
}

// Authorize reports whether actorID may administer the community: only its
// creator may.
func (s *CommunityService) Authorize(ctx context.Context, communityID, actorID string) error {
	community, err := s.store.GetCommunityByID(ctx, communityID)
	if err != nil {
		return err
	}
	if community.CreatedBy != actorID {
		return apperror.Forbidden("only the community creator can do this")
	}
	return nil
}

// RequestJoin records a pending join request. It fails with a conflict when
// the user is already a member or has already asked.
func (s *CommunityService) RequestJoin(ctx context.Context, communityID, userID, path string) error {
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		community, err := s.store.GetCommunityByID(ctx, communityID)
		if err != nil {
			return err
		}
		if _, err := s.store.GetUserByID(ctx, userID); err != nil {
			return err
		}
		if community.HasMember(userID) {
			return apperror.ConflictMessage("userId", "user is already a member")
		}
		if community.HasRequest(userID) {
			return apperror.ConflictMessage("userId", "user has already requested to join")
		}
		return s.store.AddJoinRequest(ctx, communityID, userID)
	})
	if err != nil {
		return fmt.Errorf("service/community: requesting to join %s: %w", communityID, err)
	}

	s.logger.Info("join requested",
		slog.String("community", communityID),
		slog.String("user", userID),
	)
	signal(ctx, s.notifier, s.logger, path)
	return nil
}

// AcceptJoin clears a pending request. It does not add the member; that is
// AddMember's job once the acceptance has been acted on.
func (s *CommunityService) AcceptJoin(ctx context.Context, communityID, userID, path string) error {
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		community, err := s.store.GetCommunityByID(ctx, communityID)
		if err != nil {
			return err
		}
		if !community.HasRequest(userID) {
			return apperror.NotFound("join request", userID)
		}
		return s.store.RemoveJoinRequest(ctx, communityID, userID)
	})
	if err != nil {
		return fmt.Errorf("service/community: accepting join to %s: %w", communityID, err)
	}

	signal(ctx, s.notifier, s.logger, path)
	return nil
}

// AddMember makes userID a member, clears any pending request and mirrors the
// membership in the user's Communities.
func (s *CommunityService) AddMember(ctx context.Context, communityID, userID, path string) (*model.Community, error) {
	var community *model.Community
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		c, err := s.store.GetCommunityByID(ctx, communityID)
		if err != nil {
			return err
		}
		if _, err := s.store.GetUserByID(ctx, userID); err != nil {
			return err
		}
		if c.HasMember(userID) {
			return apperror.ConflictMessage("userId", "user is already a member")
		}

		if err := s.store.AddMember(ctx, communityID, userID); err != nil {
			return err
		}
		if err := s.store.AddUserCommunity(ctx, userID, communityID); err != nil {
			return err
		}

		community, err = s.store.GetCommunityByID(ctx, communityID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("service/community: adding member to %s: %w", communityID, err)
	}

	s.logger.Info("member added",
		slog.String("community", communityID),
		slog.String("user", userID),
	)
	signal(ctx, s.notifier, s.logger, path)
	return community, nil
}

// RemoveMember pulls the user from members and the community from the
// user's Communities in one transaction.
func (s *CommunityService) RemoveMember(ctx context.Context, communityID, userID, path string) error {
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		community, err := s.store.GetCommunityByID(ctx, communityID)
		if err != nil {
			return err
		}
		if !community.HasMember(userID) {
			return apperror.NotFound("member", userID)
		}
		if err := s.store.RemoveMember(ctx, communityID, userID); err != nil {
			return err
		}
		return s.store.RemoveUserCommunity(ctx, userID, communityID)
	})
	if err != nil {
		return fmt.Errorf("service/community: removing member from %s: %w", communityID, err)
	}

	s.logger.Info("member removed",
		slog.String("community", communityID),
		slog.String("user", userID),
	)
	signal(ctx, s.notifier, s.logger, path)
	return nil
}

// Delete removes the community, every thread posted in it together with
// their reply subtrees, the deleted ids from their authors, and the
// community from every user.
func (s *CommunityService) Delete(ctx context.Context, communityID, path string) error {
	var removed int64
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		community, err := s.store.GetCommunityByID(ctx, communityID)
		if err != nil {
			return err
		}

		// Threads are found by their community field as well as the
		// community's own list, so a missed fan-out cannot leave orphans.
		ids, err := s.store.ListThreadIDsByCommunity(ctx, communityID)
		if err != nil {
			return err
		}
		roots, err := s.store.GetThreads(ctx, unique(append(ids, community.Threads...)))
		if err != nil {
			return err
		}
		subtree, err := collectSubtree(ctx, s.store, roots)
		if err != nil {
			return err
		}

		refs := refsOf(subtree)
		removed, err = purge(ctx, s.store, refs)
		if err != nil {
			return err
		}
		if err := s.store.PullCommunityFromUsers(ctx, communityID); err != nil {
			return err
		}
		return s.store.DeleteCommunity(ctx, communityID)
	})
	if err != nil {
		return fmt.Errorf("service/community: deleting community %s: %w", communityID, err)
	}

	s.logger.Info("community deleted",
		slog.String("id", communityID),
		slog.Int64("threadsRemoved", removed),
	)
	signal(ctx, s.notifier, s.logger, path)
	return nil
}

func validateCommunity(in CommunityInput) (CommunityInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Username = strings.ToLower(strings.TrimSpace(in.Username))
	in.Image = strings.TrimSpace(in.Image)
	in.Bio = strings.TrimSpace(in.Bio)
	in.ExternalID = strings.TrimSpace(in.ExternalID)

	if err := checkLength("name", in.Name, MinNameLength, MaxNameLength); err != nil {
		return in, err
	}
	if err := checkUsername(in.Username); err != nil {
		return in, err
	}
	if in.Image != "" {
		if err := checkImageURL(in.Image); err != nil {
			return in, err
		}
	}
	if in.Bio != "" {
		if err := checkLength("bio", in.Bio, MinBioLength, MaxBioLength); err != nil {
			return in, err
		}
	}
	return in, nil
}
