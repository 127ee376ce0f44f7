package service

import (
	"context"
	"fmt"

	"github.com/sakif/threadline/internal/model"
)

// hydrator turns stored threads into views. Each join is one batch lookup
// producing an id → projection map; there is no per-thread query.
type hydrator struct {
	store Store
}

func (h hydrator) authors(ctx context.Context, ids []string) (map[string]model.AuthorView, error) {
	users, err := h.store.GetUsers(ctx, unique(ids))
	if err != nil {
		return nil, fmt.Errorf("resolving authors: %w", err)
	}
	out := make(map[string]model.AuthorView, len(users))
	for i := range users {
		out[users[i].ID] = users[i].Author()
	}
	return out, nil
}

func (h hydrator) communities(ctx context.Context, ids []string) (map[string]*model.CommunityRef, error) {
	communities, err := h.store.GetCommunities(ctx, unique(ids))
	if err != nil {
		return nil, fmt.Errorf("resolving communities: %w", err)
	}
	out := make(map[string]*model.CommunityRef, len(communities))
	for i := range communities {
		out[communities[i].ID] = communities[i].Ref()
	}
	return out, nil
}

// views projects threads, keeping their order, and resolves depth levels of
// children below them. When owner is set it is used as the author of every
// top-level thread instead of a lookup; children are always resolved.
func (h hydrator) views(ctx context.Context, threads []model.Thread, depth int, owner *model.AuthorView) ([]model.ThreadView, error) {
	out := make([]model.ThreadView, len(threads))
	if len(threads) == 0 {
		return out, nil
	}

	var authorIDs, communityIDs, childIDs []string
	for _, th := range threads {
		if owner == nil {
			authorIDs = append(authorIDs, th.AuthorID)
		}
		communityIDs = append(communityIDs, th.CommunityID)
		if depth > 0 {
			childIDs = append(childIDs, th.Children...)
		}
	}

	authors, err := h.authors(ctx, authorIDs)
	if err != nil {
		return nil, err
	}
	communities, err := h.communities(ctx, communityIDs)
	if err != nil {
		return nil, err
	}

	children := map[string]model.ThreadView{}
	if len(childIDs) > 0 {
		loaded, err := h.store.GetThreads(ctx, unique(childIDs))
		if err != nil {
			return nil, fmt.Errorf("resolving replies: %w", err)
		}
		childViews, err := h.views(ctx, loaded, depth-1, nil)
		if err != nil {
			return nil, err
		}
		for _, v := range childViews {
			children[v.ID] = v
		}
	}

	for i, th := range threads {
		v := model.ThreadView{
			ID:        th.ID,
			Body:      th.Body,
			ParentID:  th.ParentID,
			Community: communities[th.CommunityID],
			Likes:     th.Likes,
			Children:  []model.ThreadView{},
			CreatedAt: th.CreatedAt,
		}
		if owner != nil {
			v.Author = *owner
		} else if a, ok := authors[th.AuthorID]; ok {
			v.Author = a
		} else {
			v.Author = model.AuthorView{ID: th.AuthorID}
		}
		if v.Likes == nil {
			v.Likes = []string{}
		}
		// Children keep the parent's stored order; ids that no longer
		// resolve are dropped.
		for _, id := range th.Children {
			if c, ok := children[id]; ok {
				v.Children = append(v.Children, c)
			}
		}
		out[i] = v
	}
	return out, nil
}
