package service

import (
	"context"
	"fmt"

	"github.com/sakif/threadline/internal/model"
	"github.com/sakif/threadline/internal/repository"
)

// collectSubtree returns roots and every thread reachable from them through
// Children, each exactly once. It walks level by level with one batch load
// per level, and the visited set keeps it finite even if stored data ever
// contains a cycle. Child ids that no longer resolve are skipped.
func collectSubtree(ctx context.Context, threads repository.ThreadRepository, roots []model.Thread) ([]model.Thread, error) {
	visited := make(map[string]struct{})
	var all []model.Thread

	level := roots
	for len(level) > 0 {
		var next []string
		for _, th := range level {
			if _, ok := visited[th.ID]; ok {
				continue
			}
			visited[th.ID] = struct{}{}
			all = append(all, th)

			for _, child := range th.Children {
				if _, ok := visited[child]; !ok {
					next = append(next, child)
				}
			}
		}
		if len(next) == 0 {
			break
		}

		loaded, err := threads.GetThreads(ctx, unique(next))
		if err != nil {
			return nil, fmt.Errorf("loading descendants: %w", err)
		}
		level = loaded
	}
	return all, nil
}

// subtreeRefs gathers what a cascade delete has to clean up: every id, the
// distinct authors and communities referencing them, and the surviving
// parents that still list a deleted thread among their children.
type subtreeRefs struct {
	threadIDs    []string
	authorIDs    []string
	communityIDs []string
	detached     map[string][]string // surviving parent id -> deleted child ids
}

func refsOf(threads []model.Thread) subtreeRefs {
	r := subtreeRefs{detached: map[string][]string{}}
	inSubtree := make(map[string]struct{}, len(threads))
	for _, th := range threads {
		inSubtree[th.ID] = struct{}{}
	}
	for _, th := range threads {
		r.threadIDs = append(r.threadIDs, th.ID)
		r.authorIDs = append(r.authorIDs, th.AuthorID)
		r.communityIDs = append(r.communityIDs, th.CommunityID)
		if th.IsReply() {
			if _, ok := inSubtree[th.ParentID]; !ok {
				r.detached[th.ParentID] = append(r.detached[th.ParentID], th.ID)
			}
		}
	}
	r.authorIDs = unique(r.authorIDs)
	r.communityIDs = unique(r.communityIDs)
	return r
}

// purge deletes the threads, pulls their ids from every author and
// community that references them, and detaches them from surviving
// parents. It must run inside a transaction.
func purge(ctx context.Context, store Store, r subtreeRefs) (int64, error) {
	n, err := store.DeleteThreads(ctx, r.threadIDs)
	if err != nil {
		return 0, err
	}
	if err := store.PullUserThreads(ctx, r.authorIDs, r.threadIDs); err != nil {
		return 0, err
	}
	if err := store.PullCommunityThreads(ctx, r.communityIDs, r.threadIDs); err != nil {
		return 0, err
	}
	for parentID, childIDs := range r.detached {
		if err := store.PullChildren(ctx, parentID, childIDs); err != nil {
			return 0, err
		}
	}
	return n, nil
}
