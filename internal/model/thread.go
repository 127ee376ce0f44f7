package model

import (
	"slices"
	"time"
)

// Thread is a post. A thread with an empty ParentID is top-level; otherwise it
// is a reply and its ID must appear in the parent's Children.
//
// Likes has set semantics: each user ID appears at most once.
type Thread struct {
	ID          string    `json:"id"                    bson:"_id"`
	Body        string    `json:"body"                  bson:"body"`
	AuthorID    string    `json:"authorId"              bson:"author"`
	CommunityID string    `json:"communityId,omitempty" bson:"community,omitempty"`
	ParentID    string    `json:"parentId,omitempty"    bson:"parent,omitempty"`
	Children    []string  `json:"children"              bson:"children"`
	Likes       []string  `json:"likes"                 bson:"likes"`
	CreatedAt   time.Time `json:"createdAt"             bson:"created_at"`
}

// IsReply reports whether the thread hangs under another thread.
func (t *Thread) IsReply() bool {
	return t.ParentID != ""
}

// LikedBy reports whether userID is in the likes set.
func (t *Thread) LikedBy(userID string) bool {
	return slices.Contains(t.Likes, userID)
}

// SortNewestFirst orders threads by (CreatedAt desc, ID desc), the same order
// the stores use for the top-level feed.
func SortNewestFirst(threads []Thread) {
	slices.SortStableFunc(threads, func(a, b Thread) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
}
