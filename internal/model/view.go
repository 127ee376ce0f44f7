package model

import "time"

// View types are plain data for the presentation layer: string ids, RFC 3339
// timestamps, and small projections instead of whole entities.

type AuthorView struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId,omitempty"`
	Name       string `json:"name"`
	Username   string `json:"username"`
	Image      string `json:"image"`
}

type CommunityRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

// ThreadView is a thread with its author, community and some depth of
// children resolved. Children is never nil so it encodes as [].
type ThreadView struct {
	ID        string        `json:"id"`
	Body      string        `json:"body"`
	ParentID  string        `json:"parentId,omitempty"`
	Author    AuthorView    `json:"author"`
	Community *CommunityRef `json:"community"`
	Likes     []string      `json:"likes"`
	Children  []ThreadView  `json:"children"`
	CreatedAt time.Time     `json:"createdAt"`
}

type ThreadPage struct {
	Threads []ThreadView `json:"threads"`
	HasMore bool         `json:"hasMore"`
}

// CommunityView is the community detail page shape.
type CommunityView struct {
	ID         string       `json:"id"`
	ExternalID string       `json:"externalId"`
	Username   string       `json:"username"`
	Name       string       `json:"name"`
	Image      string       `json:"image"`
	Bio        string       `json:"bio"`
	CreatedBy  AuthorView   `json:"createdBy"`
	Members    []AuthorView `json:"members"`
	Requests   []AuthorView `json:"requests"`
	ThreadIDs  []string     `json:"threads"`
	CreatedAt  time.Time    `json:"createdAt"`
}

type UserPage struct {
	Users   []AuthorView `json:"users"`
	HasMore bool         `json:"hasMore"`
}

// CommunitySummary is one community search result. Member and request
// ids stay out of it; the detail view resolves them.
type CommunitySummary struct {
	ID          string `json:"id"`
	ExternalID  string `json:"externalId"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	Image       string `json:"image"`
	Bio         string `json:"bio"`
	MemberCount int    `json:"memberCount"`
}

type CommunityPage struct {
	Communities []CommunitySummary `json:"communities"`
	HasMore     bool               `json:"hasMore"`
}

// ProfileView is a user's profile page.
type ProfileView struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Username       string    `json:"username"`
	Image          string    `json:"image"`
	Bio            string    `json:"bio"`
	ThreadCount    int       `json:"threadCount"`
	CommunityCount int       `json:"communityCount"`
	CreatedAt      time.Time `json:"createdAt"`
}
