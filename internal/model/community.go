package model

import (
	"slices"
	"time"
)

// Community is a named group that threads can be posted under.
//
// Members and Requests are disjoint. A user is in Members exactly when the
// community's ID is in that user's Communities.
type Community struct {
	ID         string    `json:"id"         bson:"_id"`
	ExternalID string    `json:"externalId" bson:"external_id"`
	Username   string    `json:"username"   bson:"username"`
	Name       string    `json:"name"       bson:"name"`
	Image      string    `json:"image"      bson:"image"`
	Bio        string    `json:"bio"        bson:"bio"`
	CreatedBy  string    `json:"createdBy"  bson:"created_by"`
	Members    []string  `json:"members"    bson:"members"`
	Requests   []string  `json:"requests"   bson:"requests"`
	Threads    []string  `json:"threads"    bson:"threads"`
	CreatedAt  time.Time `json:"createdAt"  bson:"created_at"`
}

func (c *Community) HasMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

func (c *Community) HasRequest(userID string) bool {
	return slices.Contains(c.Requests, userID)
}

// Ref projects the community into the shape embedded in thread views.
func (c *Community) Ref() *CommunityRef {
	return &CommunityRef{ID: c.ID, Name: c.Name, Image: c.Image}
}

func (c *Community) Summary() CommunitySummary {
	return CommunitySummary{
		ID:          c.ID,
		ExternalID:  c.ExternalID,
		Username:    c.Username,
		Name:        c.Name,
		Image:       c.Image,
		Bio:         c.Bio,
		MemberCount: len(c.Members),
	}
}
