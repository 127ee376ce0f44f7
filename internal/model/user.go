// Package model defines the entities persisted by the entity store and the
// view shapes returned to the presentation layer.
package model

import "time"

// User is a profile owned by an externally authenticated identity.
//
// ExternalID is the identity provider's subject (e.g. "github:1234567"). It is
// the only key the auth layer knows; everything below the HTTP boundary works
// with the internal ID.
//
// Username is stored lowercased so the unique index is case-insensitive.
type User struct {
	ID          string    `json:"id"          bson:"_id"`
	ExternalID  string    `json:"externalId"  bson:"external_id"`
	Name        string    `json:"name"        bson:"name"`
	Username    string    `json:"username"    bson:"username"`
	Image       string    `json:"image"       bson:"image"`
	Bio         string    `json:"bio"         bson:"bio"`
	Onboarded   bool      `json:"onboarded"   bson:"onboarded"`
	Threads     []string  `json:"threads"     bson:"threads"`
	Communities []string  `json:"communities" bson:"communities"`
	CreatedAt   time.Time `json:"createdAt"   bson:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt"   bson:"updated_at"`
}

// Author projects the user into the small shape embedded in thread views.
func (u *User) Author() AuthorView {
	return AuthorView{
		ID:         u.ID,
		ExternalID: u.ExternalID,
		Name:       u.Name,
		Username:   u.Username,
		Image:      u.Image,
	}
}

// Profile projects the user for profile pages and the /me response.
func (u *User) Profile() *ProfileView {
	return &ProfileView{
		ID:             u.ID,
		Name:           u.Name,
		Username:       u.Username,
		Image:          u.Image,
		Bio:            u.Bio,
		ThreadCount:    len(u.Threads),
		CommunityCount: len(u.Communities),
		CreatedAt:      u.CreatedAt,
	}
}
