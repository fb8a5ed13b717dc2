// Package model defines data structures for the storefront chat.
package model

import "strings"

// Role distinguishes the two sides of a marketplace conversation.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleArtist   Role = "artist"
)

// Actor is a customer or artist identified by a stable ID.
type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// HasID reports whether the actor carries a resolvable identifier.
func (a Actor) HasID() bool {
	return strings.TrimSpace(a.ID) != ""
}

// Name returns the display name, falling back to the ID.
func (a Actor) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.ID
}
