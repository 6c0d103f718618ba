package model

import (
	"encoding/json"
	"time"
)

// GrantStatus is advisory; Disabled on the grant is authoritative.
type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantExpired GrantStatus = "expired"
	GrantPaused  GrantStatus = "paused"
)

// AccessGrant ("dispatch") hands one organization access to one package.
// Optional limits use pointers so "unset" is distinguishable from zero.
type AccessGrant struct {
	ID             string      `json:"id"`
	PackageID      string      `json:"packageId"`
	OrganizationID string      `json:"organizationId"`
	Name           string      `json:"name"`
	Token          string      `json:"token"`
	MaxUsers       *int        `json:"maxUsers,omitempty"`
	MaxCompletions *int        `json:"maxCompletions,omitempty"`
	ExpiresAt      *time.Time  `json:"expiresAt,omitempty"`
	Status         GrantStatus `json:"status"`
	Disabled       bool        `json:"disabled"`
	DeletedAt      *time.Time  `json:"deletedAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Expired reports whether the grant's own expiration has passed at now.
func (g *AccessGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// GrantUser is one learner under a grant, addressed by its own token.
type GrantUser struct {
	ID             string          `json:"id"`
	GrantID        string          `json:"grantId"`
	Email          *string         `json:"email,omitempty"`
	Token          string          `json:"token"`
	LaunchedAt     *time.Time      `json:"launchedAt,omitempty"`
	LastAccessedAt *time.Time      `json:"lastAccessedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Progress       json.RawMessage `json:"progress,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// EmailOrEmpty returns the learner email or "" when anonymous.
func (u *GrantUser) EmailOrEmpty() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// Organization carries ceilings that override the values of every grant
// it owns whenever they are set.
type Organization struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	MaxDispatchUsers *int       `json:"maxDispatchUsers,omitempty"`
	MaxCompletions   *int       `json:"maxCompletions,omitempty"`
	GlobalExpiration *time.Time `json:"globalExpiration,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Statement is a progress event received from the delivery runtime.
type Statement struct {
	ID         string         `json:"id"`
	GrantID    string         `json:"grantId"`
	ActorEmail string         `json:"actorEmail"`
	Verb       string         `json:"verb"`
	ObjectID   string         `json:"objectId"`
	Result     map[string]any `json:"result,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Stored     time.Time      `json:"stored"`
}
