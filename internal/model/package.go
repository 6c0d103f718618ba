// Package model contains the records shared across the ingestion, delivery
// and licensing packages.
package model

import (
	"time"
)

// Standard names the packaging standard a content package conforms to.
type Standard string

const (
	StandardSCORM12   Standard = "scorm_1_2"
	StandardSCORM2004 Standard = "scorm_2004"
	StandardAICC      Standard = "aicc"
	StandardUnknown   Standard = "unknown"
)

// Valid reports whether s is one of the declared standards.
func (s Standard) Valid() bool {
	switch s {
	case StandardSCORM12, StandardSCORM2004, StandardAICC, StandardUnknown:
		return true
	}
	return false
}

// ContentPackage is a validated, cataloged archive. StoragePath points at the
// immutable blob; replacing the archive rewrites it.
type ContentPackage struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Version        string     `json:"version"`
	Standard       Standard   `json:"standard"`
	EntryPoint     string     `json:"entryPoint,omitempty"`
	FileName       string     `json:"fileName"`
	FileSize       int64      `json:"fileSize"`
	Checksum       string     `json:"checksum"`
	StoragePath    string     `json:"-"`
	Tags           []string   `json:"tags"`
	OwnerID        string     `json:"ownerId"`
	OrganizationID string     `json:"organizationId,omitempty"`
	Disabled       bool       `json:"disabled"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}
