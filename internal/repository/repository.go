// Package repository defines the record store used by the catalog, license
// resolver and launch flow, plus its PostgreSQL implementation.
package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/donniecs/SunSCORM/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a uniqueness rule,
	// including the one-active-grant-per-package-and-organization rule.
	ErrDuplicate = errors.New("record already exists")
)

// Usage counts consumption against license limits.
type Usage struct {
	UniqueUsers int `json:"uniqueUsers"`
	Completions int `json:"completions"`
}

// Store is the narrow persistence surface of the core.
type Store interface {
	CreatePackage(ctx context.Context, p *model.ContentPackage) error
	GetPackage(ctx context.Context, id string) (*model.ContentPackage, error)
	UpdatePackage(ctx context.Context, p *model.ContentPackage) error
	CountActiveGrantsForPackage(ctx context.Context, packageID string) (int, error)

	CreateOrganization(ctx context.Context, o *model.Organization) error
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)

	CreateGrant(ctx context.Context, g *model.AccessGrant) error
	GetGrant(ctx context.Context, id string) (*model.AccessGrant, error)
	GetGrantByToken(ctx context.Context, token string) (*model.AccessGrant, error)
	FindActiveGrant(ctx context.Context, packageID, organizationID string) (*model.AccessGrant, error)
	UpdateGrant(ctx context.Context, g *model.AccessGrant) error

	CreateGrantUser(ctx context.Context, u *model.GrantUser) error
	GetGrantUserByToken(ctx context.Context, token string) (*model.GrantUser, error)
	FindGrantUserByEmail(ctx context.Context, grantID, email string) (*model.GrantUser, error)
	UpdateGrantUser(ctx context.Context, u *model.GrantUser) error

	GrantUsage(ctx context.Context, grantID string) (Usage, error)
	OrganizationUsage(ctx context.Context, organizationID string) (Usage, error)

	CreateStatement(ctx context.Context, s *model.Statement) error
}

// DBTX is the subset of database/sql used here; *sql.DB and *sql.Tx both
// satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
