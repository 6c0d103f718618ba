// Package catalog records validated packages, organizations, access grants
// and their learners.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/donniecs/SunSCORM/internal/blobstore"
	"github.com/donniecs/SunSCORM/internal/license"
	"github.com/donniecs/SunSCORM/internal/model"
	"github.com/donniecs/SunSCORM/internal/queue"
	"github.com/donniecs/SunSCORM/internal/repository"
	"github.com/donniecs/SunSCORM/internal/validator"
)

var (
	// ErrInvalidInput covers missing or malformed fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPackageDisabled is returned when operating on a disabled package.
	ErrPackageDisabled = errors.New("package is disabled")
	// ErrGrantDisabled is returned when operating on a disabled grant.
	ErrGrantDisabled = errors.New("grant is disabled")
	// ErrInUse is returned when disabling a package with active grants.
	ErrInUse = errors.New("package has active grants")
)

// DuplicateGrantError reports the active grant that already covers the
// package and organization.
type DuplicateGrantError struct {
	ExistingID string
}

func (e *DuplicateGrantError) Error() string {
	return fmt.Sprintf("an active grant already exists for this package and organization (%s)", e.ExistingID)
}

// Mirror receives stored archives for copying to object storage.
type Mirror interface {
	EnqueueMirror(ctx context.Context, p queue.MirrorPayload) error
}

// NewPackage is the caller-supplied part of a package record.
type NewPackage struct {
	Title          string
	Description    string
	Version        string
	Tags           []string
	FileName       string
	FileSize       int64
	OwnerID        string
	OrganizationID string
}

// Catalog ties the record store to blob storage.
type Catalog struct {
	store    repository.Store
	blobs    *blobstore.Store
	resolver *license.Resolver
	mirror   Mirror
	log      *slog.Logger
	now      func() time.Time
}

// Option customises a Catalog.
type Option func(*Catalog)

// WithMirror enqueues every stored archive on m.
func WithMirror(m Mirror) Option { return func(c *Catalog) { c.mirror = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Catalog) { c.log = l } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(c *Catalog) { c.now = now } }

// New builds a Catalog.
func New(store repository.Store, blobs *blobstore.Store, resolver *license.Resolver, opts ...Option) *Catalog {
	c := &Catalog{
		store:    store,
		blobs:    blobs,
		resolver: resolver,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest moves a validated archive into blob storage and records it. The
// archive at archivePath is consumed.
func (c *Catalog) Ingest(ctx context.Context, archivePath string, m *validator.Manifest, in NewPackage) (*model.ContentPackage, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: missing manifest", ErrInvalidInput)
	}
	blob, err := c.blobs.Put(archivePath)
	if err != nil {
		os.Remove(archivePath)
		return nil, fmt.Errorf("store archive: %w", err)
	}

	pkg := &model.ContentPackage{
		ID:             uuid.NewString(),
		Title:          firstNonEmpty(in.Title, m.Title, strings.TrimSuffix(in.FileName, filepath.Ext(in.FileName))),
		Description:    firstNonEmpty(in.Description, m.Description),
		Version:        firstNonEmpty(in.Version, m.Version, "1.0"),
		Standard:       m.Standard,
		EntryPoint:     m.EntryPoint,
		FileName:       in.FileName,
		FileSize:       blob.Size,
		Checksum:       blob.Checksum,
		StoragePath:    blob.Path,
		Tags:           cleanTags(in.Tags),
		OwnerID:        in.OwnerID,
		OrganizationID: in.OrganizationID,
	}
	if err := c.store.CreatePackage(ctx, pkg); err != nil {
		if blob.Created {
			c.blobs.Remove(blob.Path)
		}
		return nil, fmt.Errorf("create package: %w", err)
	}
	c.log.Info("package ingested", "package", pkg.ID, "standard", pkg.Standard, "checksum", pkg.Checksum)
	c.enqueueMirror(ctx, pkg)
	return pkg, nil
}

// ReplaceArchive validates the archive at archivePath and swaps it in for
// the package's current file. The archive is consumed either way.
func (c *Catalog) ReplaceArchive(ctx context.Context, id, archivePath, fileName string) (*model.ContentPackage, error) {
	pkg, err := c.activePackage(ctx, id)
	if err != nil {
		os.Remove(archivePath)
		return nil, err
	}
	m, err := validator.Validate(archivePath)
	if err != nil {
		os.Remove(archivePath)
		return nil, err
	}
	blob, err := c.blobs.Put(archivePath)
	if err != nil {
		os.Remove(archivePath)
		return nil, fmt.Errorf("store archive: %w", err)
	}

	pkg.StoragePath = blob.Path
	pkg.Checksum = blob.Checksum
	pkg.FileSize = blob.Size
	pkg.Standard = m.Standard
	pkg.EntryPoint = m.EntryPoint
	if fileName != "" {
		pkg.FileName = filepath.Base(fileName)
	}
	if err := c.store.UpdatePackage(ctx, pkg); err != nil {
		return nil, fmt.Errorf("update package: %w", err)
	}
	c.log.Info("package archive replaced", "package", pkg.ID, "checksum", pkg.Checksum)
	c.enqueueMirror(ctx, pkg)
	return pkg, nil
}

// MetadataUpdate lists editable fields; nil leaves a field unchanged.
type MetadataUpdate struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Version     *string   `json:"version"`
	Tags        *[]string `json:"tags"`
}

// UpdateMetadata edits descriptive fields of an active package.
func (c *Catalog) UpdateMetadata(ctx context.Context, id string, u MetadataUpdate) (*model.ContentPackage, error) {
	pkg, err := c.activePackage(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
		}
		pkg.Title = title
	}
	if u.Description != nil {
		pkg.Description = *u.Description
	}
	if u.Version != nil {
		pkg.Version = strings.TrimSpace(*u.Version)
	}
	if u.Tags != nil {
		pkg.Tags = cleanTags(*u.Tags)
	}
	if err := c.store.UpdatePackage(ctx, pkg); err != nil {
		return nil, fmt.Errorf("update package: %w", err)
	}
	return pkg, nil
}

// Package returns a package record.
func (c *Catalog) Package(ctx context.Context, id string) (*model.ContentPackage, error) {
	pkg, err := c.store.GetPackage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load package: %w", err)
	}
	return pkg, nil
}

// DisablePackage retires a package. Disabling is terminal and refused while
// any active grant references the package.
func (c *Catalog) DisablePackage(ctx context.Context, id string) error {
	pkg, err := c.store.GetPackage(ctx, id)
	if err != nil {
		return fmt.Errorf("load package: %w", err)
	}
	if pkg.Disabled {
		return nil
	}
	n, err := c.store.CountActiveGrantsForPackage(ctx, id)
	if err != nil {
		return fmt.Errorf("count grants: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %d active", ErrInUse, n)
	}
	now := c.now().UTC()
	pkg.Disabled = true
	pkg.DeletedAt = &now
	if err := c.store.UpdatePackage(ctx, pkg); err != nil {
		return fmt.Errorf("update package: %w", err)
	}
	c.log.Info("package disabled", "package", id)
	return nil
}

// NewOrganization is the input to CreateOrganization.
type NewOrganization struct {
	Name             string     `json:"name"`
	MaxDispatchUsers *int       `json:"maxDispatchUsers"`
	MaxCompletions   *int       `json:"maxCompletions"`
	GlobalExpiration *time.Time `json:"globalExpiration"`
}

// CreateOrganization records an organization and its ceilings.
func (c *Catalog) CreateOrganization(ctx context.Context, in NewOrganization) (*model.Organization, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if negative(in.MaxDispatchUsers) || negative(in.MaxCompletions) {
		return nil, fmt.Errorf("%w: limits cannot be negative", ErrInvalidInput)
	}
	org := &model.Organization{
		ID:               uuid.NewString(),
		Name:             name,
		MaxDispatchUsers: in.MaxDispatchUsers,
		MaxCompletions:   in.MaxCompletions,
		GlobalExpiration: in.GlobalExpiration,
	}
	if err := c.store.CreateOrganization(ctx, org); err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}
	return org, nil
}

// Organization returns an organization record.
func (c *Catalog) Organization(ctx context.Context, id string) (*model.Organization, error) {
	org, err := c.store.GetOrganization(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	return org, nil
}

// NewGrant is the input to CreateGrant.
type NewGrant struct {
	PackageID      string     `json:"packageId"`
	OrganizationID string     `json:"organizationId"`
	Name           string     `json:"name"`
	MaxUsers       *int       `json:"maxUsers"`
	MaxCompletions *int       `json:"maxCompletions"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	Emails         []string   `json:"emails"`
}

// CreateGrant hands an organization access to a package. Only one active
// grant may exist per package and organization.
func (c *Catalog) CreateGrant(ctx context.Context, in NewGrant) (*model.AccessGrant, []*model.GrantUser, error) {
	if in.PackageID == "" || in.OrganizationID == "" {
		return nil, nil, fmt.Errorf("%w: packageId and organizationId are required", ErrInvalidInput)
	}
	if negative(in.MaxUsers) || negative(in.MaxCompletions) {
		return nil, nil, fmt.Errorf("%w: limits cannot be negative", ErrInvalidInput)
	}
	pkg, err := c.activePackage(ctx, in.PackageID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := c.store.GetOrganization(ctx, in.OrganizationID); err != nil {
		return nil, nil, fmt.Errorf("load organization: %w", err)
	}
	proposed := license.Constraints{MaxUsers: in.MaxUsers, MaxCompletions: in.MaxCompletions, ExpiresAt: in.ExpiresAt}
	if err := c.resolver.ValidateNewGrant(ctx, in.OrganizationID, proposed); err != nil {
		return nil, nil, err
	}
	if existing, err := c.store.FindActiveGrant(ctx, in.PackageID, in.OrganizationID); err == nil {
		return nil, nil, &DuplicateGrantError{ExistingID: existing.ID}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, nil, fmt.Errorf("find active grant: %w", err)
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = pkg.Title
	}
	grant := &model.AccessGrant{
		ID:             uuid.NewString(),
		PackageID:      in.PackageID,
		OrganizationID: in.OrganizationID,
		Name:           name,
		Token:          uuid.NewString(),
		MaxUsers:       in.MaxUsers,
		MaxCompletions: in.MaxCompletions,
		ExpiresAt:      in.ExpiresAt,
		Status:         model.GrantActive,
	}
	if err := c.store.CreateGrant(ctx, grant); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			if existing, ferr := c.store.FindActiveGrant(ctx, in.PackageID, in.OrganizationID); ferr == nil {
				return nil, nil, &DuplicateGrantError{ExistingID: existing.ID}
			}
		}
		return nil, nil, fmt.Errorf("create grant: %w", err)
	}

	users := make([]*model.GrantUser, 0, len(in.Emails))
	for _, email := range in.Emails {
		if strings.TrimSpace(email) == "" {
			continue
		}
		u, err := c.ProvisionUser(ctx, grant.ID, email)
		if err != nil {
			return grant, users, err
		}
		users = append(users, u)
	}
	c.log.Info("grant created", "grant", grant.ID, "package", grant.PackageID, "organization", grant.OrganizationID, "users", len(users))
	return grant, users, nil
}

// Grant returns a grant record.
func (c *Catalog) Grant(ctx context.Context, id string) (*model.AccessGrant, error) {
	g, err := c.store.GetGrant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load grant: %w", err)
	}
	return g, nil
}

// DisableGrant turns a grant off. Its learners can no longer launch and a
// new grant for the same package and organization may be created.
func (c *Catalog) DisableGrant(ctx context.Context, id string) error {
	g, err := c.store.GetGrant(ctx, id)
	if err != nil {
		return fmt.Errorf("load grant: %w", err)
	}
	if g.Disabled {
		return nil
	}
	now := c.now().UTC()
	g.Disabled = true
	g.Status = model.GrantPaused
	g.DeletedAt = &now
	if err := c.store.UpdateGrant(ctx, g); err != nil {
		return fmt.Errorf("update grant: %w", err)
	}
	c.log.Info("grant disabled", "grant", id)
	return nil
}

// ProvisionUser returns the grant's learner for email, creating it when
// needed. Emails compare case-insensitively.
func (c *Catalog) ProvisionUser(ctx context.Context, grantID, email string) (*model.GrantUser, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	g, err := c.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, fmt.Errorf("load grant: %w", err)
	}
	if g.Disabled {
		return nil, ErrGrantDisabled
	}
	if u, err := c.store.FindGrantUserByEmail(ctx, grantID, email); err == nil {
		return u, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("find grant user: %w", err)
	}
	u := &model.GrantUser{
		ID:      uuid.NewString(),
		GrantID: grantID,
		Email:   &email,
		Token:   uuid.NewString(),
	}
	if err := c.store.CreateGrantUser(ctx, u); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			if existing, ferr := c.store.FindGrantUserByEmail(ctx, grantID, email); ferr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create grant user: %w", err)
	}
	return u, nil
}

func (c *Catalog) activePackage(ctx context.Context, id string) (*model.ContentPackage, error) {
	pkg, err := c.store.GetPackage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load package: %w", err)
	}
	if pkg.Disabled {
		return nil, ErrPackageDisabled
	}
	return pkg, nil
}

func (c *Catalog) enqueueMirror(ctx context.Context, pkg *model.ContentPackage) {
	if c.mirror == nil {
		return
	}
	err := c.mirror.EnqueueMirror(ctx, queue.MirrorPayload{
		PackageID:   pkg.ID,
		StoragePath: pkg.StoragePath,
		Checksum:    pkg.Checksum,
		FileName:    pkg.FileName,
	})
	if err != nil {
		// The local blob stays authoritative; a missed mirror only affects
		// presigned downloads.
		c.log.Warn("enqueue mirror failed", "package", pkg.ID, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func negative(v *int) bool { return v != nil && *v < 0 }
