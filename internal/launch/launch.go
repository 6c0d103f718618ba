// Package launch resolves launch tokens into deliverable course content.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/donniecs/SunSCORM/internal/contentcache"
	"github.com/donniecs/SunSCORM/internal/license"
	"github.com/donniecs/SunSCORM/internal/model"
	"github.com/donniecs/SunSCORM/internal/repository"
)

var (
	// ErrUnknownToken is returned when a token matches neither a learner
	// nor a grant.
	ErrUnknownToken = errors.New("unknown launch token")
	// ErrAssetNotFound is returned for paths missing from the package and
	// for stored archives that are gone or unreadable.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrEmailRequired is returned when a grant token is launched without
	// the learner's email. Seats are counted per email.
	ErrEmailRequired = errors.New("learner email required")
)

// archiveUnavailable reports whether err means the stored archive itself
// cannot be served.
func archiveUnavailable(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, contentcache.ErrArchiveUnreadable)
}

// DeniedError means the token is valid but access is refused. It is not
// retryable.
type DeniedError struct {
	Title  string
	Reason string
	Code   license.Code
}

func (e *DeniedError) Error() string { return e.Reason }

func unavailable() *DeniedError {
	return &DeniedError{Title: "Course Unavailable", Reason: "This course is no longer available."}
}

func denied(d *license.Decision) *DeniedError {
	title := "Access Denied"
	switch d.Code {
	case license.CodeExpired:
		title = "Course Expired"
	case license.CodeMaxUsers:
		title = "Maximum Users Reached"
	case license.CodeMaxCompletions:
		title = "Maximum Completions Reached"
	}
	return &DeniedError{Title: title, Reason: d.Reason, Code: d.Code}
}

// Delivery is a resolved launch.
type Delivery struct {
	Grant      *model.AccessGrant
	User       *model.GrantUser
	Package    *model.ContentPackage
	EntryPoint string
	// Redirect is set when a grant token was used; the caller should
	// continue at /launch/{Redirect}.
	Redirect string
}

// Asset is one file served from a package.
type Asset struct {
	Name        string
	ContentType string
	Data        []byte
}

// Service performs launches.
type Service struct {
	store    repository.Store
	resolver *license.Resolver
	cache    *contentcache.Cache
	log      *slog.Logger
	now      func() time.Time
}

// NewService builds a Service. now defaults to time.Now.
func NewService(store repository.Store, resolver *license.Resolver, cache *contentcache.Cache, log *slog.Logger, now func() time.Time) *Service {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, resolver: resolver, cache: cache, log: log, now: now}
}

// Launch resolves token. A learner token yields the course entry point. A
// grant token needs email; it provisions (or finds) that learner and
// returns a Redirect to the learner's token.
func (s *Service) Launch(ctx context.Context, token, email string) (*Delivery, error) {
	user, err := s.store.GetGrantUserByToken(ctx, token)
	switch {
	case err == nil:
		return s.launchUser(ctx, user)
	case errors.Is(err, repository.ErrNotFound):
		return s.launchGrant(ctx, token, email)
	default:
		return nil, fmt.Errorf("lookup token: %w", err)
	}
}

func (s *Service) launchUser(ctx context.Context, user *model.GrantUser) (*Delivery, error) {
	grant, pkg, org, err := s.records(ctx, user.GrantID)
	if err != nil {
		return nil, err
	}
	decision, err := s.resolver.Authorize(ctx, grant, org, true)
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}
	if !decision.Allowed {
		s.log.Info("launch denied", "grant", grant.ID, "user", user.ID, "code", decision.Code)
		return nil, denied(decision)
	}
	entry, err := s.entryPoint(ctx, pkg)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if user.LaunchedAt == nil {
		user.LaunchedAt = &now
	}
	user.LastAccessedAt = &now
	if err := s.store.UpdateGrantUser(ctx, user); err != nil {
		return nil, fmt.Errorf("record launch: %w", err)
	}
	s.log.Info("course launched", "grant", grant.ID, "user", user.ID, "package", pkg.ID)
	return &Delivery{Grant: grant, User: user, Package: pkg, EntryPoint: entry}, nil
}

func (s *Service) launchGrant(ctx context.Context, token, email string) (*Delivery, error) {
	grant, err := s.store.GetGrantByToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	grant, pkg, org, err := s.records(ctx, grant.ID)
	if err != nil {
		return nil, err
	}

	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrEmailRequired
	}
	u, err := s.store.FindGrantUserByEmail(ctx, grant.ID, email)
	if err == nil {
		return &Delivery{Grant: grant, User: u, Package: pkg, Redirect: u.Token}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup learner: %w", err)
	}

	decision, err := s.resolver.Authorize(ctx, grant, org, false)
	if err != nil {
		return nil, fmt.Errorf("authorize: %w", err)
	}
	if !decision.Allowed {
		s.log.Info("provisioning denied", "grant", grant.ID, "code", decision.Code)
		return nil, denied(decision)
	}
	u = &model.GrantUser{ID: uuid.NewString(), GrantID: grant.ID, Token: uuid.NewString(), Email: &email}
	if err := s.store.CreateGrantUser(ctx, u); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			if existing, ferr := s.store.FindGrantUserByEmail(ctx, grant.ID, email); ferr == nil {
				return &Delivery{Grant: grant, User: existing, Package: pkg, Redirect: existing.Token}, nil
			}
		}
		return nil, fmt.Errorf("provision learner: %w", err)
	}
	s.log.Info("learner provisioned", "grant", grant.ID, "user", u.ID)
	return &Delivery{Grant: grant, User: u, Package: pkg, Redirect: u.Token}, nil
}

// Asset serves rel from the package behind a learner token. Disabled and
// expired grants are refused on every request.
func (s *Service) Asset(ctx context.Context, token, rel string) (*Asset, error) {
	user, err := s.Learner(ctx, token)
	if err != nil {
		return nil, err
	}
	grant, pkg, org, err := s.records(ctx, user.GrantID)
	if err != nil {
		return nil, err
	}
	eff := license.Effective(license.OrganizationConstraints(org), license.GrantConstraints(grant))
	if eff.ExpiresAt != nil && s.now().After(*eff.ExpiresAt) {
		return nil, &DeniedError{Title: "Course Expired", Reason: "Dispatch has expired", Code: license.CodeExpired}
	}
	return s.readAsset(ctx, pkg, rel)
}

// Learner returns the learner for token.
func (s *Service) Learner(ctx context.Context, token string) (*model.GrantUser, error) {
	user, err := s.store.GetGrantUserByToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	return user, nil
}

// Preview resolves a package for an administrator without a grant.
func (s *Service) Preview(ctx context.Context, packageID string) (*Delivery, error) {
	pkg, err := s.store.GetPackage(ctx, packageID)
	if err != nil {
		return nil, fmt.Errorf("load package: %w", err)
	}
	entry, err := s.entryPoint(ctx, pkg)
	if err != nil {
		return nil, err
	}
	return &Delivery{Package: pkg, EntryPoint: entry}, nil
}

// PreviewAsset serves rel from a package for preview.
func (s *Service) PreviewAsset(ctx context.Context, packageID, rel string) (*Asset, error) {
	pkg, err := s.store.GetPackage(ctx, packageID)
	if err != nil {
		return nil, fmt.Errorf("load package: %w", err)
	}
	return s.readAsset(ctx, pkg, rel)
}

func (s *Service) entryPoint(ctx context.Context, pkg *model.ContentPackage) (string, error) {
	entry, err := s.cache.FindEntryPoint(ctx, pkg.StoragePath)
	if archiveUnavailable(err) {
		s.log.Error("package archive unavailable", "package", pkg.ID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrAssetNotFound, err)
	}
	if err != nil {
		return "", fmt.Errorf("find entry point: %w", err)
	}
	return entry, nil
}

func (s *Service) readAsset(ctx context.Context, pkg *model.ContentPackage, rel string) (*Asset, error) {
	data, err := s.cache.ReadFile(ctx, pkg.StoragePath, rel)
	if errors.Is(err, contentcache.ErrFileNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, rel)
	}
	if archiveUnavailable(err) {
		s.log.Error("package archive unavailable", "package", pkg.ID, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrAssetNotFound, rel, err)
	}
	if err != nil {
		return nil, fmt.Errorf("read asset: %w", err)
	}
	return &Asset{Name: rel, ContentType: ContentType(rel), Data: data}, nil
}

// records loads the grant with its package and organization and applies
// the disabled checks.
func (s *Service) records(ctx context.Context, grantID string) (*model.AccessGrant, *model.ContentPackage, *model.Organization, error) {
	grant, err := s.store.GetGrant(ctx, grantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, nil, ErrUnknownToken
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load grant: %w", err)
	}
	if grant.Disabled {
		return nil, nil, nil, unavailable()
	}
	pkg, err := s.store.GetPackage(ctx, grant.PackageID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load package: %w", err)
	}
	if pkg.Disabled {
		return nil, nil, nil, unavailable()
	}
	org, err := s.store.GetOrganization(ctx, grant.OrganizationID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load organization: %w", err)
	}
	return grant, pkg, org, nil
}
