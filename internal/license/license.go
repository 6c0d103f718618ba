// Package license decides whether a learner may use an access grant. The
// owning organization's ceilings override the grant's own limits whenever
// they are set.
package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/donniecs/SunSCORM/internal/model"
	"github.com/donniecs/SunSCORM/internal/repository"
)

// Records is the part of the record store the resolver reads.
type Records interface {
	GetGrant(ctx context.Context, id string) (*model.AccessGrant, error)
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	FindGrantUserByEmail(ctx context.Context, grantID, email string) (*model.GrantUser, error)
	GrantUsage(ctx context.Context, grantID string) (repository.Usage, error)
	OrganizationUsage(ctx context.Context, organizationID string) (repository.Usage, error)
}

// Constraints are optional limits. A nil field is unlimited; zero is a
// real limit that admits nobody.
type Constraints struct {
	MaxUsers       *int       `json:"maxUsers"`
	MaxCompletions *int       `json:"maxCompletions"`
	ExpiresAt      *time.Time `json:"expiresAt"`
}

// GrantConstraints extracts the grant's own limits.
func GrantConstraints(g *model.AccessGrant) Constraints {
	return Constraints{MaxUsers: g.MaxUsers, MaxCompletions: g.MaxCompletions, ExpiresAt: g.ExpiresAt}
}

// OrganizationConstraints extracts the organization's ceilings.
func OrganizationConstraints(o *model.Organization) Constraints {
	return Constraints{MaxUsers: o.MaxDispatchUsers, MaxCompletions: o.MaxCompletions, ExpiresAt: o.GlobalExpiration}
}

// Effective applies the override rule per dimension: the organization value
// whenever it is set, otherwise the grant value.
func Effective(org, grant Constraints) Constraints {
	out := grant
	if org.MaxUsers != nil {
		out.MaxUsers = org.MaxUsers
	}
	if org.MaxCompletions != nil {
		out.MaxCompletions = org.MaxCompletions
	}
	if org.ExpiresAt != nil {
		out.ExpiresAt = org.ExpiresAt
	}
	return out
}

// Code identifies why access was denied.
type Code string

const (
	CodeExpired        Code = "expired"
	CodeMaxUsers       Code = "max_users"
	CodeMaxCompletions Code = "max_completions"
)

// Levels reports constraints at each level and the result of the override.
type Levels struct {
	Grant        Constraints `json:"dispatch"`
	Organization Constraints `json:"organization"`
	Effective    Constraints `json:"effective"`
}

// UsageReport carries both scopes plus the ones the checks used.
type UsageReport struct {
	UniqueUsers  int              `json:"uniqueUsers"`
	Completions  int              `json:"totalCompletions"`
	Grant        repository.Usage `json:"dispatchStats"`
	Organization repository.Usage `json:"organizationStats"`
}

// Decision is the outcome of an access check.
type Decision struct {
	Allowed     bool        `json:"allowed"`
	Reason      string      `json:"reason,omitempty"`
	Code        Code        `json:"code,omitempty"`
	Constraints Levels      `json:"constraints"`
	Usage       UsageReport `json:"usage"`
}

// ConstraintError rejects a grant whose limits are looser than the
// organization allows.
type ConstraintError struct {
	Organization string
	Field        string
	Message      string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("organization %s: %s", e.Organization, e.Message)
}

// Resolver evaluates grants against live usage.
type Resolver struct {
	records Records
	now     func() time.Time
}

// NewResolver builds a Resolver; now defaults to time.Now.
func NewResolver(records Records, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{records: records, now: now}
}

// CanAccess checks whether the learner identified by email may use grantID.
// An empty email is treated as a new anonymous learner.
func (r *Resolver) CanAccess(ctx context.Context, grantID, email string) (*Decision, error) {
	grant, org, err := r.load(ctx, grantID)
	if err != nil {
		return nil, err
	}
	existing := false
	if email != "" {
		_, err := r.records.FindGrantUserByEmail(ctx, grant.ID, email)
		switch {
		case err == nil:
			existing = true
		case !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("lookup grant user: %w", err)
		}
	}
	return r.Authorize(ctx, grant, org, existing)
}

// Authorize evaluates already loaded records. existing reports whether the
// learner already holds a seat under the grant.
func (r *Resolver) Authorize(ctx context.Context, grant *model.AccessGrant, org *model.Organization, existing bool) (*Decision, error) {
	d, err := r.describe(ctx, grant, org)
	if err != nil {
		return nil, err
	}
	eff := d.Constraints.Effective
	orgLevel := d.Constraints.Organization

	if eff.ExpiresAt != nil && r.now().After(*eff.ExpiresAt) {
		return d.deny(CodeExpired, "Dispatch has expired"), nil
	}

	if !existing && eff.MaxUsers != nil {
		used := d.Usage.Grant.UniqueUsers
		if orgLevel.MaxUsers != nil {
			used = d.Usage.Organization.UniqueUsers
		}
		if used >= *eff.MaxUsers {
			return d.deny(CodeMaxUsers, fmt.Sprintf("Maximum users exceeded (%d allowed)", *eff.MaxUsers)), nil
		}
	}

	if eff.MaxCompletions != nil {
		done := d.Usage.Grant.Completions
		if orgLevel.MaxCompletions != nil {
			done = d.Usage.Organization.Completions
		}
		if done >= *eff.MaxCompletions {
			return d.deny(CodeMaxCompletions, fmt.Sprintf("Maximum completions exceeded (%d allowed)", *eff.MaxCompletions)), nil
		}
	}

	d.Allowed = true
	return d, nil
}

// Info reports constraints and usage for a grant without deciding.
func (r *Resolver) Info(ctx context.Context, grantID string) (*Decision, error) {
	grant, org, err := r.load(ctx, grantID)
	if err != nil {
		return nil, err
	}
	d, err := r.describe(ctx, grant, org)
	if err != nil {
		return nil, err
	}
	d.Allowed = true
	return d, nil
}

// ValidateNewGrant rejects proposed limits that are more permissive than
// a ceiling the organization already sets.
func (r *Resolver) ValidateNewGrant(ctx context.Context, organizationID string, proposed Constraints) error {
	org, err := r.records.GetOrganization(ctx, organizationID)
	if err != nil {
		return fmt.Errorf("load organization: %w", err)
	}
	name := org.Name
	if name == "" {
		name = org.ID
	}
	if org.MaxDispatchUsers != nil && proposed.MaxUsers != nil && *proposed.MaxUsers > *org.MaxDispatchUsers {
		return &ConstraintError{Organization: name, Field: "maxUsers",
			Message: fmt.Sprintf("grant max users (%d) cannot exceed organization limit (%d)", *proposed.MaxUsers, *org.MaxDispatchUsers)}
	}
	if org.MaxCompletions != nil && proposed.MaxCompletions != nil && *proposed.MaxCompletions > *org.MaxCompletions {
		return &ConstraintError{Organization: name, Field: "maxCompletions",
			Message: fmt.Sprintf("grant max completions (%d) cannot exceed organization limit (%d)", *proposed.MaxCompletions, *org.MaxCompletions)}
	}
	if org.GlobalExpiration != nil && proposed.ExpiresAt != nil && proposed.ExpiresAt.After(*org.GlobalExpiration) {
		return &ConstraintError{Organization: name, Field: "expiresAt",
			Message: fmt.Sprintf("grant expiration cannot be later than organization expiration (%s)", org.GlobalExpiration.UTC().Format(time.RFC3339))}
	}
	return nil
}

func (r *Resolver) load(ctx context.Context, grantID string) (*model.AccessGrant, *model.Organization, error) {
	grant, err := r.records.GetGrant(ctx, grantID)
	if err != nil {
		return nil, nil, fmt.Errorf("load grant: %w", err)
	}
	org, err := r.records.GetOrganization(ctx, grant.OrganizationID)
	if err != nil {
		return nil, nil, fmt.Errorf("load organization: %w", err)
	}
	return grant, org, nil
}

func (r *Resolver) describe(ctx context.Context, grant *model.AccessGrant, org *model.Organization) (*Decision, error) {
	grantUsage, err := r.records.GrantUsage(ctx, grant.ID)
	if err != nil {
		return nil, fmt.Errorf("grant usage: %w", err)
	}
	orgUsage, err := r.records.OrganizationUsage(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("organization usage: %w", err)
	}
	gc, oc := GrantConstraints(grant), OrganizationConstraints(org)
	return &Decision{
		Constraints: Levels{Grant: gc, Organization: oc, Effective: Effective(oc, gc)},
		Usage: UsageReport{
			UniqueUsers:  orgUsage.UniqueUsers,
			Completions:  orgUsage.Completions,
			Grant:        grantUsage,
			Organization: orgUsage,
		},
	}, nil
}

func (d *Decision) deny(code Code, reason string) *Decision {
	d.Allowed = false
	d.Code = code
	d.Reason = reason
	return d
}
