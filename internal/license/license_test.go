package license

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donniecs/SunSCORM/internal/model"
	"github.com/donniecs/SunSCORM/internal/repository"
	"github.com/donniecs/SunSCORM/internal/storage"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type fixture struct {
	store    *storage.MemoryStore
	resolver *Resolver
	seq      int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := storage.NewMemoryStore()
	return &fixture{store: s, resolver: NewResolver(s, func() time.Time { return now })}
}

func (f *fixture) org(t *testing.T, o model.Organization) *model.Organization {
	t.Helper()
	if o.ID == "" {
		o.ID = "org"
	}
	require.NoError(t, f.store.CreateOrganization(context.Background(), &o))
	return &o
}

func (f *fixture) grant(t *testing.T, g model.AccessGrant) *model.AccessGrant {
	t.Helper()
	f.seq++
	if g.ID == "" {
		g.ID = fmt.Sprintf("g%d", f.seq)
	}
	if g.PackageID == "" {
		g.PackageID = "pkg-" + g.ID
	}
	if g.OrganizationID == "" {
		g.OrganizationID = "org"
	}
	g.Token = "tok-" + g.ID
	require.NoError(t, f.store.CreateGrant(context.Background(), &g))
	return &g
}

func (f *fixture) users(t *testing.T, grantID string, n int, completed int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.seq++
		u := &model.GrantUser{
			ID:      fmt.Sprintf("u%d", f.seq),
			GrantID: grantID,
			Token:   fmt.Sprintf("ut%d", f.seq),
			Email:   ptr(fmt.Sprintf("learner%d@example.com", f.seq)),
		}
		if i < completed {
			u.CompletedAt = ptr(now.Add(-time.Hour))
		}
		require.NoError(t, f.store.CreateGrantUser(context.Background(), u))
	}
}

func TestEffectiveOrganizationOverrides(t *testing.T) {
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	grant := Constraints{MaxUsers: ptr(5), MaxCompletions: ptr(3), ExpiresAt: &past}

	got := Effective(Constraints{}, grant)
	assert.Equal(t, grant, got)

	got = Effective(Constraints{MaxUsers: ptr(50), ExpiresAt: &future}, grant)
	assert.Equal(t, 50, *got.MaxUsers, "a looser organization value still wins")
	assert.Equal(t, 3, *got.MaxCompletions)
	assert.Equal(t, future, *got.ExpiresAt)

	got = Effective(Constraints{MaxCompletions: ptr(0)}, Constraints{})
	assert.Equal(t, 0, *got.MaxCompletions)
	assert.Nil(t, got.MaxUsers)
}

func TestOrganizationUserCeilingCountsAcrossGrants(t *testing.T) {
	f := newFixture(t)
	f.org(t, model.Organization{MaxDispatchUsers: ptr(2)})
	a := f.grant(t, model.AccessGrant{MaxUsers: ptr(10)})
	b := f.grant(t, model.AccessGrant{})
	f.users(t, a.ID, 1, 0)
	f.users(t, b.ID, 1, 0)

	d, err := f.resolver.CanAccess(context.Background(), a.ID, "newcomer@example.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeMaxUsers, d.Code)
	assert.Equal(t, "Maximum users exceeded (2 allowed)", d.Reason)
	assert.Equal(t, 2, d.Usage.Organization.UniqueUsers)
	assert.Equal(t, 1, d.Usage.Grant.UniqueUsers)

	// A learner who already holds a seat is never blocked by the user limit.
	existing := fmt.Sprintf("learner%d@example.com", 3)
	d, err = f.resolver.CanAccess(context.Background(), a.ID, existing)
	require.NoError(t, err)
	assert.True(t, d.Allowed, d.Reason)
}

func TestDisabledGrantsLeaveOrganizationScope(t *testing.T) {
	f := newFixture(t)
	f.org(t, model.Organization{MaxDispatchUsers: ptr(2)})
	a := f.grant(t, model.AccessGrant{})
	old := f.grant(t, model.AccessGrant{Disabled: true})
	f.users(t, a.ID, 1, 0)
	f.users(t, old.ID, 5, 0)

	d, err := f.resolver.CanAccess(context.Background(), a.ID, "new@example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGrantLocalUserLimit(t *testing.T) {
	f := newFixture(t)
	f.org(t, model.Organization{})
	a := f.grant(t, model.AccessGrant{MaxUsers: ptr(2)})
	b := f.grant(t, model.AccessGrant{})
	f.users(t, a.ID, 1, 0)
	f.users(t, b.ID, 10, 0)

	d, err := f.resolver.CanAccess(context.Background(), a.ID, "new@example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "other grants do not count without an organization ceiling")

	f.users(t, a.ID, 1, 0)
	d, err = f.resolver.CanAccess(context.Background(), a.ID, "new@example.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeMaxUsers, d.Code)
}

func TestExpiredGrantDeniesRegardlessOfUsage(t *testing.T) {
	f := newFixture(t)
	f.org(t, model.Organization{})
	g := f.grant(t, model.AccessGrant{ExpiresAt: ptr(now.Add(-time.Minute))})

	d, err := f.resolver.CanAccess(context.Background(), g.ID, "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeExpired, d.Code)
	assert.Contains(t, d.Reason, "expired")
}

func TestOrganizationExpirationOverridesGrant(t *testing.T) {
	f := newFixture(t)
	f.org(t, model.Organization{GlobalExpiration: ptr(now.Add(24 * time.Hour))})
	g := f.grant(t, model.AccessGrant{ExpiresAt: ptr(now.Add(-time.Minute))})

	d, err := f.resolver.CanAccess(context.Background(), g.ID, "a@example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, now.Add(24*time.Hour), *d.Constraints.Effective.ExpiresAt)
}

func TestCompletionLimitAppliesToExistingUsers(t *testing.T) {
	f := newFixture(t)
	f.org(t, model.Organization{})
	g := f.grant(t, model.AccessGrant{MaxCompletions: ptr(1)})
	f.users(t, g.ID, 1, 1)
	existing := fmt.Sprintf("learner%d@example.com", 2)

	d, err := f.resolver.CanAccess(context.Background(), g.ID, existing)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeMaxCompletions, d.Code)
	assert.Equal(t, "Maximum completions exceeded (1 allowed)", d.Reason)
}

func TestZeroLimitIsEnforced(t *testing.T) {
	f := newFixture(t)
	f.org(t, model.Organization{})
	g := f.grant(t, model.AccessGrant{MaxUsers: ptr(0)})

	d, err := f.resolver.CanAccess(context.Background(), g.ID, "a@example.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCanAccessMissingRecords(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.CanAccess(context.Background(), "nope", "a@example.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	g := f.grant(t, model.AccessGrant{OrganizationID: "ghost-org"})
	_, err = f.resolver.CanAccess(context.Background(), g.ID, "a@example.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestInfoReportsLevels(t *testing.T) {
	f := newFixture(t)
	f.org(t, model.Organization{MaxCompletions: ptr(7)})
	g := f.grant(t, model.AccessGrant{MaxUsers: ptr(3), ExpiresAt: ptr(now.Add(-time.Hour))})
	f.users(t, g.ID, 2, 1)

	d, err := f.resolver.Info(context.Background(), g.ID)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, *d.Constraints.Effective.MaxUsers)
	assert.Equal(t, 7, *d.Constraints.Effective.MaxCompletions)
	assert.Equal(t, repository.Usage{UniqueUsers: 2, Completions: 1}, d.Usage.Grant)
}

func TestValidateNewGrant(t *testing.T) {
	f := newFixture(t)
	limit := now.Add(30 * 24 * time.Hour)
	f.org(t, model.Organization{Name: "Acme", MaxDispatchUsers: ptr(10), MaxCompletions: ptr(5), GlobalExpiration: &limit})
	ctx := context.Background()

	require.NoError(t, f.resolver.ValidateNewGrant(ctx, "org", Constraints{}))
	require.NoError(t, f.resolver.ValidateNewGrant(ctx, "org", Constraints{MaxUsers: ptr(10), MaxCompletions: ptr(1), ExpiresAt: &limit}))

	tests := []struct {
		field string
		c     Constraints
	}{
		{"maxUsers", Constraints{MaxUsers: ptr(11)}},
		{"maxCompletions", Constraints{MaxCompletions: ptr(6)}},
		{"expiresAt", Constraints{ExpiresAt: ptr(limit.Add(time.Second))}},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			err := f.resolver.ValidateNewGrant(ctx, "org", tt.c)
			var ce *ConstraintError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
			assert.Contains(t, err.Error(), "Acme")
		})
	}

	err := f.resolver.ValidateNewGrant(ctx, "missing", Constraints{})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

// Tightening an organization ceiling that is already set never turns a
// deny into an allow.
func TestTighteningOrganizationCeilingIsMonotonic(t *testing.T) {
	for users := 0; users <= 4; users++ {
		for completions := 0; completions <= users; completions++ {
			for limit := 0; limit <= 5; limit++ {
				for _, existing := range []bool{false, true} {
					loose := decide(t, users, completions, limit, existing)
					for tighter := 0; tighter <= limit; tighter++ {
						strict := decide(t, users, completions, tighter, existing)
						if !loose {
							assert.False(t, strict, "users=%d completions=%d limit=%d->%d existing=%v",
								users, completions, limit, tighter, existing)
						}
					}
				}
			}
		}
	}
}

func decide(t *testing.T, users, completions, limit int, existing bool) bool {
	t.Helper()
	grant := &model.AccessGrant{ID: "g", OrganizationID: "o", MaxUsers: ptr(3)}
	org := &model.Organization{ID: "o", MaxDispatchUsers: ptr(limit), MaxCompletions: ptr(limit)}
	r := NewResolver(staticUsage{repository.Usage{UniqueUsers: users, Completions: completions}}, func() time.Time { return now })
	d, err := r.Authorize(context.Background(), grant, org, existing)
	require.NoError(t, err)
	return d.Allowed
}

type staticUsage struct{ u repository.Usage }

func (s staticUsage) GetGrant(context.Context, string) (*model.AccessGrant, error) {
	return nil, repository.ErrNotFound
}

func (s staticUsage) GetOrganization(context.Context, string) (*model.Organization, error) {
	return nil, repository.ErrNotFound
}

func (s staticUsage) FindGrantUserByEmail(context.Context, string, string) (*model.GrantUser, error) {
	return nil, repository.ErrNotFound
}

func (s staticUsage) GrantUsage(context.Context, string) (repository.Usage, error) { return s.u, nil }

func (s staticUsage) OrganizationUsage(context.Context, string) (repository.Usage, error) {
	return s.u, nil
}
