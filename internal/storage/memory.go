// Package storage contains the in-memory record store used in development
// mode and tests. It honours the same uniqueness rules as the PostgreSQL
// schema.
package storage

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/donniecs/SunSCORM/internal/model"
	"github.com/donniecs/SunSCORM/internal/repository"
)

// MemoryStore implements repository.Store with maps guarded by an RWMutex.
type MemoryStore struct {
	mu         sync.RWMutex
	packages   map[string]*model.ContentPackage
	orgs       map[string]*model.Organization
	grants     map[string]*model.AccessGrant
	users      map[string]*model.GrantUser
	statements []*model.Statement
	now        func() time.Time
}

var _ repository.Store = (*MemoryStore)(nil)

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		packages: make(map[string]*model.ContentPackage),
		orgs:     make(map[string]*model.Organization),
		grants:   make(map[string]*model.AccessGrant),
		users:    make(map[string]*model.GrantUser),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreatePackage(_ context.Context, p *model.ContentPackage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.packages[p.ID]; ok {
		return repository.ErrDuplicate
	}
	now := m.now()
	p.CreatedAt, p.UpdatedAt = now, now
	m.packages[p.ID] = clonePackage(p)
	return nil
}

func (m *MemoryStore) GetPackage(_ context.Context, id string) (*model.ContentPackage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.packages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clonePackage(p), nil
}

func (m *MemoryStore) UpdatePackage(_ context.Context, p *model.ContentPackage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.packages[p.ID]
	if !ok {
		return repository.ErrNotFound
	}
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = m.now()
	m.packages[p.ID] = clonePackage(p)
	return nil
}

func (m *MemoryStore) CountActiveGrantsForPackage(_ context.Context, packageID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, g := range m.grants {
		if g.PackageID == packageID && !g.Disabled {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateOrganization(_ context.Context, o *model.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[o.ID]; ok {
		return repository.ErrDuplicate
	}
	now := m.now()
	o.CreatedAt, o.UpdatedAt = now, now
	cp := *o
	m.orgs[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrganization(_ context.Context, id string) (*model.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orgs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) CreateGrant(_ context.Context, g *model.AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[g.ID]; ok {
		return repository.ErrDuplicate
	}
	for _, other := range m.grants {
		if other.Token == g.Token {
			return repository.ErrDuplicate
		}
		if !g.Disabled && !other.Disabled && other.PackageID == g.PackageID && other.OrganizationID == g.OrganizationID {
			return repository.ErrDuplicate
		}
	}
	now := m.now()
	g.CreatedAt, g.UpdatedAt = now, now
	cp := *g
	m.grants[g.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGrant(_ context.Context, id string) (*model.AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) GetGrantByToken(_ context.Context, token string) (*model.AccessGrant, error) {
	return m.findGrant(func(g *model.AccessGrant) bool { return g.Token == token })
}

func (m *MemoryStore) FindActiveGrant(_ context.Context, packageID, organizationID string) (*model.AccessGrant, error) {
	return m.findGrant(func(g *model.AccessGrant) bool {
		return !g.Disabled && g.PackageID == packageID && g.OrganizationID == organizationID
	})
}

func (m *MemoryStore) findGrant(match func(*model.AccessGrant) bool) (*model.AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.grants {
		if match(g) {
			cp := *g
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *MemoryStore) UpdateGrant(_ context.Context, g *model.AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.grants[g.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if old.Disabled && !g.Disabled {
		for _, other := range m.grants {
			if other.ID != g.ID && !other.Disabled && other.PackageID == g.PackageID && other.OrganizationID == g.OrganizationID {
				return repository.ErrDuplicate
			}
		}
	}
	g.CreatedAt = old.CreatedAt
	g.UpdatedAt = m.now()
	cp := *g
	m.grants[g.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateGrantUser(_ context.Context, u *model.GrantUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return repository.ErrDuplicate
	}
	for _, other := range m.users {
		if other.Token == u.Token {
			return repository.ErrDuplicate
		}
		if u.Email != nil && other.GrantID == u.GrantID && sameEmail(other.Email, *u.Email) {
			return repository.ErrDuplicate
		}
	}
	u.CreatedAt = m.now()
	m.users[u.ID] = cloneUser(u)
	return nil
}

func (m *MemoryStore) GetGrantUserByToken(_ context.Context, token string) (*model.GrantUser, error) {
	return m.findUser(func(u *model.GrantUser) bool { return u.Token == token })
}

func (m *MemoryStore) FindGrantUserByEmail(_ context.Context, grantID, email string) (*model.GrantUser, error) {
	email = strings.TrimSpace(email)
	return m.findUser(func(u *model.GrantUser) bool { return u.GrantID == grantID && sameEmail(u.Email, email) })
}

func (m *MemoryStore) findUser(match func(*model.GrantUser) bool) (*model.GrantUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			return cloneUser(u), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *MemoryStore) UpdateGrantUser(_ context.Context, u *model.GrantUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.users[u.ID]
	if !ok {
		return repository.ErrNotFound
	}
	u.CreatedAt = old.CreatedAt
	m.users[u.ID] = cloneUser(u)
	return nil
}

func (m *MemoryStore) GrantUsage(_ context.Context, grantID string) (repository.Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage(func(u *model.GrantUser) bool { return u.GrantID == grantID }), nil
}

func (m *MemoryStore) OrganizationUsage(_ context.Context, organizationID string) (repository.Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage(func(u *model.GrantUser) bool {
		g, ok := m.grants[u.GrantID]
		return ok && g.OrganizationID == organizationID && !g.Disabled
	}), nil
}

// usage must be called with the read lock held.
func (m *MemoryStore) usage(include func(*model.GrantUser) bool) repository.Usage {
	var out repository.Usage
	emails := make(map[string]struct{})
	for _, u := range m.users {
		if !include(u) {
			continue
		}
		if u.Email != nil {
			emails[strings.ToLower(*u.Email)] = struct{}{}
		}
		if u.CompletedAt != nil {
			out.Completions++
		}
	}
	out.UniqueUsers = len(emails)
	return out
}

func (m *MemoryStore) CreateStatement(_ context.Context, s *model.Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Stored = m.now()
	if s.Timestamp.IsZero() {
		s.Timestamp = s.Stored
	}
	cp := *s
	m.statements = append(m.statements, &cp)
	return nil
}

// Statements returns stored statements for a grant, oldest first.
func (m *MemoryStore) Statements(grantID string) []model.Statement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Statement
	for _, s := range m.statements {
		if s.GrantID == grantID {
			out = append(out, *s)
		}
	}
	return out
}

func sameEmail(stored *string, email string) bool {
	return stored != nil && strings.EqualFold(*stored, email)
}

func clonePackage(p *model.ContentPackage) *model.ContentPackage {
	cp := *p
	cp.Tags = append([]string(nil), p.Tags...)
	return &cp
}

func cloneUser(u *model.GrantUser) *model.GrantUser {
	cp := *u
	if u.Progress != nil {
		cp.Progress = append(json.RawMessage(nil), u.Progress...)
	}
	return &cp
}
