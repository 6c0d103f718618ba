package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/donniecs/SunSCORM/internal/model"
)

const uniqueViolation = "23505"

// PostgresRepository implements Store with hand written SQL.
type PostgresRepository struct {
	db  DBTX
	now func() time.Time
}

// NewPostgresRepository wraps db.
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func wrap(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func mustAffect(op string, res sql.Result, err error) error {
	if err != nil {
		return wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreatePackage inserts a package row.
func (r *PostgresRepository) CreatePackage(ctx context.Context, p *model.ContentPackage) error {
	now := r.now()
	p.CreatedAt, p.UpdatedAt = now, now
	tags, err := json.Marshal(nonNilTags(p.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO packages (id, title, description, version, standard, entry_point, file_name, file_size,
			checksum, storage_path, tags, owner_id, organization_id, disabled, deleted_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		p.ID, p.Title, p.Description, p.Version, p.Standard, p.EntryPoint, p.FileName, p.FileSize,
		p.Checksum, p.StoragePath, tags, p.OwnerID, nullString(p.OrganizationID), p.Disabled, p.DeletedAt,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return wrap("insert package", err)
	}
	return nil
}

const packageColumns = `id, title, description, version, standard, entry_point, file_name, file_size,
	checksum, storage_path, tags, owner_id, COALESCE(organization_id, ''), disabled, deleted_at, created_at, updated_at`

// GetPackage returns a package by id.
func (r *PostgresRepository) GetPackage(ctx context.Context, id string) (*model.ContentPackage, error) {
	var (
		p    model.ContentPackage
		tags []byte
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = $1`, id).Scan(
		&p.ID, &p.Title, &p.Description, &p.Version, &p.Standard, &p.EntryPoint, &p.FileName, &p.FileSize,
		&p.Checksum, &p.StoragePath, &tags, &p.OwnerID, &p.OrganizationID, &p.Disabled, &p.DeletedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, wrap("select package", err)
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &p.Tags); err != nil {
			return nil, fmt.Errorf("decode package tags: %w", err)
		}
	}
	return &p, nil
}

// UpdatePackage rewrites the mutable package columns.
func (r *PostgresRepository) UpdatePackage(ctx context.Context, p *model.ContentPackage) error {
	p.UpdatedAt = r.now()
	tags, err := json.Marshal(nonNilTags(p.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE packages SET title=$1, description=$2, version=$3, standard=$4, entry_point=$5, file_name=$6,
			file_size=$7, checksum=$8, storage_path=$9, tags=$10, disabled=$11, deleted_at=$12, updated_at=$13
		WHERE id=$14`,
		p.Title, p.Description, p.Version, p.Standard, p.EntryPoint, p.FileName, p.FileSize, p.Checksum,
		p.StoragePath, tags, p.Disabled, p.DeletedAt, p.UpdatedAt, p.ID)
	return mustAffect("update package", res, err)
}

// CountActiveGrantsForPackage counts non-disabled grants for a package.
func (r *PostgresRepository) CountActiveGrantsForPackage(ctx context.Context, packageID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM grants WHERE package_id = $1 AND NOT disabled`, packageID).Scan(&n)
	if err != nil {
		return 0, wrap("count grants", err)
	}
	return n, nil
}

// CreateOrganization inserts an organization row.
func (r *PostgresRepository) CreateOrganization(ctx context.Context, o *model.Organization) error {
	now := r.now()
	o.CreatedAt, o.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, max_dispatch_users, max_completions, global_expiration, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		o.ID, o.Name, o.MaxDispatchUsers, o.MaxCompletions, o.GlobalExpiration, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return wrap("insert organization", err)
	}
	return nil
}

// GetOrganization returns an organization by id.
func (r *PostgresRepository) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	var (
		o                        model.Organization
		maxUsers, maxCompletions sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, max_dispatch_users, max_completions, global_expiration, created_at, updated_at
		FROM organizations WHERE id = $1`, id).Scan(
		&o.ID, &o.Name, &maxUsers, &maxCompletions, &o.GlobalExpiration, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, wrap("select organization", err)
	}
	o.MaxDispatchUsers = intPtr(maxUsers)
	o.MaxCompletions = intPtr(maxCompletions)
	return &o, nil
}

// CreateGrant inserts a grant. A second active grant for the same package
// and organization fails with ErrDuplicate.
func (r *PostgresRepository) CreateGrant(ctx context.Context, g *model.AccessGrant) error {
	now := r.now()
	g.CreatedAt, g.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO grants (id, package_id, organization_id, name, token, max_users, max_completions, expires_at,
			status, disabled, deleted_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		g.ID, g.PackageID, g.OrganizationID, g.Name, g.Token, g.MaxUsers, g.MaxCompletions, g.ExpiresAt,
		g.Status, g.Disabled, g.DeletedAt, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return wrap("insert grant", err)
	}
	return nil
}

const grantColumns = `id, package_id, organization_id, name, token, max_users, max_completions, expires_at,
	status, disabled, deleted_at, created_at, updated_at`

func (r *PostgresRepository) getGrant(ctx context.Context, where string, args ...any) (*model.AccessGrant, error) {
	var (
		g                        model.AccessGrant
		maxUsers, maxCompletions sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE `+where, args...).Scan(
		&g.ID, &g.PackageID, &g.OrganizationID, &g.Name, &g.Token, &maxUsers, &maxCompletions, &g.ExpiresAt,
		&g.Status, &g.Disabled, &g.DeletedAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, wrap("select grant", err)
	}
	g.MaxUsers = intPtr(maxUsers)
	g.MaxCompletions = intPtr(maxCompletions)
	return &g, nil
}

// GetGrant returns a grant by id.
func (r *PostgresRepository) GetGrant(ctx context.Context, id string) (*model.AccessGrant, error) {
	return r.getGrant(ctx, `id = $1`, id)
}

// GetGrantByToken returns the grant owning a delivery token.
func (r *PostgresRepository) GetGrantByToken(ctx context.Context, token string) (*model.AccessGrant, error) {
	return r.getGrant(ctx, `token = $1`, token)
}

// FindActiveGrant returns the non-disabled grant for a package and
// organization.
func (r *PostgresRepository) FindActiveGrant(ctx context.Context, packageID, organizationID string) (*model.AccessGrant, error) {
	return r.getGrant(ctx, `package_id = $1 AND organization_id = $2 AND NOT disabled`, packageID, organizationID)
}

// UpdateGrant rewrites the mutable grant columns.
func (r *PostgresRepository) UpdateGrant(ctx context.Context, g *model.AccessGrant) error {
	g.UpdatedAt = r.now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE grants SET name=$1, max_users=$2, max_completions=$3, expires_at=$4, status=$5, disabled=$6,
			deleted_at=$7, updated_at=$8
		WHERE id=$9`,
		g.Name, g.MaxUsers, g.MaxCompletions, g.ExpiresAt, g.Status, g.Disabled, g.DeletedAt, g.UpdatedAt, g.ID)
	return mustAffect("update grant", res, err)
}

// CreateGrantUser inserts a grant user.
func (r *PostgresRepository) CreateGrantUser(ctx context.Context, u *model.GrantUser) error {
	u.CreatedAt = r.now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO grant_users (id, grant_id, email, token, launched_at, last_accessed_at, completed_at, progress, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		u.ID, u.GrantID, u.Email, u.Token, u.LaunchedAt, u.LastAccessedAt, u.CompletedAt, nullJSON(u.Progress), u.CreatedAt)
	if err != nil {
		return wrap("insert grant user", err)
	}
	return nil
}

const grantUserColumns = `id, grant_id, email, token, launched_at, last_accessed_at, completed_at, progress, created_at`

func (r *PostgresRepository) getGrantUser(ctx context.Context, where string, args ...any) (*model.GrantUser, error) {
	var (
		u        model.GrantUser
		email    sql.NullString
		progress []byte
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+grantUserColumns+` FROM grant_users WHERE `+where, args...).Scan(
		&u.ID, &u.GrantID, &email, &u.Token, &u.LaunchedAt, &u.LastAccessedAt, &u.CompletedAt, &progress, &u.CreatedAt)
	if err != nil {
		return nil, wrap("select grant user", err)
	}
	if email.Valid {
		u.Email = &email.String
	}
	if len(progress) > 0 {
		u.Progress = json.RawMessage(progress)
	}
	return &u, nil
}

// GetGrantUserByToken returns the user owning a per-user token.
func (r *PostgresRepository) GetGrantUserByToken(ctx context.Context, token string) (*model.GrantUser, error) {
	return r.getGrantUser(ctx, `token = $1`, token)
}

// FindGrantUserByEmail matches email case-insensitively within a grant.
func (r *PostgresRepository) FindGrantUserByEmail(ctx context.Context, grantID, email string) (*model.GrantUser, error) {
	return r.getGrantUser(ctx, `grant_id = $1 AND lower(email) = lower($2)`, grantID, strings.TrimSpace(email))
}

// UpdateGrantUser rewrites timestamps and progress.
func (r *PostgresRepository) UpdateGrantUser(ctx context.Context, u *model.GrantUser) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE grant_users SET email=$1, launched_at=$2, last_accessed_at=$3, completed_at=$4, progress=$5
		WHERE id=$6`,
		u.Email, u.LaunchedAt, u.LastAccessedAt, u.CompletedAt, nullJSON(u.Progress), u.ID)
	return mustAffect("update grant user", res, err)
}

// GrantUsage counts distinct emails and completions within one grant.
func (r *PostgresRepository) GrantUsage(ctx context.Context, grantID string) (Usage, error) {
	var u Usage
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT lower(email)), COUNT(completed_at)
		FROM grant_users WHERE grant_id = $1`, grantID).Scan(&u.UniqueUsers, &u.Completions)
	if err != nil {
		return Usage{}, wrap("grant usage", err)
	}
	return u, nil
}

// OrganizationUsage counts across the organization's non-disabled grants.
func (r *PostgresRepository) OrganizationUsage(ctx context.Context, organizationID string) (Usage, error) {
	var u Usage
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT lower(u.email)), COUNT(u.completed_at)
		FROM grant_users u JOIN grants g ON g.id = u.grant_id
		WHERE g.organization_id = $1 AND NOT g.disabled`, organizationID).Scan(&u.UniqueUsers, &u.Completions)
	if err != nil {
		return Usage{}, wrap("organization usage", err)
	}
	return u, nil
}

// CreateStatement stores a learning record statement.
func (r *PostgresRepository) CreateStatement(ctx context.Context, s *model.Statement) error {
	s.Stored = r.now()
	if s.Timestamp.IsZero() {
		s.Timestamp = s.Stored
	}
	result, err := marshalMap(s.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	sctx, err := marshalMap(s.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO statements (id, grant_id, actor_email, verb, object_id, result, context, timestamp, stored)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ID, s.GrantID, s.ActorEmail, s.Verb, s.ObjectID, result, sctx, s.Timestamp, s.Stored)
	if err != nil {
		return wrap("insert statement", err)
	}
	return nil
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
