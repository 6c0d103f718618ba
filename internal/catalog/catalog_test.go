package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donniecs/SunSCORM/internal/blobstore"
	"github.com/donniecs/SunSCORM/internal/license"
	"github.com/donniecs/SunSCORM/internal/logging"
	"github.com/donniecs/SunSCORM/internal/model"
	"github.com/donniecs/SunSCORM/internal/packagetest"
	"github.com/donniecs/SunSCORM/internal/queue"
	"github.com/donniecs/SunSCORM/internal/repository"
	"github.com/donniecs/SunSCORM/internal/storage"
	"github.com/donniecs/SunSCORM/internal/validator"
)

var now = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

type fakeMirror struct {
	payloads []queue.MirrorPayload
	err      error
}

func (f *fakeMirror) EnqueueMirror(_ context.Context, p queue.MirrorPayload) error {
	f.payloads = append(f.payloads, p)
	return f.err
}

type harness struct {
	cat    *Catalog
	store  *storage.MemoryStore
	blobs  *blobstore.Store
	mirror *fakeMirror
	dir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blobstore.New(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	clock := func() time.Time { return now }
	mirror := &fakeMirror{}
	cat := New(store, blobs, license.NewResolver(store, clock),
		WithMirror(mirror), WithLogger(logging.Discard()), WithClock(clock))
	return &harness{cat: cat, store: store, blobs: blobs, mirror: mirror, dir: dir}
}

func (h *harness) ingest(t *testing.T, title string) *model.ContentPackage {
	t.Helper()
	path := filepath.Join(h.dir, title+".zip")
	require.NoError(t, os.WriteFile(path, packagetest.SCORM12(t, title), 0o644))
	m, err := validator.Validate(path)
	require.NoError(t, err)
	pkg, err := h.cat.Ingest(context.Background(), path, m, NewPackage{FileName: title + ".zip", OwnerID: "admin"})
	require.NoError(t, err)
	return pkg
}

func (h *harness) org(t *testing.T, in NewOrganization) *model.Organization {
	t.Helper()
	if in.Name == "" {
		in.Name = "Acme"
	}
	o, err := h.cat.CreateOrganization(context.Background(), in)
	require.NoError(t, err)
	return o
}

func TestIngestStoresBlobAndRecord(t *testing.T) {
	h := newHarness(t)
	pkg := h.ingest(t, "Safety")

	assert.Equal(t, "Safety", pkg.Title)
	assert.Equal(t, "1.0", pkg.Version)
	assert.Equal(t, model.StandardSCORM12, pkg.Standard)
	assert.Equal(t, "index.html", pkg.EntryPoint)
	assert.NotEmpty(t, pkg.Checksum)
	assert.FileExists(t, pkg.StoragePath)
	assert.NoFileExists(t, filepath.Join(h.dir, "Safety.zip"))

	stored, err := h.store.GetPackage(context.Background(), pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, pkg.StoragePath, stored.StoragePath)

	require.Len(t, h.mirror.payloads, 1)
	assert.Equal(t, pkg.ID, h.mirror.payloads[0].PackageID)
	assert.Equal(t, pkg.Checksum, h.mirror.payloads[0].Checksum)
}

func TestIngestPrefersSuppliedMetadata(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "course.zip")
	require.NoError(t, os.WriteFile(path, packagetest.SCORM12(t, "From Manifest"), 0o644))
	m, err := validator.Validate(path)
	require.NoError(t, err)

	pkg, err := h.cat.Ingest(context.Background(), path, m, NewPackage{
		Title: " Custom ", Version: "2.1", Tags: []string{"a", " ", "a", "b"}, FileName: "course.zip",
	})
	require.NoError(t, err)
	assert.Equal(t, "Custom", pkg.Title)
	assert.Equal(t, "2.1", pkg.Version)
	assert.Equal(t, []string{"a", "b"}, pkg.Tags)
}

func TestIngestSurvivesMirrorFailure(t *testing.T) {
	h := newHarness(t)
	h.mirror.err = errors.New("queue offline")
	pkg := h.ingest(t, "Offline")
	assert.NotEmpty(t, pkg.ID)
}

func TestReplaceArchive(t *testing.T) {
	h := newHarness(t)
	pkg := h.ingest(t, "Old")

	next := packagetest.WriteZip(t, h.dir, "next.zip",
		packagetest.File{Name: "imsmanifest.xml", Body: packagetest.SCORM2004Manifest("New", "start/go.html")},
		packagetest.File{Name: "start/go.html", Body: "go"},
	)
	got, err := h.cat.ReplaceArchive(context.Background(), pkg.ID, next, "next.zip")
	require.NoError(t, err)
	assert.Equal(t, model.StandardSCORM2004, got.Standard)
	assert.Equal(t, "start/go.html", got.EntryPoint)
	assert.Equal(t, "next.zip", got.FileName)
	assert.NotEqual(t, pkg.Checksum, got.Checksum)
	assert.NotEqual(t, pkg.StoragePath, got.StoragePath)
	assert.Equal(t, "Old", got.Title)
	assert.Len(t, h.mirror.payloads, 2)
}

func TestReplaceArchiveRejectsInvalidFile(t *testing.T) {
	h := newHarness(t)
	pkg := h.ingest(t, "Keep")
	bad := filepath.Join(h.dir, "bad.zip")
	require.NoError(t, os.WriteFile(bad, []byte("plain text"), 0o644))

	_, err := h.cat.ReplaceArchive(context.Background(), pkg.ID, bad, "bad.zip")
	require.ErrorIs(t, err, validator.ErrInvalidPackage)
	assert.NoFileExists(t, bad)

	stored, err := h.store.GetPackage(context.Background(), pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, pkg.StoragePath, stored.StoragePath)
}

func TestUpdateMetadata(t *testing.T) {
	h := newHarness(t)
	pkg := h.ingest(t, "Meta")
	title, tags := "Renamed", []string{"x"}

	got, err := h.cat.UpdateMetadata(context.Background(), pkg.ID, MetadataUpdate{Title: &title, Tags: &tags})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, []string{"x"}, got.Tags)
	assert.Equal(t, pkg.Version, got.Version)

	empty := "  "
	_, err = h.cat.UpdateMetadata(context.Background(), pkg.ID, MetadataUpdate{Title: &empty})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDisablePackageBlockedByActiveGrant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pkg := h.ingest(t, "Busy")
	org := h.org(t, NewOrganization{})
	grant, _, err := h.cat.CreateGrant(ctx, NewGrant{PackageID: pkg.ID, OrganizationID: org.ID})
	require.NoError(t, err)

	err = h.cat.DisablePackage(ctx, pkg.ID)
	require.ErrorIs(t, err, ErrInUse)

	require.NoError(t, h.cat.DisableGrant(ctx, grant.ID))
	require.NoError(t, h.cat.DisablePackage(ctx, pkg.ID))

	got, err := h.cat.Package(ctx, pkg.ID)
	require.NoError(t, err)
	assert.True(t, got.Disabled)
	require.NotNil(t, got.DeletedAt)

	_, err = h.cat.UpdateMetadata(ctx, pkg.ID, MetadataUpdate{})
	assert.ErrorIs(t, err, ErrPackageDisabled)
}

func TestCreateGrantRejectsDuplicateActiveGrant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pkg := h.ingest(t, "Dup")
	org := h.org(t, NewOrganization{})

	first, _, err := h.cat.CreateGrant(ctx, NewGrant{PackageID: pkg.ID, OrganizationID: org.ID})
	require.NoError(t, err)
	assert.Equal(t, pkg.Title, first.Name)
	assert.Equal(t, model.GrantActive, first.Status)

	_, _, err = h.cat.CreateGrant(ctx, NewGrant{PackageID: pkg.ID, OrganizationID: org.ID})
	var dup *DuplicateGrantError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)

	require.NoError(t, h.cat.DisableGrant(ctx, first.ID))
	second, _, err := h.cat.CreateGrant(ctx, NewGrant{PackageID: pkg.ID, OrganizationID: org.ID})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Token, second.Token)
}

func TestCreateGrantEnforcesOrganizationCeilings(t *testing.T) {
	h := newHarness(t)
	pkg := h.ingest(t, "Ceiling")
	limit := 5
	org := h.org(t, NewOrganization{MaxDispatchUsers: &limit})
	tooMany := 6

	_, _, err := h.cat.CreateGrant(context.Background(), NewGrant{PackageID: pkg.ID, OrganizationID: org.ID, MaxUsers: &tooMany})
	var ce *license.ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "maxUsers", ce.Field)
}

func TestCreateGrantValidatesReferences(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pkg := h.ingest(t, "Refs")

	_, _, err := h.cat.CreateGrant(ctx, NewGrant{PackageID: pkg.ID})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = h.cat.CreateGrant(ctx, NewGrant{PackageID: pkg.ID, OrganizationID: "missing"})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, _, err = h.cat.CreateGrant(ctx, NewGrant{PackageID: "missing", OrganizationID: "x"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreateGrantProvisionsEmails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pkg := h.ingest(t, "Roster")
	org := h.org(t, NewOrganization{})

	grant, users, err := h.cat.CreateGrant(ctx, NewGrant{
		PackageID: pkg.ID, OrganizationID: org.ID,
		Emails: []string{"a@example.com", "", "A@Example.com", "b@example.com"},
	})
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, users[0].ID, users[1].ID, "emails match case-insensitively")
	assert.NotEqual(t, grant.Token, users[0].Token)

	usage, err := h.store.GrantUsage(ctx, grant.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, usage.UniqueUsers)
}

func TestProvisionUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pkg := h.ingest(t, "Learner")
	org := h.org(t, NewOrganization{})
	grant, _, err := h.cat.CreateGrant(ctx, NewGrant{PackageID: pkg.ID, OrganizationID: org.ID})
	require.NoError(t, err)

	_, err = h.cat.ProvisionUser(ctx, grant.ID, "not-an-email")
	assert.ErrorIs(t, err, ErrInvalidInput)

	u1, err := h.cat.ProvisionUser(ctx, grant.ID, "x@example.com")
	require.NoError(t, err)
	u2, err := h.cat.ProvisionUser(ctx, grant.ID, " X@example.com ")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)

	require.NoError(t, h.cat.DisableGrant(ctx, grant.ID))
	_, err = h.cat.ProvisionUser(ctx, grant.ID, "y@example.com")
	assert.ErrorIs(t, err, ErrGrantDisabled)
}

func TestCreateOrganizationValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.cat.CreateOrganization(context.Background(), NewOrganization{Name: " "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	neg := -1
	_, err = h.cat.CreateOrganization(context.Background(), NewOrganization{Name: "N", MaxCompletions: &neg})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
