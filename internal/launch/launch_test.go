package launch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donniecs/SunSCORM/internal/contentcache"
	"github.com/donniecs/SunSCORM/internal/license"
	"github.com/donniecs/SunSCORM/internal/logging"
	"github.com/donniecs/SunSCORM/internal/model"
	"github.com/donniecs/SunSCORM/internal/packagetest"
	"github.com/donniecs/SunSCORM/internal/storage"
)

var now = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	store *storage.MemoryStore
	pkg   *model.ContentPackage
	org   *model.Organization
	grant *model.AccessGrant
	user  *model.GrantUser
}

func ptr[T any](v T) *T { return &v }

func newFixture(t *testing.T, grant model.AccessGrant, org model.Organization) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	archive := filepath.Join(dir, "course.zip")
	require.NoError(t, os.WriteFile(archive, packagetest.SCORM12(t, "Launchable"), 0o644))

	store := storage.NewMemoryStore()
	pkg := &model.ContentPackage{ID: "pkg", Title: "Launchable", StoragePath: archive, Standard: model.StandardSCORM12}
	require.NoError(t, store.CreatePackage(ctx, pkg))
	org.ID = "org"
	require.NoError(t, store.CreateOrganization(ctx, &org))
	grant.ID, grant.PackageID, grant.OrganizationID, grant.Token = "grant", pkg.ID, org.ID, "grant-token"
	require.NoError(t, store.CreateGrant(ctx, &grant))
	user := &model.GrantUser{ID: "u1", GrantID: grant.ID, Token: "user-token", Email: ptr("first@example.com")}
	require.NoError(t, store.CreateGrantUser(ctx, user))

	clock := func() time.Time { return now }
	cache := contentcache.New(contentcache.Options{Logger: logging.Discard(), Now: clock})
	t.Cleanup(cache.Close)
	svc := NewService(store, license.NewResolver(store, clock), cache, logging.Discard(), clock)
	return &fixture{svc: svc, store: store, pkg: pkg, org: &org, grant: &grant, user: user}
}

func TestLaunchLearnerToken(t *testing.T) {
	f := newFixture(t, model.AccessGrant{}, model.Organization{})
	ctx := context.Background()

	d, err := f.svc.Launch(ctx, "user-token", "")
	require.NoError(t, err)
	assert.Equal(t, "index.html", d.EntryPoint)
	assert.Empty(t, d.Redirect)
	assert.Equal(t, f.pkg.ID, d.Package.ID)

	u, err := f.store.GetGrantUserByToken(ctx, "user-token")
	require.NoError(t, err)
	require.NotNil(t, u.LaunchedAt)
	assert.Equal(t, now, *u.LaunchedAt)
	assert.Equal(t, now, *u.LastAccessedAt)
}

func TestLaunchUnknownToken(t *testing.T) {
	f := newFixture(t, model.AccessGrant{}, model.Organization{})
	_, err := f.svc.Launch(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = f.svc.Asset(context.Background(), "nope", "index.html")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestGrantTokenProvisionsLearner(t *testing.T) {
	f := newFixture(t, model.AccessGrant{}, model.Organization{})
	ctx := context.Background()

	d, err := f.svc.Launch(ctx, "grant-token", "New@Example.com")
	require.NoError(t, err)
	require.NotEmpty(t, d.Redirect)
	assert.NotEqual(t, "grant-token", d.Redirect)

	again, err := f.svc.Launch(ctx, "grant-token", "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, d.Redirect, again.Redirect, "known email reuses the learner")

	existing, err := f.svc.Launch(ctx, "grant-token", "FIRST@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user-token", existing.Redirect)

	usage, err := f.store.GrantUsage(ctx, f.grant.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, usage.UniqueUsers)
}

func TestGrantTokenRespectsUserLimit(t *testing.T) {
	f := newFixture(t, model.AccessGrant{MaxUsers: ptr(1)}, model.Organization{})
	ctx := context.Background()

	_, err := f.svc.Launch(ctx, "grant-token", "second@example.com")
	var de *DeniedError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, license.CodeMaxUsers, de.Code)
	assert.Equal(t, "Maximum Users Reached", de.Title)

	// The seat holder still gets in.
	d, err := f.svc.Launch(ctx, "grant-token", "first@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user-token", d.Redirect)
	_, err = f.svc.Launch(ctx, "user-token", "")
	require.NoError(t, err)
}

func TestGrantTokenRequiresEmail(t *testing.T) {
	f := newFixture(t, model.AccessGrant{MaxUsers: ptr(1)}, model.Organization{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Launch(ctx, "grant-token", "  ")
		require.ErrorIs(t, err, ErrEmailRequired)
	}
	usage, err := f.store.GrantUsage(ctx, f.grant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.UniqueUsers)

	_, err = f.svc.Launch(ctx, "grant-token", "other@example.com")
	var de *DeniedError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, license.CodeMaxUsers, de.Code)
}

func TestUnavailableArchiveIsNotFound(t *testing.T) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		f := newFixture(t, model.AccessGrant{}, model.Organization{})
		require.NoError(t, os.Remove(f.pkg.StoragePath))

		_, err := f.svc.Asset(ctx, "user-token", "index.html")
		assert.ErrorIs(t, err, ErrAssetNotFound)
		_, err = f.svc.Launch(ctx, "user-token", "")
		assert.ErrorIs(t, err, ErrAssetNotFound)
		_, err = f.svc.PreviewAsset(ctx, "pkg", "index.html")
		assert.ErrorIs(t, err, ErrAssetNotFound)
	})

	t.Run("corrupt", func(t *testing.T) {
		f := newFixture(t, model.AccessGrant{}, model.Organization{})
		require.NoError(t, os.WriteFile(f.pkg.StoragePath, []byte("not a zip archive"), 0o644))

		_, err := f.svc.Asset(ctx, "user-token", "index.html")
		assert.ErrorIs(t, err, ErrAssetNotFound)
		_, err = f.svc.Preview(ctx, "pkg")
		assert.ErrorIs(t, err, ErrAssetNotFound)
	})
}

func TestExpiredGrantIsDenied(t *testing.T) {
	f := newFixture(t, model.AccessGrant{ExpiresAt: ptr(now.Add(-time.Hour))}, model.Organization{})
	ctx := context.Background()

	_, err := f.svc.Launch(ctx, "user-token", "")
	var de *DeniedError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, license.CodeExpired, de.Code)
	assert.Contains(t, de.Reason, "expired")

	_, err = f.svc.Asset(ctx, "user-token", "index.html")
	require.ErrorAs(t, err, &de)
}

func TestDisabledGrantOrPackageIsUnavailable(t *testing.T) {
	f := newFixture(t, model.AccessGrant{}, model.Organization{})
	ctx := context.Background()

	f.pkg.Disabled = true
	require.NoError(t, f.store.UpdatePackage(ctx, f.pkg))
	_, err := f.svc.Launch(ctx, "user-token", "")
	var de *DeniedError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "Course Unavailable", de.Title)

	f.pkg.Disabled = false
	require.NoError(t, f.store.UpdatePackage(ctx, f.pkg))
	f.grant.Disabled = true
	require.NoError(t, f.store.UpdateGrant(ctx, f.grant))
	_, err = f.svc.Asset(ctx, "user-token", "index.html")
	require.ErrorAs(t, err, &de)
	_, err = f.svc.Launch(ctx, "grant-token", "x@example.com")
	require.ErrorAs(t, err, &de)
}

func TestAssetServesPackageFiles(t *testing.T) {
	f := newFixture(t, model.AccessGrant{}, model.Organization{})
	ctx := context.Background()

	a, err := f.svc.Asset(ctx, "user-token", "css/site.css")
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(a.Data))
	assert.Equal(t, "text/css; charset=utf-8", a.ContentType)

	_, err = f.svc.Asset(ctx, "user-token", "missing.js")
	assert.ErrorIs(t, err, ErrAssetNotFound)
}

func TestPreview(t *testing.T) {
	f := newFixture(t, model.AccessGrant{}, model.Organization{})
	ctx := context.Background()

	d, err := f.svc.Preview(ctx, "pkg")
	require.NoError(t, err)
	assert.Equal(t, "index.html", d.EntryPoint)

	a, err := f.svc.PreviewAsset(ctx, "pkg", "index.html")
	require.NoError(t, err)
	assert.Contains(t, string(a.Data), "Launchable")
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/html; charset=utf-8", ContentType("a/B.HTM"))
	assert.Equal(t, "image/png", ContentType("x.png"))
	assert.Equal(t, "application/octet-stream", ContentType("blob.unknownext"))
	assert.Equal(t, "application/octet-stream", ContentType("noext"))
}

func TestRenderShellEscapes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderShell(&buf, Shell{
		Title:         `<script>alert(1)</script>`,
		ContentURL:    "/launch/tok/assets/index.html",
		StatementsURL: "/launch/tok/statements",
		ObjectID:      "pkg",
		Email:         `a"b@example.com`,
	}))
	out := buf.String()
	assert.NotContains(t, out, "<script>alert(1)</script>")
	assert.Contains(t, out, `src="/launch/tok/assets/index.html"`)
	assert.True(t, strings.Contains(out, "window.API ="))

	buf.Reset()
	require.NoError(t, RenderError(&buf, "Course Expired", "Dispatch has expired"))
	assert.Contains(t, buf.String(), "<h1>Course Expired</h1>")
}
