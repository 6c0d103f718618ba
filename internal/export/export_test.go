package export

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donniecs/SunSCORM/internal/model"
	"github.com/donniecs/SunSCORM/internal/validator"
)

func bundle() Bundle {
	return Bundle{
		PublicURL:  "https://learn.example.com/",
		Grant:      &model.AccessGrant{ID: "g1", Name: "Acme Q3 Rollout!", Token: "tok-123"},
		Package:    &model.ContentPackage{ID: "p1", Title: `Fire & "Safety"`, Standard: model.StandardSCORM2004},
		ExportedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWriteProducesImportableWrapper(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, bundle()))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	files := map[string][]byte{}
	var names []string
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		files[f.Name] = data
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"index.html", "imsmanifest.xml", "dispatch.json"}, names)
	assert.Contains(t, string(files["index.html"]), "https://learn.example.com/launch/tok-123")

	m, err := validator.ValidateReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	assert.Equal(t, model.StandardSCORM12, m.Standard)
	assert.Equal(t, `Fire & "Safety"`, m.Title)
	assert.Equal(t, "index.html", m.EntryPoint)

	var md map[string]any
	require.NoError(t, json.Unmarshal(files["dispatch.json"], &md))
	dispatch := md["dispatch"].(map[string]any)
	assert.Equal(t, "https://learn.example.com/launch/tok-123", dispatch["launchUrl"])
	assert.Equal(t, "scorm_2004", md["course"].(map[string]any)["scormType"])
}

func TestFileName(t *testing.T) {
	b := bundle()
	assert.Equal(t, "dispatch-acme_q3_rollout.zip", b.FileName())
	b.Grant.Name = "!!!"
	assert.Equal(t, "dispatch-g1.zip", b.FileName())
}

func TestWriteRequiresRecords(t *testing.T) {
	assert.Error(t, Write(io.Discard, Bundle{}))
}
