// Package upload coordinates resumable multi-request uploads of large
// package archives: sessions receive numbered chunks in any order and are
// reassembled, validated and handed to the catalog on finalize.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/donniecs/SunSCORM/internal/catalog"
	"github.com/donniecs/SunSCORM/internal/model"
	"github.com/donniecs/SunSCORM/internal/processing"
	"github.com/donniecs/SunSCORM/internal/validator"
)

const (
	DefaultMaxTotalSize  = 3 << 30
	DefaultMaxChunkSize  = 10 << 20
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute

	// MinChunkSize bounds how finely a declared size may be split. Managers
	// with a smaller MaxChunkSize use that instead.
	MinChunkSize = 1 << 10
)

// Ingester takes ownership of a validated archive.
type Ingester interface {
	Ingest(ctx context.Context, archivePath string, m *validator.Manifest, pkg catalog.NewPackage) (*model.ContentPackage, error)
}

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	Dir           string
	MaxTotalSize  int64
	MaxChunkSize  int64
	Extensions    []string
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Pool          *processing.Pool
	Logger        *slog.Logger
	Now           func() time.Time
	// Validate defaults to validator.Validate.
	Validate func(path string) (*validator.Manifest, error)
}

// Manager owns the table of live sessions.
type Manager struct {
	opts     Options
	ingester Ingester

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewManager creates the staging root and returns a Manager.
func NewManager(opts Options, ingester Ingester) (*Manager, error) {
	if opts.Dir == "" {
		return nil, errors.New("upload staging directory is required")
	}
	if opts.MaxTotalSize <= 0 {
		opts.MaxTotalSize = DefaultMaxTotalSize
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".zip", ".scorm"}
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Validate == nil {
		opts.Validate = validator.Validate
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Manager{
		opts:     opts,
		ingester: ingester,
		sessions: make(map[string]*session),
	}, nil
}

// ChunkSize is the largest chunk AcceptChunk takes.
func (m *Manager) ChunkSize() int64 { return m.opts.MaxChunkSize }

// Initialize allocates a session and its staging directory.
func (m *Manager) Initialize(ctx context.Context, req InitRequest) (*Status, error) {
	if req.Owner == "" {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidRequest)
	}
	if req.FileName == "" || req.TotalSize <= 0 || req.TotalChunks <= 0 {
		return nil, fmt.Errorf("%w: fileName, totalSize and totalChunks are required", ErrInvalidRequest)
	}
	if req.TotalSize > m.opts.MaxTotalSize {
		return nil, fmt.Errorf("%w: maximum size is %s", ErrTooLarge, humanize.IBytes(uint64(m.opts.MaxTotalSize)))
	}
	minChunk := min(int64(MinChunkSize), m.opts.MaxChunkSize)
	if int64(req.TotalChunks) > (req.TotalSize+minChunk-1)/minChunk {
		return nil, fmt.Errorf("%w: %d chunks is too many for %s", ErrInvalidRequest,
			req.TotalChunks, humanize.IBytes(uint64(req.TotalSize)))
	}
	if (req.TotalSize+m.opts.MaxChunkSize-1)/m.opts.MaxChunkSize > int64(req.TotalChunks) {
		return nil, fmt.Errorf("%w: %d chunks cannot carry %s with %s chunks", ErrInvalidRequest,
			req.TotalChunks, humanize.IBytes(uint64(req.TotalSize)), humanize.IBytes(uint64(m.opts.MaxChunkSize)))
	}
	ext := strings.ToLower(filepath.Ext(req.FileName))
	if !m.allowed(ext) {
		return nil, fmt.Errorf("%w: only %s files are allowed", ErrUnsupportedType, strings.Join(m.opts.Extensions, ", "))
	}

	id := uuid.NewString()
	dir := filepath.Join(m.opts.Dir, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	now := m.opts.Now()
	s := &session{
		id:           id,
		owner:        req.Owner,
		fileName:     filepath.Base(req.FileName),
		ext:          ext,
		totalSize:    req.TotalSize,
		totalChunks:  req.TotalChunks,
		dir:          dir,
		createdAt:    now,
		metadata:     req.Metadata,
		received:     make(map[int]int64),
		lastActivity: now,
		state:        StateInitialized,
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.opts.Logger.Info("upload session initialized",
		"session", id, "file", s.fileName, "size", humanize.IBytes(uint64(s.totalSize)), "chunks", s.totalChunks)
	st := s.status(m.opts.MaxChunkSize)
	return &st, nil
}

// AcceptChunk stores chunk index for a session. Re-sending an index
// replaces the earlier bytes.
func (m *Manager) AcceptChunk(ctx context.Context, id, owner string, index int, r io.Reader) (*Status, error) {
	s, err := m.lookup(id, owner)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= s.totalChunks {
		return nil, fmt.Errorf("%w: index %d outside [0,%d)", ErrInvalidChunk, index, s.totalChunks)
	}

	s.mu.Lock()
	switch s.state {
	case StateFinalizing:
		s.mu.Unlock()
		return nil, ErrBusy
	case StateFinalized, StateCancelled, StateExpired:
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	s.writers++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.writers--
		s.mu.Unlock()
	}()

	n, err := m.writeChunk(s.dir, index, r)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[index] = n
	s.lastActivity = m.opts.Now()
	if len(s.received) == s.totalChunks {
		s.state = StateComplete
	} else {
		s.state = StateReceiving
	}
	st := s.status(m.opts.MaxChunkSize)
	return &st, nil
}

func chunkName(index int) string {
	return fmt.Sprintf("chunk_%06d", index)
}

func (m *Manager) writeChunk(dir string, index int, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(dir, chunkName(index)+".*.part")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrSessionNotFound
		}
		return 0, fmt.Errorf("create chunk file: %w", err)
	}
	n, err := io.Copy(tmp, io.LimitReader(r, m.opts.MaxChunkSize+1))
	closeErr := tmp.Close()
	switch {
	case err != nil:
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write chunk: %w", err)
	case closeErr != nil:
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("close chunk: %w", closeErr)
	case n > m.opts.MaxChunkSize:
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("%w: limit is %s", ErrChunkTooLarge, humanize.IBytes(uint64(m.opts.MaxChunkSize)))
	case n == 0:
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("%w: empty chunk", ErrInvalidChunk)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, chunkName(index))); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("commit chunk: %w", err)
	}
	return n, nil
}

// Finalize reassembles, validates and ingests the upload. A validation
// failure keeps the session so individual chunks can be re-sent.
func (m *Manager) Finalize(ctx context.Context, id, owner string) (*model.ContentPackage, error) {
	s, err := m.lookup(id, owner)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state == StateFinalizing || s.writers > 0 {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	if missing, count := missingChunks(s.received, s.totalChunks, MaxReportedMissing); count > 0 {
		s.mu.Unlock()
		return nil, &IncompleteError{Missing: missing, Count: count, Total: s.totalChunks}
	}
	s.state = StateFinalizing
	s.lastActivity = m.opts.Now()
	s.mu.Unlock()

	archive := filepath.Join(s.dir, "package"+s.ext)
	var manifest *validator.Manifest
	err = m.opts.Pool.Do(ctx, func(ctx context.Context) error {
		if err := m.assemble(ctx, s, archive); err != nil {
			return err
		}
		var verr error
		manifest, verr = m.opts.Validate(archive)
		return verr
	})
	if err != nil {
		os.Remove(archive)
		if errors.Is(err, validator.ErrInvalidPackage) || errors.Is(err, ErrSizeMismatch) {
			s.mu.Lock()
			s.state = StateComplete
			s.lastActivity = m.opts.Now()
			s.mu.Unlock()
			m.opts.Logger.Warn("upload failed validation", "session", id, "error", err)
			return nil, err
		}
		m.destroy(s, StateCancelled)
		return nil, fmt.Errorf("finalize upload: %w", err)
	}

	pkg, err := m.ingester.Ingest(ctx, archive, manifest, catalog.NewPackage{
		Title:          s.metadata.Title,
		Description:    s.metadata.Description,
		Version:        s.metadata.Version,
		Tags:           s.metadata.Tags,
		FileName:       s.fileName,
		FileSize:       s.totalSize,
		OwnerID:        s.owner,
		OrganizationID: s.metadata.OrganizationID,
	})
	if err != nil {
		m.destroy(s, StateCancelled)
		return nil, fmt.Errorf("ingest upload: %w", err)
	}
	m.destroy(s, StateFinalized)
	m.opts.Logger.Info("upload finalized", "session", id, "package", pkg.ID, "standard", pkg.Standard)
	return pkg, nil
}

// assemble streams chunk files in index order into archive.
func (m *Manager) assemble(ctx context.Context, s *session, archive string) error {
	out, err := os.OpenFile(archive, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	buf := make([]byte, 32*1024)
	var written int64
	for i := 0; i < s.totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		in, err := os.Open(filepath.Join(s.dir, chunkName(i)))
		if err != nil {
			return fmt.Errorf("open chunk %d: %w", i, err)
		}
		n, err := io.CopyBuffer(out, in, buf)
		in.Close()
		if err != nil {
			return fmt.Errorf("append chunk %d: %w", i, err)
		}
		written += n
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if written != s.totalSize {
		return fmt.Errorf("%w: got %d bytes, declared %d", ErrSizeMismatch, written, s.totalSize)
	}
	return nil
}

// Cancel removes a session and its staging directory.
func (m *Manager) Cancel(ctx context.Context, id, owner string) error {
	s, err := m.lookup(id, owner)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StateFinalizing || s.writers > 0 {
		s.mu.Unlock()
		return ErrBusy
	}
	s.state = StateCancelled
	s.mu.Unlock()
	m.destroy(s, StateCancelled)
	m.opts.Logger.Info("upload session cancelled", "session", id)
	return nil
}

// Status reports a single session.
func (m *Manager) Status(id, owner string) (*Status, error) {
	s, err := m.lookup(id, owner)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status(m.opts.MaxChunkSize)
	return &st, nil
}

// List returns the owner's sessions, oldest first.
func (m *Manager) List(owner string) []Status {
	m.mu.RLock()
	var mine []*session
	for _, s := range m.sessions {
		if s.owner == owner {
			mine = append(mine, s)
		}
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(mine))
	for _, s := range mine {
		s.mu.Lock()
		out = append(out, s.status(m.opts.MaxChunkSize))
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ReapIdle removes sessions idle longer than the timeout and returns how
// many were removed.
func (m *Manager) ReapIdle() int {
	cutoff := m.opts.Now().Add(-m.opts.IdleTimeout)
	m.mu.RLock()
	var idle []*session
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.state != StateFinalizing && s.writers == 0 && s.lastActivity.Before(cutoff) {
			idle = append(idle, s)
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, s := range idle {
		m.destroy(s, StateExpired)
		m.opts.Logger.Info("upload session expired", "session", s.id, "file", s.fileName)
	}
	return len(idle)
}

// Start runs ReapIdle on the sweep interval until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapIdle()
		}
	}
}

func (m *Manager) lookup(id, owner string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.owner != owner {
		return nil, ErrForbidden
	}
	return s, nil
}

func (m *Manager) destroy(s *session, final State) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()

	s.mu.Lock()
	s.state = final
	s.mu.Unlock()
	if err := os.RemoveAll(s.dir); err != nil {
		m.opts.Logger.Error("remove staging dir", "session", s.id, "error", err)
	}
}

func (m *Manager) allowed(ext string) bool {
	for _, e := range m.opts.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
