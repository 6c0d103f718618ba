// Package contentcache keeps extracted package archives in memory so launch
// and preview requests can serve individual files without touching the
// archive again. Entries are keyed by archive path and modification time.
package contentcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/singleflight"

	"github.com/donniecs/SunSCORM/internal/processing"
	"github.com/donniecs/SunSCORM/internal/validator"
)

var (
	ErrNoEntryPoint    = errors.New("no entry point found")
	ErrFileNotFound    = errors.New("file not found in package")
	ErrArchiveTooLarge = errors.New("archive exceeds extraction budget")

	// ErrArchiveUnreadable wraps failures to open or decompress an archive.
	ErrArchiveUnreadable = errors.New("archive unreadable")
)

// entryCandidates are tried in order at the archive root.
var entryCandidates = []string{
	"index.html", "index.htm",
	"default.html", "default.htm",
	"start.html", "start.htm",
	"story.html", "story.htm",
	"main.html", "main.htm",
}

const (
	DefaultTTL             = 30 * time.Minute
	DefaultMaxEntries      = 50
	DefaultMaxArchiveBytes = 1 << 30
)

// Options configures a Cache. Zero values take the defaults above; a zero
// SweepInterval disables the background sweeper.
type Options struct {
	TTL             time.Duration
	MaxEntries      int
	MaxArchiveBytes int64
	SweepInterval   time.Duration
	Pool            *processing.Pool
	Logger          *slog.Logger
	Now             func() time.Time
}

type key struct {
	path  string
	mtime int64
}

func (k key) String() string { return fmt.Sprintf("%s\x00%d", k.path, k.mtime) }

type entry struct {
	files      map[string][]byte
	folded     map[string]string
	order      []string
	manifest   *validator.Manifest
	size       int64
	lastAccess time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	opts Options

	mu      sync.Mutex
	entries map[key]*entry

	group       singleflight.Group
	extractions atomic.Int64

	stop      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a cache and starts its sweeper when configured.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxArchiveBytes <= 0 {
		opts.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		opts:    opts,
		entries: make(map[key]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go c.sweepLoop(opts.SweepInterval)
	} else {
		close(c.done)
	}
	return c
}

// Close stops the sweeper. The cache keeps answering lookups.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// FindEntryPoint returns the archive path a launch should open.
func (c *Cache) FindEntryPoint(ctx context.Context, archive string) (string, error) {
	e, err := c.get(ctx, archive)
	if err != nil {
		return "", err
	}
	if e.manifest != nil && e.manifest.EntryPoint != "" {
		if name, ok := e.lookup(e.manifest.EntryPoint); ok {
			return name, nil
		}
	}
	for _, candidate := range entryCandidates {
		if name, ok := e.folded[candidate]; ok {
			return name, nil
		}
	}
	for _, name := range e.order {
		switch strings.ToLower(path.Ext(name)) {
		case ".html", ".htm":
			return name, nil
		}
	}
	return "", ErrNoEntryPoint
}

// ReadFile returns the bytes of rel inside the archive. The slice is shared
// with the cache and must not be modified.
func (c *Cache) ReadFile(ctx context.Context, archive, rel string) ([]byte, error) {
	e, err := c.get(ctx, archive)
	if err != nil {
		return nil, err
	}
	name, ok := e.lookup(rel)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, rel)
	}
	return e.files[name], nil
}

// Manifest returns the parsed descriptor, or nil for archives without one.
func (c *Cache) Manifest(ctx context.Context, archive string) (*validator.Manifest, error) {
	e, err := c.get(ctx, archive)
	if err != nil {
		return nil, err
	}
	return e.manifest, nil
}

// Invalidate drops every entry for archive regardless of mtime.
func (c *Cache) Invalidate(archive string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.path == archive {
			delete(c.entries, k)
		}
	}
}

// Len reports the number of cached archives.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Extractions counts archive extractions performed since creation.
func (c *Cache) Extractions() int64 {
	return c.extractions.Load()
}

// Sweep evicts idle entries, then the least recently used ones while the
// cache is above its entry cap.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
}

func (c *Cache) sweepLocked() {
	cutoff := c.opts.Now().Add(-c.opts.TTL)
	for k, e := range c.entries {
		if e.lastAccess.Before(cutoff) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) <= c.opts.MaxEntries {
		return
	}
	keys := make([]key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].lastAccess.Before(c.entries[keys[j]].lastAccess)
	})
	for _, k := range keys[:len(keys)-c.opts.MaxEntries] {
		delete(c.entries, k)
	}
}

func (c *Cache) get(ctx context.Context, archive string) (*entry, error) {
	info, err := os.Stat(archive)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	k := key{path: archive, mtime: info.ModTime().UnixNano()}

	if e := c.touch(k); e != nil {
		return e, nil
	}

	// The extraction is shared by every caller waiting on k, so it must not
	// inherit the first caller's cancellation.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k.String(), func() (any, error) {
		if e := c.touch(k); e != nil {
			return e, nil
		}
		var e *entry
		err := c.opts.Pool.Do(shared, func(context.Context) error {
			var err error
			e, err = c.extract(archive)
			return err
		})
		if err != nil {
			return nil, err
		}
		c.insert(k, e)
		return e, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) touch(k key) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return nil
	}
	e.lastAccess = c.opts.Now()
	return e
}

func (c *Cache) insert(k key, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for old := range c.entries {
		if old.path == k.path && old.mtime != k.mtime {
			delete(c.entries, old)
		}
	}
	e.lastAccess = c.opts.Now()
	c.entries[k] = e
	c.sweepLocked()
}

func (c *Cache) extract(archive string) (*entry, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w: %w", ErrArchiveUnreadable, err)
	}
	defer zr.Close()

	c.extractions.Add(1)
	e := &entry{
		files:  make(map[string][]byte, len(zr.File)),
		folded: make(map[string]string, len(zr.File)),
	}
	budget := c.opts.MaxArchiveBytes
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := normalize(f.Name)
		if name == "" {
			continue
		}
		if int64(f.UncompressedSize64) > budget-e.size {
			return nil, c.tooLarge(archive)
		}
		data, err := readMember(f, budget-e.size)
		if err != nil {
			if errors.Is(err, ErrArchiveTooLarge) {
				return nil, c.tooLarge(archive)
			}
			return nil, fmt.Errorf("extract %s: %w: %w", f.Name, ErrArchiveUnreadable, err)
		}
		if _, dup := e.files[name]; !dup {
			e.order = append(e.order, name)
		}
		e.files[name] = data
		e.size += int64(len(data))
		lower := strings.ToLower(name)
		if _, seen := e.folded[lower]; !seen {
			e.folded[lower] = name
		}
	}

	m, err := validator.Describe(e.order, func(name string) ([]byte, error) {
		data, ok := e.files[name]
		if !ok {
			return nil, os.ErrNotExist
		}
		return data, nil
	})
	switch {
	case err == nil:
		e.manifest = m
	case errors.Is(err, validator.ErrNoDescriptor):
	default:
		c.opts.Logger.Warn("cached archive has unreadable descriptor", "archive", archive, "error", err)
	}
	c.opts.Logger.Debug("archive extracted", "archive", archive, "files", len(e.order), "bytes", e.size)
	return e, nil
}

func (c *Cache) tooLarge(archive string) error {
	return fmt.Errorf("%w: %s over %s", ErrArchiveTooLarge, path.Base(archive),
		humanize.IBytes(uint64(c.opts.MaxArchiveBytes)))
}

func readMember(f *zip.File, remaining int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, remaining+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > remaining {
		return nil, ErrArchiveTooLarge
	}
	return data, nil
}

// normalize turns an archive member name or request path into the form
// used as a map key.
func normalize(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Clean("/" + name)
	return strings.TrimPrefix(name, "/")
}

func (e *entry) lookup(rel string) (string, bool) {
	name := normalize(rel)
	if _, ok := e.files[name]; ok {
		return name, true
	}
	actual, ok := e.folded[strings.ToLower(name)]
	return actual, ok
}
