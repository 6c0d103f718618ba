// Package blobstore keeps validated package archives on local disk under a
// content-addressed layout: root/<first two hex>/<hash><ext>.
package blobstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// packageDomainKey separates archive hashes from any other BLAKE3 use.
var packageDomainKey = [32]byte{
	's', 'u', 'n', 's', 'c', 'o', 'r', 'm', '.', 'p', 'a', 'c', 'k', 'a', 'g', 'e',
}

// Blob describes a stored archive.
type Blob struct {
	Path     string
	Checksum string
	Size     int64
	// Created is false when identical content was already stored.
	Created bool
}

// Store is a directory of immutable archives.
type Store struct {
	root string
}

// New creates root if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the storage directory.
func (s *Store) Root() string { return s.root }

// Checksum returns the keyed BLAKE3 hex digest of r.
func Checksum(r io.Reader) (string, int64, error) {
	h, err := blake3.NewKeyed(packageDomainKey[:])
	if err != nil {
		return "", 0, fmt.Errorf("init hasher: %w", err)
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("hash archive: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Put moves the file at src into the store and returns where it landed.
// src no longer exists after a successful call.
func (s *Store) Put(src string) (*Blob, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	sum, size, err := Checksum(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(src))
	if ext == "" {
		ext = ".zip"
	}
	dst := filepath.Join(s.root, sum[:2], sum+ext)
	blob := &Blob{Path: dst, Checksum: sum, Size: size}

	if _, err := os.Stat(dst); err == nil {
		os.Remove(src)
		return blob, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return nil, fmt.Errorf("create shard dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		// Staging and storage can live on different filesystems.
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		os.Remove(src)
	}
	blob.Created = true
	return blob, nil
}

// Remove deletes a stored archive. Paths outside the store are refused.
func (s *Store) Remove(path string) error {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove %s outside blob root", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".incoming-*")
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("copy blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit blob: %w", err)
	}
	return nil
}
