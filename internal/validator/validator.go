// Package validator decides whether an uploaded archive is a usable content
// package and extracts its descriptor metadata.
package validator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/donniecs/SunSCORM/internal/model"
)

// ErrInvalidPackage is matched by every validation failure.
var ErrInvalidPackage = errors.New("invalid package")

var (
	ErrEmptyFile           = &validationError{msg: "empty file"}
	ErrNotArchive          = &validationError{msg: "not an archive"}
	ErrNoDescriptor        = &validationError{msg: "no valid descriptor found"}
	ErrMalformedDescriptor = &validationError{msg: "malformed descriptor"}
)

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Is(target error) bool { return target == ErrInvalidPackage }

// maxDescriptorBytes caps how much of a single descriptor is read.
const maxDescriptorBytes = 16 << 20

// ManifestName is the SCORM descriptor file name.
const ManifestName = "imsmanifest.xml"

var zipSignatures = [][]byte{
	{'P', 'K', 0x03, 0x04},
	{'P', 'K', 0x05, 0x06},
	{'P', 'K', 0x07, 0x08},
}

// Manifest is what the descriptor says about a package.
type Manifest struct {
	Standard      model.Standard `json:"standard"`
	Identifier    string         `json:"identifier,omitempty"`
	Version       string         `json:"version,omitempty"`
	Title         string         `json:"title,omitempty"`
	Description   string         `json:"description,omitempty"`
	EntryPoint    string         `json:"entryPoint,omitempty"`
	SchemaVersion string         `json:"schemaVersion,omitempty"`
	// Descriptor is the archive path of the file the metadata came from.
	Descriptor string `json:"descriptor"`
}

// Validate checks the archive at path and returns its descriptor metadata.
func Validate(filePath string) (*Manifest, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat package: %w", err)
	}
	return ValidateReader(f, info.Size())
}

// ValidateReader is Validate over an already open archive.
func ValidateReader(r io.ReaderAt, size int64) (*Manifest, error) {
	if size == 0 {
		return nil, ErrEmptyFile
	}
	if !HasZipSignature(io.NewSectionReader(r, 0, size)) {
		return nil, ErrNotArchive
	}
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}

	files := make(map[string]*zip.File, len(zr.File))
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		files[f.Name] = f
		names = append(names, f.Name)
	}
	return Describe(names, func(name string) ([]byte, error) {
		zf, ok := files[name]
		if !ok {
			return nil, os.ErrNotExist
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return readLimited(rc)
	})
}

// HasZipSignature reports whether r starts with one of the ZIP magic numbers.
func HasZipSignature(r io.Reader) bool {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return false
	}
	for _, sig := range zipSignatures {
		if bytes.Equal(head, sig) {
			return true
		}
	}
	return false
}

// Describe locates the descriptor among names (archive order) and parses it
// using read to fetch contents. Only descriptor files are read.
func Describe(names []string, read func(name string) ([]byte, error)) (*Manifest, error) {
	if manifest, ok := findManifest(names); ok {
		data, err := read(manifest)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrMalformedDescriptor, manifest, err)
		}
		return parseManifest(manifest, data)
	}

	aicc := findAICC(names)
	if len(aicc) == 0 {
		return nil, ErrNoDescriptor
	}
	return parseAICC(aicc, read)
}

// findManifest returns the shallowest imsmanifest.xml, first in archive
// order on ties.
func findManifest(names []string) (string, bool) {
	best, bestDepth := "", -1
	for _, name := range names {
		if ignored(name) || !strings.EqualFold(path.Base(name), ManifestName) {
			continue
		}
		depth := strings.Count(strings.Trim(name, "/"), "/")
		if bestDepth < 0 || depth < bestDepth {
			best, bestDepth = name, depth
		}
	}
	return best, bestDepth >= 0
}

func findAICC(names []string) map[string][]string {
	found := map[string][]string{}
	for _, name := range names {
		if ignored(name) {
			continue
		}
		switch ext := strings.ToLower(path.Ext(name)); ext {
		case ".au", ".crs", ".des":
			found[ext] = append(found[ext], name)
		}
	}
	for _, list := range found {
		sort.SliceStable(list, func(i, j int) bool {
			return strings.Count(list[i], "/") < strings.Count(list[j], "/")
		})
	}
	return found
}

// ignored skips resource forks that macOS adds to zips.
func ignored(name string) bool {
	return strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), "._")
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDescriptorBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDescriptorBytes {
		return nil, errors.New("descriptor too large")
	}
	return data, nil
}
