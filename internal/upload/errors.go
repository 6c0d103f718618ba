package upload

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest  = errors.New("invalid upload request")
	ErrTooLarge        = errors.New("file too large")
	ErrUnsupportedType = errors.New("invalid file type")
	ErrSessionNotFound = errors.New("upload session not found or expired")
	ErrForbidden       = errors.New("upload session belongs to another user")
	ErrInvalidChunk    = errors.New("invalid chunk")
	ErrChunkTooLarge   = errors.New("chunk too large")
	ErrSizeMismatch    = errors.New("assembled size does not match declared size")
	ErrBusy            = errors.New("upload session is busy")
)

// IncompleteError is returned by Finalize while chunks are missing.
// Missing lists at most MaxReportedMissing indexes; Count is the full number.
type IncompleteError struct {
	Missing []int
	Count   int
	Total   int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload incomplete: %d of %d chunks missing", e.Count, e.Total)
}

// MaxReportedMissing caps the missing indexes returned to clients.
const MaxReportedMissing = 100

// missingChunks returns the lowest absent indexes, up to limit, and the
// total number absent.
func missingChunks(received map[int]int64, total, limit int) ([]int, int) {
	var missing []int
	count := 0
	for i := 0; i < total; i++ {
		if _, ok := received[i]; ok {
			continue
		}
		count++
		if len(missing) < limit {
			missing = append(missing, i)
		}
	}
	return missing, count
}
