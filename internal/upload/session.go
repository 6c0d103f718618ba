package upload

import (
	"sync"
	"time"
)

// State is the lifecycle position of a session.
type State string

const (
	StateInitialized State = "initialized"
	StateReceiving   State = "receiving"
	StateComplete    State = "complete"
	StateFinalizing  State = "finalizing"
	StateFinalized   State = "finalized"
	StateCancelled   State = "cancelled"
	StateExpired     State = "expired"
)

// Metadata is catalog information supplied when the upload starts.
type Metadata struct {
	Title          string   `json:"title,omitempty"`
	Description    string   `json:"description,omitempty"`
	Version        string   `json:"version,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	OrganizationID string   `json:"organizationId,omitempty"`
}

// InitRequest starts a session.
type InitRequest struct {
	Owner       string
	FileName    string
	TotalSize   int64
	TotalChunks int
	Metadata    Metadata
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID      string    `json:"sessionId"`
	FileName       string    `json:"fileName"`
	TotalSize      int64     `json:"totalSize"`
	TotalChunks    int       `json:"totalChunks"`
	UploadedChunks int       `json:"uploadedChunks"`
	Missing        []int     `json:"missingChunks,omitempty"`
	MissingCount   int       `json:"missingCount"`
	IsComplete     bool      `json:"isComplete"`
	State          State     `json:"state"`
	ChunkSize      int64     `json:"chunkSize"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
}

type session struct {
	id          string
	owner       string
	fileName    string
	ext         string
	totalSize   int64
	totalChunks int
	dir         string
	createdAt   time.Time
	metadata    Metadata

	mu           sync.Mutex
	received     map[int]int64
	lastActivity time.Time
	state        State
	writers      int
}

// status must be called with s.mu held.
func (s *session) status(chunkSize int64) Status {
	missing, count := missingChunks(s.received, s.totalChunks, MaxReportedMissing)
	return Status{
		SessionID:      s.id,
		FileName:       s.fileName,
		TotalSize:      s.totalSize,
		TotalChunks:    s.totalChunks,
		UploadedChunks: len(s.received),
		Missing:        missing,
		MissingCount:   count,
		IsComplete:     count == 0,
		State:          s.state,
		ChunkSize:      chunkSize,
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
	}
}
