// Package progress receives learner progress from the delivery runtime and
// records it against the learner's grant.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/donniecs/SunSCORM/internal/model"
)

// ErrInvalidEvent is returned for events missing required fields.
var ErrInvalidEvent = errors.New("invalid progress event")

// Event is one progress report from a launched learner.
type Event struct {
	UserToken  string          `json:"userToken"`
	GrantID    string          `json:"grantId"`
	ActorEmail string          `json:"actorEmail"`
	Verb       string          `json:"verb"`
	ObjectID   string          `json:"objectId"`
	Result     map[string]any  `json:"result,omitempty"`
	Context    map[string]any  `json:"context,omitempty"`
	Progress   json.RawMessage `json:"progress,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Validate checks the fields every sink needs.
func (e *Event) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"userToken": e.UserToken, "grantId": e.GrantID, "verb": e.Verb, "objectId": e.ObjectID,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing %s", ErrInvalidEvent, strings.Join(missing, ", "))
	}
	return nil
}

// Sink accepts progress events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Store is the persistence the Recorder needs.
type Store interface {
	CreateStatement(ctx context.Context, s *model.Statement) error
	GetGrantUserByToken(ctx context.Context, token string) (*model.GrantUser, error)
	UpdateGrantUser(ctx context.Context, u *model.GrantUser) error
}

// Outcome is the part of a result map the recorder interprets. Runtimes
// send strings, numbers and booleans interchangeably.
type Outcome struct {
	Completion       bool     `mapstructure:"completion"`
	Success          bool     `mapstructure:"success"`
	LessonStatus     string   `mapstructure:"lesson_status"`
	CompletionStatus string   `mapstructure:"completion_status"`
	ScoreRaw         *float64 `mapstructure:"score_raw"`
}

// DecodeOutcome reads an Outcome from a loosely typed result map.
func DecodeOutcome(result map[string]any) (Outcome, error) {
	var out Outcome
	if len(result) == 0 {
		return out, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		MatchName:        func(key, field string) bool { return strings.EqualFold(normalizeKey(key), field) },
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(result); err != nil {
		return out, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}

// Completed reports whether the outcome marks the attempt finished.
func (o Outcome) Completed(verb string) bool {
	switch strings.ToLower(verbName(verb)) {
	case "completed", "passed":
		return true
	}
	if o.Completion {
		return true
	}
	switch strings.ToLower(o.LessonStatus) {
	case "completed", "passed":
		return true
	}
	return strings.EqualFold(o.CompletionStatus, "completed")
}

// Recorder stores statements and updates learner rows.
type Recorder struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// NewRecorder builds a Recorder.
func NewRecorder(store Store, log *slog.Logger, now func() time.Time) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, log: log, now: now}
}

// Record stores ev as a statement and stamps completion on the learner the
// first time a completing event arrives.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	user, err := r.store.GetGrantUserByToken(ctx, ev.UserToken)
	if err != nil {
		return fmt.Errorf("load grant user: %w", err)
	}
	if user.GrantID != ev.GrantID {
		return fmt.Errorf("%w: token does not belong to grant", ErrInvalidEvent)
	}
	outcome, err := DecodeOutcome(ev.Result)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	actor := ev.ActorEmail
	if actor == "" {
		actor = user.EmailOrEmpty()
	}
	stmt := &model.Statement{
		ID:         uuid.NewString(),
		GrantID:    ev.GrantID,
		ActorEmail: actor,
		Verb:       ev.Verb,
		ObjectID:   ev.ObjectID,
		Result:     ev.Result,
		Context:    ev.Context,
		Timestamp:  ev.Timestamp,
	}
	if err := r.store.CreateStatement(ctx, stmt); err != nil {
		return fmt.Errorf("store statement: %w", err)
	}

	now := r.now().UTC()
	user.LastAccessedAt = &now
	if len(ev.Progress) > 0 && json.Valid(ev.Progress) {
		user.Progress = ev.Progress
	}
	if user.CompletedAt == nil && outcome.Completed(ev.Verb) {
		user.CompletedAt = &now
		r.log.Info("learner completed", "grant", user.GrantID, "user", user.ID)
	}
	if err := r.store.UpdateGrantUser(ctx, user); err != nil {
		return fmt.Errorf("update grant user: %w", err)
	}
	return nil
}

// verbName accepts bare verbs and xAPI verb IRIs.
func verbName(verb string) string {
	if i := strings.LastIndexAny(verb, "/#"); i >= 0 {
		return verb[i+1:]
	}
	return verb
}

// normalizeKey maps "cmi.core.lesson_status" and "lessonStatus" style keys
// onto the snake_case field tags.
func normalizeKey(key string) string {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	var b strings.Builder
	for i, r := range key {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
