// Package model holds the value types shared across the sync core: entity
// records, outbox entries, ID map rows, sync metadata, and conflict
// records. Nothing here touches storage or the network.
package model

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"
)

// Operation is the outbox mutation kind.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Status is an outbox entry's position in its state machine:
// pending -> in_progress -> {synced | conflict | pending | failed}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSynced     Status = "synced"
	StatusConflict   Status = "conflict"
	StatusFailed     Status = "failed"
)

// ConflictStrategy is the closed set of merge strategies a Repository can
// be configured with. Modeled as a tagged string rather than a subtype
// hierarchy, per the design notes.
type ConflictStrategy string

const (
	StrategyLWW            ConflictStrategy = "lww"
	StrategyFieldMerge     ConflictStrategy = "field_merge"
	StrategyCreateWins     ConflictStrategy = "create_wins"
	StrategyUserResolution ConflictStrategy = "user_resolution"
)

const tempIDPrefix = "temp_"

// IsTempID reports whether id is a locally-assigned temporary identifier.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// NewTempID generates a temp_<13-digit-ms>_<6 base36> identifier. now is
// passed in rather than read from time.Now so callers keep the sync core
// free of wall-clock reads outside of explicit injection points.
func NewTempID(now time.Time) (string, error) {
	ms := now.UnixMilli()
	suffix, err := randomBase36(6)
	if err != nil {
		return "", err
	}
	return tempIDPrefix + padMillis(ms) + "_" + suffix, nil
}

func padMillis(ms int64) string {
	s := itoa(ms)
	for len(s) < 13 {
		s = "0" + s
	}
	return s
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return string(out), nil
}

// NewCorrelationID generates a dedup key for an outbox entry. Implemented
// with plain crypto/rand + base64 where no UUID semantics are required,
// and with uuid.NewString at call sites that want an RFC-4122 value (see
// internal/outbox, which imports github.com/google/uuid directly).
func NewCorrelationID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Entity is an opaque entity record. Fields prefixed with an underscore
// are sync bookkeeping; everything else is application data and is never
// interpreted by the sync core.
type Entity struct {
	ID              string
	OrganizationID  string
	SyncVersion     int64
	Dirty           bool
	LocalUpdatedAt  int64 // epoch millis
	ServerUpdatedAt int64 // epoch millis, 0 if unknown
	Fields          map[string]any
}

// Dependency references another entity that must already carry a server
// ID before the owning outbox entry can be pushed.
type Dependency struct {
	EntityType string
	TempID     string
}

// OutboxEntry is one durable pending-mutation record.
type OutboxEntry struct {
	LocalID        int64
	CorrelationID  string
	EntityType     string
	EntityID       string
	TempID         string // set if EntityID was a temp ID at enqueue time
	Operation      Operation
	Timestamp      int64 // epoch millis, enqueue time
	Payload        map[string]any
	Dependencies   []Dependency
	Status         Status
	RetryCount     int
	LastError      string
	ServerResponse map[string]any
}

// IDMapEntry is one row of the bidirectional temp<->server ID map.
type IDMapEntry struct {
	EntityType string
	TempID     string
	ServerID   string
	CreatedAt  int64
}

// SyncMeta is the single-key sync metadata container.
type SyncMeta struct {
	LastSync int64 // epoch millis, 0 means never synced
}

// ConflictRecord is created when the merge phase detects a genuine
// concurrent edit under a conflictStrategy that doesn't silently resolve.
type ConflictRecord struct {
	ID            int64
	EntityType    string
	EntityID      string
	LocalVersion  map[string]any
	ServerVersion map[string]any
	OutboxLocalID int64 // 0 if not tied to a specific outbox entry
	DetectedAt    int64
	ResolvedAt    int64 // 0 means unresolved
}

// CycleResult is the outcome of one Sync Engine pass.
type CycleResult struct {
	Success   bool
	Reason    string
	Pulled    int
	Pushed    int
	Conflicts int
	Failed    int
	Duration  time.Duration
}

// Phase is the Sync Engine's single observable state variable.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCheck     Phase = "check"
	PhasePull      Phase = "pull"
	PhaseMerge     Phase = "merge"
	PhasePush      Phase = "push"
	PhaseReconcile Phase = "reconcile"
	PhaseComplete  Phase = "complete"
	PhaseError     Phase = "error"
)
