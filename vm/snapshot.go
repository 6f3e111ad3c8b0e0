package vm

import (
	"fmt"
	"os"
	"time"

	"github.com/chazu/psyco/compiler"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// SnapshotVersion is bumped whenever the snapshot layout changes.
const SnapshotVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot records what an engine has compiled and how it got there. It is
// a diagnostic export; nothing is ever loaded back into an engine.
type Snapshot struct {
	Version  int               `cbor:"version"`
	ID       string            `cbor:"id"`
	Created  int64             `cbor:"created"` // unix seconds
	Mode     string            `cbor:"mode"`
	Compiled compiler.Snapshot `cbor:"compiled"`
	Profile  []FunctionCount   `cbor:"profile"`
	Stats    Stats             `cbor:"stats"`
}

// Snapshot captures the current state of the engine under a new ID.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return &Snapshot{
		Version:  SnapshotVersion,
		ID:       uuid.NewString(),
		Created:  time.Now().Unix(),
		Mode:     e.opts.Mode.String(),
		Compiled: e.compiler.Snapshot(),
		Profile:  e.profiler.Top(-1),
		Stats:    e.statsLocked(),
	}
}

// MarshalSnapshot serializes a Snapshot to canonical CBOR.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a Snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("vm: snapshot version %d, expected %d", s.Version, SnapshotVersion)
	}
	if _, err := uuid.Parse(s.ID); err != nil {
		return nil, fmt.Errorf("vm: snapshot id: %w", err)
	}
	return &s, nil
}

// WriteSnapshot writes a snapshot of the engine to path and returns its ID.
func (e *Engine) WriteSnapshot(path string) (string, error) {
	s := e.Snapshot()
	data, err := MarshalSnapshot(s)
	if err != nil {
		return "", fmt.Errorf("vm: marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("vm: write snapshot: %w", err)
	}
	log.Infof("wrote snapshot %s to %s (%d bytes)", s.ID, path, len(data))
	return s.ID, nil
}

// ReadSnapshot reads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vm: read snapshot: %w", err)
	}
	return UnmarshalSnapshot(data)
}
