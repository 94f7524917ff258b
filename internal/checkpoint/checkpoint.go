package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint records which jobs of a run have been published.
type Checkpoint struct {
	RunID     string               `json:"run_id"`
	Completed map[string]JobRecord `json:"completed"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// JobRecord describes a published job.
type JobRecord struct {
	Dest        string    `json:"dest"`
	Host        string    `json:"host,omitempty"`
	Bytes       int64     `json:"bytes"`
	Checksum    string    `json:"checksum"`
	CompletedAt time.Time `json:"completed_at"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint for runID.
	Load(ctx context.Context, runID string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	// Ensure checkpoint directory exists
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists checkpoints to local files.
type fileManager struct {
	dir string
}

// checkpointPath returns the path to the checkpoint file for a run.
func (m *fileManager) checkpointPath(runID string) string {
	safe := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(runID)
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", safe))
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	if cp.RunID != runID {
		return nil, fmt.Errorf("checkpoint belongs to run %q, not %q", cp.RunID, runID)
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	path := m.checkpointPath(cp.RunID)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}

// Tracker is the in-memory view of a run's checkpoint, safe for use by
// concurrent batch workers. Every Record is persisted before it returns.
type Tracker struct {
	mgr Manager
	now func() time.Time

	mu sync.Mutex
	cp *Checkpoint
}

// Open loads the checkpoint for runID, starting fresh when none exists.
func Open(ctx context.Context, mgr Manager, runID string) (*Tracker, error) {
	cp, err := mgr.Load(ctx, runID)
	if errors.Is(err, ErrNoCheckpoint) {
		cp = &Checkpoint{RunID: runID}
	} else if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.Completed == nil {
		cp.Completed = make(map[string]JobRecord)
	}
	return &Tracker{mgr: mgr, now: time.Now, cp: cp}, nil
}

// Done reports whether job key was published by an earlier attempt.
func (t *Tracker) Done(key string) (JobRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.cp.Completed[key]
	return rec, ok
}

// Len returns the number of completed jobs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cp.Completed)
}

// Record marks job key as published and persists the checkpoint.
func (t *Tracker) Record(ctx context.Context, key string, rec JobRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = t.now().UTC()
	}
	t.cp.Completed[key] = rec
	t.cp.UpdatedAt = rec.CompletedAt

	if err := t.mgr.Save(ctx, t.cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
