package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ManifestDir holds per-run batch manifests in every sink.
const ManifestDir = "_manifests"

// ManifestKey returns the key of a batch manifest.
func ManifestKey(runID string, batch int) string {
	return fmt.Sprintf("%s/%s/batch-%04d.json", ManifestDir, runID, batch)
}

// Manifest describes what a batch published to its sink.
type Manifest struct {
	RunID      string          `json:"run_id"`
	Batch      int             `json:"batch"`
	Sink       string          `json:"sink"`
	Host       string          `json:"host,omitempty"`
	TotalBytes int64           `json:"total_bytes"`
	Entries    []ManifestEntry `json:"entries"`
	Producer   ProducerInfo    `json:"producer"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ManifestEntry describes a single mirrored object.
type ManifestEntry struct {
	Job      string `json:"job"`
	Source   string `json:"source"`
	Dest     string `json:"dest"`
	Bytes    int64  `json:"bytes"`
	Checksum string `json:"checksum"`
	Codec    string `json:"codec,omitempty"`
}

// ProducerInfo describes the software that produced the batch.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// WriteManifest publishes m atomically at key.
func WriteManifest(ctx context.Context, s Store, key string, m *Manifest) error {
	data, err := m.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return WriteAtomic(ctx, s, key, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// ReadManifest loads the manifest at key.
func ReadManifest(ctx context.Context, s Store, key string) (*Manifest, error) {
	r, err := s.NewReader(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", key, err)
	}
	return &m, nil
}
