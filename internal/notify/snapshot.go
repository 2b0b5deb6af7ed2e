package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/klauspost/compress/zstd"
)

// snapshotVersion guards against loading a file written by an incompatible build.
const snapshotVersion = 1

type snapshotDocument struct {
	Version int     `json:"version"`
	SavedAt int64   `json:"saved_at"`
	Events  []Event `json:"events"`
}

// SnapshotFile persists the latest DATA events as zstd compressed JSON.
type SnapshotFile struct {
	path    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewSnapshotFile(path string) (*SnapshotFile, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &SnapshotFile{path: path, encoder: encoder, decoder: decoder}, nil
}

func (f *SnapshotFile) Path() string {
	return f.path
}

// Save writes events through a temp file and rename.
func (f *SnapshotFile) Save(events []Event) error {
	jsonData, err := json.Marshal(snapshotDocument{
		Version: snapshotVersion,
		SavedAt: time.Now().Unix(),
		Events:  events,
	})
	if err != nil {
		return err
	}
	data := f.encoder.EncodeAll(jsonData, make([]byte, 0, len(jsonData)/2))

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}

	tmpFile := f.path + ".tmp"
	file, err := os.OpenFile(tmpFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if _, err = file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpFile)
		return err
	}

	if err = file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpFile)
		return err
	}

	if err = file.Close(); err != nil {
		os.Remove(tmpFile)
		return err
	}

	return os.Rename(tmpFile, f.path)
}

// Load reads the persisted events. A missing file yields no events.
func (f *SnapshotFile) Load() ([]Event, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	raw, err := f.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot: %w", err)
	}

	var doc snapshotDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if doc.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", doc.Version)
	}
	return doc.Events, nil
}

func (f *SnapshotFile) Close() {
	f.decoder.Close()
	_ = f.encoder.Close()
}

// Persist saves the hub's DATA events whenever they change, at most once
// per debounce, and a final time when ctx is done.
func Persist(ctx context.Context, hub *Hub, file *SnapshotFile, debounce time.Duration) {
	log := logging.Logger
	save := func() {
		start := time.Now()
		events := hub.Snapshot()
		if err := file.Save(events); err != nil {
			log.Error().Err(err).Str("path", file.Path()).Msg("failed to save snapshot")
			return
		}
		log.Debug().
			Int("events", len(events)).
			Dur("took", time.Since(start)).
			Msg("snapshot saved")
	}

	for {
		select {
		case <-ctx.Done():
			save()
			return
		case <-hub.Changed():
		}

		timer := time.NewTimer(debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			save()
			return
		case <-timer.C:
			save()
		}
	}
}

// RestoreSnapshot loads file into hub. A damaged snapshot is logged and
// ignored; the next successful cycle replaces it.
func RestoreSnapshot(hub *Hub, file *SnapshotFile) {
	events, err := file.Load()
	if err != nil {
		logging.Logger.Warn().Err(err).Str("path", file.Path()).Msg("ignoring unreadable snapshot")
		return
	}
	hub.Restore(events)
	logging.Logger.Info().Int("events", len(events)).Msg("restored last known module data")
}
