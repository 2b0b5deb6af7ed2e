package cache

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/joshdurbin/strava-mirror/internal/strava"
	"github.com/klauspost/compress/zstd"
)

// Activities stores activity lists zstd compressed, which keeps long
// all-time lists under freecache's per-entry limit.
type Activities struct {
	provider Provider
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

func NewActivities(p Provider) (*Activities, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Activities{provider: p, encoder: encoder, decoder: decoder}, nil
}

// Get returns the cached list for clientID starting at after.
func (a *Activities) Get(clientID string, after time.Time) ([]strava.Activity, bool) {
	data, ok := a.provider.Get(Key(clientID, after))
	if !ok {
		return nil, false
	}

	raw, err := a.decoder.DecodeAll(data, nil)
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("discarding undecodable cache entry")
		return nil, false
	}
	var activities []strava.Activity
	if err := json.Unmarshal(raw, &activities); err != nil {
		logging.Logger.Warn().Err(err).Msg("discarding undecodable cache entry")
		return nil, false
	}
	return activities, true
}

func (a *Activities) Set(clientID string, after time.Time, activities []strava.Activity) {
	raw, err := json.Marshal(activities)
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("failed to encode activities for cache")
		return
	}
	a.provider.Set(Key(clientID, after), a.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4)))
}

func (a *Activities) Close() {
	a.decoder.Close()
	_ = a.encoder.Close()
}
