package workers

import (
	"context"
	"time"

	"github.com/joshdurbin/strava-mirror/internal/auth"
	"github.com/joshdurbin/strava-mirror/internal/logging"
)

// refreshWindow renews tokens expiring within this window during the
// background check, ahead of the cycle that would otherwise do it.
const refreshWindow = 10 * time.Minute

type credentials struct {
	clientID     string
	clientSecret string
}

// RefreshExpiring renews the stored token of every registered client id
// that expires within refreshWindow. Failures are logged only; the next
// cycle of an affected module reports them to the display.
func (o *Orchestrator) RefreshExpiring(ctx context.Context) {
	log := logging.Logger
	log.Debug().Msg("checking token validity")

	tokens := o.store.Read(ctx)
	now := o.now()

	for _, c := range o.credentials() {
		token, ok := tokens.Get(c.clientID)
		if !ok {
			continue
		}

		until := time.Unix(token.ExpiresAt, 0).Sub(now)
		if !token.ExpiresWithin(now, refreshWindow) {
			log.Debug().Dur("expires_in", until.Round(time.Second)).Msg("token still valid")
			continue
		}

		log.Info().Dur("expires_in", until).Msg("token expiring soon, refreshing")
		if _, err := o.refreshToken(ctx, c.clientID, c.clientSecret, token); err != nil {
			log.Error().Err(err).Bool("revoked", auth.IsRevoked(err)).Msg("failed to refresh token")
		}
	}
}

// credentials returns one entry per distinct client id among valid modules.
func (o *Orchestrator) credentials() []credentials {
	o.mu.RLock()
	defer o.mu.RUnlock()

	seen := make(map[string]bool)
	var out []credentials
	for _, m := range o.modules {
		m.mu.Lock()
		cfg, valid := m.cfg, m.valid
		m.mu.Unlock()
		if !valid || seen[cfg.ClientID] {
			continue
		}
		seen[cfg.ClientID] = true
		out = append(out, credentials{clientID: cfg.ClientID, clientSecret: cfg.ClientSecret})
	}
	return out
}
