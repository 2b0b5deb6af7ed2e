package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joshdurbin/strava-mirror/internal/aggregate"
	"github.com/joshdurbin/strava-mirror/internal/auth"
	"github.com/joshdurbin/strava-mirror/internal/config"
	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/joshdurbin/strava-mirror/internal/metrics"
	"github.com/joshdurbin/strava-mirror/internal/notify"
	"github.com/joshdurbin/strava-mirror/internal/strava"
	"github.com/rs/zerolog"
)

// RunCycle fetches, aggregates and publishes data for identifier. Every
// failure is turned into a log line and, where the user can act on it,
// an ERROR event; RunCycle never panics. The returned error is for
// callers that want to report the outcome (refresh_module, tests).
func (o *Orchestrator) RunCycle(ctx context.Context, identifier string) (err error) {
	m, err := o.lookup(identifier)
	if err != nil {
		return err
	}
	log := logging.ForModule(identifier)

	if !m.running.TryLock() {
		log.Info().Msg("previous cycle still running, skipping")
		o.metrics.IncCycles(identifier, metrics.CycleSkipped)
		return ErrCycleInFlight
	}
	defer m.running.Unlock()

	cfg, valid := m.snapshot()
	if !valid {
		return ErrInvalidConfig
	}

	start := o.now()
	result := metrics.CycleError
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("cycle panicked")
			o.hub.Publish(notify.NewError(identifier, "Internal error while loading Strava data"))
			err = fmt.Errorf("cycle panicked: %v", r)
			result = metrics.CycleError
		}
		m.mu.Lock()
		m.lastCycle = start
		m.lastResult = result
		m.mu.Unlock()
		o.metrics.IncCycles(identifier, result)
		o.metrics.ObserveCycleDuration(identifier, time.Since(start))
	}()

	result, err = o.cycle(ctx, m, cfg, log)
	return err
}

func (o *Orchestrator) cycle(ctx context.Context, m *module, cfg config.ModuleConfig, log zerolog.Logger) (string, error) {
	if rl := o.api.RateLimit(); rl.IsApproachingDailyLimit() {
		log.Warn().
			Int("usage", rl.UsageDaily).
			Int("limit", rl.LimitDaily).
			Dur("reset_in", rl.TimeUntilDailyReset.Round(time.Minute)).
			Msg("skipping cycle - approaching daily rate limit")
		return o.rateLimited(m, cfg, log, strava.ErrRateLimited)
	}

	token, refreshed, err := o.resolveToken(ctx, m, cfg, log)
	if err != nil {
		return metrics.CycleUnauthorized, err
	}

	// At most one refresh per cycle: a token renewed up front is not
	// renewed again on a 401.
	for {
		data, err := o.fetch(ctx, cfg, token, log)
		if err == nil {
			m.mu.Lock()
			m.state = auth.Authenticated
			m.rateLimited = 0
			m.mu.Unlock()
			o.hub.Publish(notify.NewData(m.identifier, data))
			log.Debug().Str("mode", cfg.Mode).Msg("cycle completed")
			return metrics.CycleSuccess, nil
		}

		if errors.Is(err, strava.ErrUnauthorized) && !refreshed {
			log.Info().Msg("access token rejected, refreshing")
			refreshed = true
			token, err = o.refreshModule(ctx, m, cfg, token, log)
			if err != nil {
				return metrics.CycleUnauthorized, err
			}
			continue
		}
		return o.fetchFailed(ctx, m, cfg, log, err)
	}
}

// resolveToken loads the access token for cfg, renewing it when it is
// about to expire. The bool reports whether a refresh happened.
func (o *Orchestrator) resolveToken(ctx context.Context, m *module, cfg config.ModuleConfig, log zerolog.Logger) (*auth.TokenRecord, bool, error) {
	token, err := auth.Load(ctx, o.store, cfg.ClientID)
	if errors.Is(err, auth.ErrNoToken) {
		m.mu.Lock()
		if m.state != auth.PendingExchange {
			m.state = auth.Unauthenticated
		}
		m.mu.Unlock()
		log.Info().Msg("no token stored, authorization required")
		o.hub.Publish(notify.NewError(m.identifier, o.authMessage("Unauthorized")))
		return nil, false, err
	}
	if err != nil {
		return nil, false, err
	}

	if !token.ExpiresWithin(o.now(), tokenSkew) {
		return token, false, nil
	}

	log.Info().
		Str("expires_at", time.Unix(token.ExpiresAt, 0).Format(time.RFC3339)).
		Msg("access token expiring, refreshing")
	token, err = o.refreshModule(ctx, m, cfg, token, log)
	if err != nil {
		return nil, true, err
	}
	return token, true, nil
}

// refreshModule renews the token and reports a failure to the display.
func (o *Orchestrator) refreshModule(ctx context.Context, m *module, cfg config.ModuleConfig, token *auth.TokenRecord, log zerolog.Logger) (*auth.TokenRecord, error) {
	m.setState(auth.Expired)

	refreshed, err := o.refreshToken(ctx, cfg.ClientID, cfg.ClientSecret, token)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.setState(auth.Unauthenticated)
		log.Error().Err(err).Bool("revoked", auth.IsRevoked(err)).Msg("token refresh failed")
		o.hub.Publish(notify.NewError(m.identifier, o.authMessage("Strava authorization expired")))
		return nil, err
	}

	m.setState(auth.Authenticated)
	return refreshed, nil
}

// refreshToken coalesces concurrent refreshes of one client id. When the
// stored token already differs from seen, another caller renewed it and
// the stored token is returned as is.
func (o *Orchestrator) refreshToken(ctx context.Context, clientID, clientSecret string, seen *auth.TokenRecord) (*auth.TokenRecord, error) {
	v, err, shared := o.refreshes.Do(clientID, func() (interface{}, error) {
		current, err := auth.Load(ctx, o.store, clientID)
		if err != nil {
			return nil, err
		}
		if current.AccessToken != seen.AccessToken && !current.ExpiresWithin(o.now(), tokenSkew) {
			return current, nil
		}

		updated, err := o.oauth.Refresh(ctx, clientID, clientSecret, current)
		if err != nil {
			o.metrics.IncTokenRefreshes("failure")
			if auth.IsRevoked(err) {
				if _, serr := o.store.Save(ctx, clientID, nil); serr != nil {
					logging.Logger.Error().Err(serr).Msg("failed to remove revoked token")
				}
			}
			return nil, err
		}
		o.metrics.IncTokenRefreshes("success")

		// The renewed token is still usable for this process when it
		// cannot be written.
		if _, err := o.store.Save(ctx, clientID, updated); err != nil {
			logging.Logger.Error().Err(err).Msg("failed to persist refreshed token")
		}
		logging.Logger.Info().
			Str("new_expires_at", time.Unix(updated.ExpiresAt, 0).Format(time.RFC3339)).
			Msg("token refreshed successfully")
		return updated, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.Logger.Debug().Msg("joined in-flight token refresh")
	}
	return v.(*auth.TokenRecord), nil
}

func (o *Orchestrator) fetchFailed(ctx context.Context, m *module, cfg config.ModuleConfig, log zerolog.Logger, err error) (string, error) {
	if ctx.Err() != nil {
		log.Info().Msg("cycle cancelled")
		return metrics.CycleSkipped, ctx.Err()
	}

	kind := strava.KindOf(err)
	o.metrics.IncAPIErrors(kind.String())

	switch kind {
	case strava.KindRateLimited:
		return o.rateLimited(m, cfg, log, err)
	case strava.KindUnauthorized:
		m.setState(auth.Unauthenticated)
		log.Error().Err(err).Msg("access token rejected after refresh")
		o.hub.Publish(notify.NewError(m.identifier, o.authMessage("Strava rejected the access token")))
		return metrics.CycleUnauthorized, err
	case strava.KindServerError:
		log.Error().Err(err).Msg("Strava server error, skipping cycle")
		o.hub.Publish(notify.NewError(m.identifier, "Strava is currently unavailable, retrying at the next refresh"))
	case strava.KindNetwork:
		log.Error().Err(err).Msg("network error, skipping cycle")
		o.hub.Publish(notify.NewError(m.identifier, "Could not reach Strava, retrying at the next refresh"))
	default:
		log.Error().Err(err).Msg("cycle failed")
		o.hub.Publish(notify.NewError(m.identifier, "Failed to load Strava data: "+err.Error()))
	}
	return metrics.CycleError, err
}

// rateLimited counts consecutive rate limited cycles and tells the
// display once the limit persists.
func (o *Orchestrator) rateLimited(m *module, cfg config.ModuleConfig, log zerolog.Logger, err error) (string, error) {
	m.mu.Lock()
	m.rateLimited++
	n := m.rateLimited
	m.mu.Unlock()

	rl := o.api.RateLimit()
	log.Warn().
		Int("consecutive", n).
		Str("15min_usage", fmt.Sprintf("%d/%d", rl.Usage15Min, rl.Limit15Min)).
		Str("daily_usage", fmt.Sprintf("%d/%d", rl.UsageDaily, rl.LimitDaily)).
		Dur("next_attempt_in", cfg.ReloadEvery()).
		Msg("rate limited by Strava")

	if n >= rateLimitTolerance {
		o.hub.Publish(notify.NewError(m.identifier, "Strava rate limit reached, data will update once the limit resets"))
	}
	return metrics.CycleRateLimited, err
}

func (o *Orchestrator) authMessage(reason string) string {
	if o.authPage == "" {
		return reason + ", please authorize this module again"
	}
	return fmt.Sprintf("%s, visit %s to authorize this module", reason, o.authPage)
}

// fetch loads what cfg.Mode displays and aggregates it.
func (o *Orchestrator) fetch(ctx context.Context, cfg config.ModuleConfig, token *auth.TokenRecord, log zerolog.Logger) (any, error) {
	now := o.now()

	switch cfg.Mode {
	case config.ModeTable:
		return o.totals(ctx, cfg, token, now, log)
	case config.ModeProgressBar:
		totals, err := o.totals(ctx, cfg, token, now, log)
		if err != nil {
			return nil, err
		}
		return aggregate.SummarizeGoals(cfg, totals, now), nil
	default:
		activities, err := o.activities(ctx, cfg, token, aggregate.PeriodStart(cfg, now), log)
		if err != nil {
			return nil, err
		}
		return aggregate.SummarizeActivities(cfg, activities, now), nil
	}
}

// totals uses Strava's stats endpoint unless private activities must be
// included, in which case every activity since firstYear is summed locally.
// Tokens without an athlete id fall back to the local path as well.
func (o *Orchestrator) totals(ctx context.Context, cfg config.ModuleConfig, token *auth.TokenRecord, now time.Time, log zerolog.Logger) (map[string]aggregate.StatsTotals, error) {
	if !cfg.ShowPrivateStats && token.AthleteID() != 0 {
		stats, err := o.api.GetAthleteStats(ctx, token.AccessToken, token.AthleteID())
		if err != nil {
			return nil, err
		}
		return aggregate.StatsFromAthleteStats(cfg, stats), nil
	}

	all := cfg
	all.Period = config.PeriodAll
	activities, err := o.activities(ctx, cfg, token, aggregate.PeriodStart(all, now), log)
	if err != nil {
		return nil, err
	}
	return aggregate.SummarizeStats(cfg, activities, now), nil
}

func (o *Orchestrator) activities(ctx context.Context, cfg config.ModuleConfig, token *auth.TokenRecord, after time.Time, log zerolog.Logger) ([]strava.Activity, error) {
	if o.cache != nil {
		if activities, ok := o.cache.Get(cfg.ClientID, after); ok {
			log.Debug().Int("count", len(activities)).Msg("activities served from cache")
			return activities, nil
		}
	}

	progress := func(result strava.FetchResult) {
		rl := result.RateLimit
		log.Debug().
			Int("page", result.Page).
			Int("activities_on_page", result.Count).
			Int("total_fetched", result.TotalFetched).
			Str("15min_usage", fmt.Sprintf("%d/%d", rl.Usage15Min, rl.Limit15Min)).
			Str("daily_usage", fmt.Sprintf("%d/%d", rl.UsageDaily, rl.LimitDaily)).
			Msg("activity fetch progress")
	}

	activities, err := o.api.ListAllActivities(ctx, token.AccessToken, after, progress)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("count", len(activities)).
		Str("since", after.Format(time.RFC3339)).
		Msg("fetched activities")

	if o.cache != nil {
		o.cache.Set(cfg.ClientID, after, activities)
	}
	return activities, nil
}
