package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/joshdurbin/strava-mirror/internal/auth"
	"github.com/joshdurbin/strava-mirror/internal/cache"
	"github.com/joshdurbin/strava-mirror/internal/config"
	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/joshdurbin/strava-mirror/internal/metrics"
	"github.com/joshdurbin/strava-mirror/internal/notify"
	"github.com/joshdurbin/strava-mirror/internal/strava"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnknownModule = errors.New("unknown module identifier")
	ErrInvalidConfig = errors.New("module config is invalid")
	ErrCycleInFlight = errors.New("previous cycle still running")
)

const (
	// tokenSkew refreshes access tokens this long before they expire.
	tokenSkew = 5 * time.Minute
	// rateLimitTolerance is the number of consecutive rate limited cycles
	// before the display is told about it.
	rateLimitTolerance = 3
	// ApprovalPrompt forces Strava to show the consent screen so a
	// previously denied scope can be granted.
	ApprovalPrompt = "force"
)

// API is the subset of the Strava client a cycle needs.
type API interface {
	GetAthleteStats(ctx context.Context, accessToken string, athleteID int64) (strava.AthleteStats, error)
	ListAllActivities(ctx context.Context, accessToken string, after time.Time, progress strava.ProgressCallback) ([]strava.Activity, error)
	RateLimit() strava.RateLimitInfo
}

// OAuth is the subset of the authorization flow the orchestrator needs.
type OAuth interface {
	AuthorizationURL(args auth.AuthorizeArgs) string
	Exchange(ctx context.Context, clientID, clientSecret, code string) (*auth.TokenRecord, error)
	Refresh(ctx context.Context, clientID, clientSecret string, existing *auth.TokenRecord) (*auth.TokenRecord, error)
}

type Options struct {
	Store auth.Store
	API   API
	OAuth OAuth
	Hub   *notify.Hub
	// Cache is optional.
	Cache   *cache.Activities
	Metrics metrics.Recorder
	// RedirectURI is the OAuth callback, <baseURL>/auth/exchange.
	RedirectURI string
	// AuthPage is shown to the user in authorization errors.
	AuthPage string
	// RefreshCheck is how often tokens nearing expiry are renewed ahead of
	// the next cycle. Zero disables the background check.
	RefreshCheck time.Duration
	Now          func() time.Time
}

// ModuleStatus is the externally visible state of one registration.
type ModuleStatus struct {
	Identifier       string     `json:"identifier"`
	ClientID         string     `json:"client_id"`
	Mode             string     `json:"mode"`
	Period           string     `json:"period"`
	Valid            bool       `json:"valid"`
	AuthState        auth.State `json:"auth_state"`
	ReloadIntervalMS int64      `json:"reload_interval_ms"`
	LastCycle        time.Time  `json:"last_cycle,omitempty"`
	LastResult       string     `json:"last_result,omitempty"`
	NextCycle        time.Time  `json:"next_cycle,omitempty"`
}

type module struct {
	identifier string
	// running serializes cycles of one identifier.
	running sync.Mutex

	mu          sync.Mutex
	cfg         config.ModuleConfig
	valid       bool
	state       auth.State
	entryID     cron.EntryID
	scheduled   bool
	rateLimited int
	lastCycle   time.Time
	lastResult  string
}

func (m *module) snapshot() (config.ModuleConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, m.valid
}

func (m *module) setState(s auth.State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Orchestrator owns module registrations and drives their fetch cycles.
// Cycles of different identifiers run independently; cycles of the same
// identifier never overlap.
type Orchestrator struct {
	store       auth.Store
	api         API
	oauth       OAuth
	hub         *notify.Hub
	cache       *cache.Activities
	metrics     metrics.Recorder
	redirectURI string
	authPage    string
	now         func() time.Time

	// regMu serializes registration changes so a schedule is never armed twice.
	regMu   sync.Mutex
	mu      sync.RWMutex
	modules map[string]*module

	cron      *cron.Cron
	refreshes singleflight.Group

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	stopOnce sync.Once
}

func New(opts Options) *Orchestrator {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:       opts.Store,
		api:         opts.API,
		oauth:       opts.OAuth,
		hub:         opts.Hub,
		cache:       opts.Cache,
		metrics:     opts.Metrics,
		redirectURI: opts.RedirectURI,
		authPage:    opts.AuthPage,
		now:         opts.Now,
		modules:     make(map[string]*module),
		cron:        cron.New(cron.WithChain(cron.Recover(logging.CronLogger{}))),
		ctx:         ctx,
		cancel:      cancel,
	}

	if opts.RefreshCheck > 0 {
		if _, err := o.cron.AddFunc("@every "+opts.RefreshCheck.String(), func() { o.RefreshExpiring(o.ctx) }); err != nil {
			logging.Logger.Error().Err(err).Msg("failed to schedule token refresh check")
		}
	}
	return o
}

// Start begins running scheduled cycles.
func (o *Orchestrator) Start() {
	o.cron.Start()
	logging.Logger.Info().Int("modules", len(o.Identifiers())).Msg("scheduler started")
}

// Stop cancels in-flight cycles and waits for them to return.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.cancel()
		<-o.cron.Stop().Done()
		o.inflight.Wait()
		logging.Logger.Info().Msg("scheduler stopped")
	})
}

// RegisterConfig stores cfg for identifier, replacing any previous
// registration, runs a cycle right away and then every reloadInterval.
// An invalid config is reported once as an ERROR event and not scheduled.
func (o *Orchestrator) RegisterConfig(ctx context.Context, identifier string, cfg config.ModuleConfig) error {
	if identifier == "" {
		return fmt.Errorf("%w: identifier is required", ErrInvalidConfig)
	}
	log := logging.ForModule(identifier)

	warnings := cfg.Normalize(o.now())
	verr := cfg.Validate()
	state := o.initialState(ctx, cfg)

	o.regMu.Lock()
	defer o.regMu.Unlock()

	o.mu.Lock()
	m, ok := o.modules[identifier]
	if !ok {
		m = &module{identifier: identifier}
		o.modules[identifier] = m
	}
	count := len(o.modules)
	o.mu.Unlock()
	o.metrics.SetModules(count)

	m.mu.Lock()
	if m.scheduled {
		o.cron.Remove(m.entryID)
		m.scheduled = false
	}
	m.cfg = cfg
	m.valid = verr == nil
	m.rateLimited = 0
	m.state = state
	m.mu.Unlock()

	for _, w := range warnings {
		log.Warn().Msg(w)
		o.hub.Publish(notify.NewWarning(identifier, w))
	}

	if verr != nil {
		log.Error().Err(verr).Msg("rejected module config")
		o.hub.Publish(notify.NewError(identifier, verr.Error()))
		return fmt.Errorf("%w: %v", ErrInvalidConfig, verr)
	}

	entryID, err := o.cron.AddFunc("@every "+cfg.ReloadEvery().String(), func() {
		_ = o.RunCycle(o.ctx, identifier)
	})
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", identifier, err)
	}
	m.mu.Lock()
	m.entryID = entryID
	m.scheduled = true
	m.mu.Unlock()

	log.Info().
		Str("mode", cfg.Mode).
		Str("period", cfg.Period).
		Strs("activities", cfg.Activities).
		Dur("reload_interval", cfg.ReloadEvery()).
		Bool("replaced", ok).
		Msg("module registered")

	o.Trigger(identifier)
	return nil
}

// Unregister removes identifier and its schedule.
func (o *Orchestrator) Unregister(identifier string) bool {
	o.regMu.Lock()
	defer o.regMu.Unlock()

	o.mu.Lock()
	m, ok := o.modules[identifier]
	delete(o.modules, identifier)
	count := len(o.modules)
	o.mu.Unlock()
	if !ok {
		return false
	}
	o.metrics.SetModules(count)

	m.mu.Lock()
	if m.scheduled {
		o.cron.Remove(m.entryID)
		m.scheduled = false
	}
	m.mu.Unlock()
	o.hub.Forget(identifier)
	log := logging.ForModule(identifier)
	log.Info().Msg("module unregistered")
	return true
}

// Trigger runs a cycle for identifier in the background.
func (o *Orchestrator) Trigger(identifier string) {
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		_ = o.RunCycle(o.ctx, identifier)
	}()
}

func (o *Orchestrator) initialState(ctx context.Context, cfg config.ModuleConfig) auth.State {
	if cfg.ClientID == "" {
		return auth.Unauthenticated
	}
	token, err := auth.Load(ctx, o.store, cfg.ClientID)
	if err != nil {
		return auth.Unauthenticated
	}
	if token.ExpiresWithin(o.now(), 0) {
		return auth.Expired
	}
	return auth.Authenticated
}

func (o *Orchestrator) lookup(identifier string) (*module, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.modules[identifier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, identifier)
	}
	return m, nil
}

// Identifiers returns the registered identifiers in sorted order.
func (o *Orchestrator) Identifiers() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.modules))
	for id := range o.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Modules returns the status of every registration ordered by identifier.
func (o *Orchestrator) Modules() []ModuleStatus {
	ids := o.Identifiers()
	out := make([]ModuleStatus, 0, len(ids))
	for _, id := range ids {
		if s, ok := o.Module(id); ok {
			out = append(out, s)
		}
	}
	return out
}

func (o *Orchestrator) Module(identifier string) (ModuleStatus, bool) {
	m, err := o.lookup(identifier)
	if err != nil {
		return ModuleStatus{}, false
	}

	m.mu.Lock()
	s := ModuleStatus{
		Identifier:       identifier,
		ClientID:         m.cfg.ClientID,
		Mode:             m.cfg.Mode,
		Period:           m.cfg.Period,
		Valid:            m.valid,
		AuthState:        m.state,
		ReloadIntervalMS: m.cfg.ReloadInterval,
		LastCycle:        m.lastCycle,
		LastResult:       m.lastResult,
	}
	entryID, scheduled := m.entryID, m.scheduled
	m.mu.Unlock()

	if scheduled {
		s.NextCycle = o.cron.Entry(entryID).Next
	}
	return s, true
}

// AuthorizationURL returns the Strava authorize URL for identifier. The
// identifier travels as the OAuth state and comes back on the exchange.
func (o *Orchestrator) AuthorizationURL(identifier string) (string, error) {
	m, err := o.lookup(identifier)
	if err != nil {
		return "", err
	}
	cfg, _ := m.snapshot()
	if cfg.ClientID == "" {
		return "", fmt.Errorf("%w: client_id is required", ErrInvalidConfig)
	}
	return o.oauth.AuthorizationURL(auth.AuthorizeArgs{
		ClientID:       cfg.ClientID,
		RedirectURI:    o.redirectURI,
		Scope:          auth.DefaultScope,
		State:          identifier,
		ApprovalPrompt: ApprovalPrompt,
	}), nil
}

// MarkPending records that the user was sent to the authorize page.
func (o *Orchestrator) MarkPending(identifier string) error {
	m, err := o.lookup(identifier)
	if err != nil {
		return err
	}
	m.setState(auth.PendingExchange)
	return nil
}

// CompleteExchange trades code for a token, persists it and refreshes
// every module bound to the same client id.
func (o *Orchestrator) CompleteExchange(ctx context.Context, identifier, code string) error {
	log := logging.ForModule(identifier)

	m, err := o.lookup(identifier)
	if err != nil {
		return err
	}
	cfg, valid := m.snapshot()
	if !valid {
		return ErrInvalidConfig
	}

	token, err := o.oauth.Exchange(ctx, cfg.ClientID, cfg.ClientSecret, code)
	if err != nil {
		m.setState(auth.Unauthenticated)
		log.Error().Err(err).Msg("authorization code exchange failed")
		return err
	}
	if _, err := o.store.Save(ctx, cfg.ClientID, token); err != nil {
		m.setState(auth.Unauthenticated)
		log.Error().Err(err).Msg("failed to persist token")
		return fmt.Errorf("saving token: %w", err)
	}

	log.Info().Int64("athlete_id", token.AthleteID()).Msg("module authorized")
	for _, id := range o.sharingClient(cfg.ClientID) {
		if sm, err := o.lookup(id); err == nil {
			sm.setState(auth.Authenticated)
		}
		o.Trigger(id)
	}
	return nil
}

// sharingClient lists the identifiers configured with clientID.
func (o *Orchestrator) sharingClient(clientID string) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var ids []string
	for id, m := range o.modules {
		m.mu.Lock()
		if m.cfg.ClientID == clientID {
			ids = append(ids, id)
		}
		m.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// RateLimitRecorder feeds Strava rate limit headers into rec.
func RateLimitRecorder(rec metrics.Recorder) func(strava.RateLimitInfo) {
	return func(info strava.RateLimitInfo) {
		rec.SetRateLimit("15min", info.Usage15Min, info.Limit15Min)
		rec.SetRateLimit("daily", info.UsageDaily, info.LimitDaily)
	}
}
