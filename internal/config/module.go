package config

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gookit/validate"
)

// Display modes
const (
	ModeTable       = "table"
	ModeChart       = "chart"
	ModeProgressBar = "progressbar"
)

// Aggregation periods
const (
	PeriodRecent = "recent"
	PeriodYTD    = "ytd"
	PeriodAll    = "all"
)

const (
	defaultReloadInterval = 5 * 60 * 1000
	defaultUpdateInterval = 20 * 1000
	// MinReloadInterval keeps a misconfigured module from exhausting the quota.
	MinReloadInterval = 60 * 1000
	firstYearLookback = 4
)

// ModuleConfig is the configuration a display module registers with.
// Intervals are in milliseconds to match what the display side sends.
type ModuleConfig struct {
	ClientID         string             `json:"client_id" mapstructure:"client_id" validate:"required"`
	ClientSecret     string             `json:"client_secret" mapstructure:"client_secret" validate:"required"`
	Mode             string             `json:"mode" mapstructure:"mode" validate:"required|in:table,chart,progressbar"`
	Period           string             `json:"period" mapstructure:"period" validate:"required|in:recent,ytd,all"`
	Activities       []string           `json:"activities" mapstructure:"activities" validate:"required"`
	Stats            []string           `json:"stats,omitempty" mapstructure:"stats"`
	AutoRotate       bool               `json:"auto_rotate" mapstructure:"auto_rotate"`
	Locale           string             `json:"locale,omitempty" mapstructure:"locale"`
	Units            string             `json:"units" mapstructure:"units" validate:"in:metric,imperial"`
	ReloadInterval   int64              `json:"reloadInterval" mapstructure:"reloadInterval" validate:"required|min:1"`
	UpdateInterval   int64              `json:"updateInterval" mapstructure:"updateInterval" validate:"min:0"`
	FirstYear        int                `json:"firstYear" mapstructure:"firstYear" validate:"required|min:1970"`
	ShowPrivateStats bool               `json:"showPrivateStats" mapstructure:"showPrivateStats"`
	ShownPB          string             `json:"shownPB,omitempty" mapstructure:"shownPB"`
	Goals            map[string]float64 `json:"goals,omitempty" mapstructure:"goals"`

	// Accepted for compatibility with old configs; reported as deprecated.
	AccessToken string `json:"access_token,omitempty" mapstructure:"access_token"`
	StravaID    string `json:"strava_id,omitempty" mapstructure:"strava_id"`
}

// ValidationError reports an invalid module configuration.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid module config: " + e.Message
}

// DefaultModuleConfig returns the defaults applied under every registration.
func DefaultModuleConfig(now time.Time) ModuleConfig {
	return ModuleConfig{
		Mode:           ModeChart,
		Period:         PeriodRecent,
		Activities:     []string{"ride", "run", "swim"},
		Stats:          []string{"count", "distance", "pace", "achievements"},
		Units:          "metric",
		ReloadInterval: defaultReloadInterval,
		UpdateInterval: defaultUpdateInterval,
		FirstYear:      now.Year() - firstYearLookback,
		ShownPB:        "ride",
		Goals:          map[string]float64{"ride": 1000, "run": 750, "swim": 0},
	}
}

// ParseModuleConfig decodes raw JSON on top of the defaults.
func ParseModuleConfig(raw []byte, now time.Time) (ModuleConfig, error) {
	cfg := DefaultModuleConfig(now)
	if len(raw) == 0 {
		return cfg, nil
	}
	raw, err := quoteNumericClientID(raw)
	if err != nil {
		return ModuleConfig{}, &ValidationError{Message: err.Error()}
	}
	// Provided goals replace the default set rather than merging into it.
	cfg.Goals = nil
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ModuleConfig{}, &ValidationError{Message: err.Error()}
	}
	if cfg.Goals == nil {
		cfg.Goals = DefaultModuleConfig(now).Goals
	}
	return cfg, nil
}

// Normalize canonicalizes the config in place and returns warnings for
// deprecated or adjusted settings.
func (c *ModuleConfig) Normalize(now time.Time) []string {
	var warnings []string

	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Period = strings.ToLower(strings.TrimSpace(c.Period))
	c.Units = strings.ToLower(strings.TrimSpace(c.Units))

	seen := make(map[string]bool, len(c.Activities))
	activities := make([]string, 0, len(c.Activities))
	for _, a := range c.Activities {
		a = NormalizeActivityType(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		activities = append(activities, a)
	}
	c.Activities = activities

	if c.AccessToken != "" || c.StravaID != "" {
		warnings = append(warnings, "strava_id and access_token are deprecated and ignored, "+
			"authorize the module with client_id and client_secret instead")
	}
	if c.ReloadInterval > 0 && c.ReloadInterval < MinReloadInterval {
		warnings = append(warnings, fmt.Sprintf("reloadInterval %dms is below the minimum, using %dms",
			c.ReloadInterval, MinReloadInterval))
		c.ReloadInterval = MinReloadInterval
	}
	if c.FirstYear > now.Year() {
		warnings = append(warnings, fmt.Sprintf("firstYear %d is in the future, using %d", c.FirstYear, now.Year()))
		c.FirstYear = now.Year()
	}
	return warnings
}

// Validate checks the config. Call Normalize first.
func (c *ModuleConfig) Validate() error {
	v := validate.Struct(c)
	if !v.Validate() {
		return &ValidationError{Message: v.Errors.One()}
	}
	if len(c.Activities) == 0 {
		return &ValidationError{Message: "activities must name at least one activity type"}
	}
	return nil
}

// quoteNumericClientID rewrites a numeric client_id as a JSON string.
// Strava shows client ids as numbers, so configs and YAML files carry
// either form.
func quoteNumericClientID(raw []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	id := bytes.TrimSpace(fields["client_id"])
	if len(id) == 0 || (id[0] != '-' && (id[0] < '0' || id[0] > '9')) {
		return raw, nil
	}
	if _, err := strconv.ParseInt(string(id), 10, 64); err != nil {
		return nil, fmt.Errorf("client_id %s is not a whole number", id)
	}
	fields["client_id"] = json.RawMessage(strconv.Quote(string(id)))
	return json.Marshal(fields)
}

// ReloadEvery returns the polling interval.
func (c *ModuleConfig) ReloadEvery() time.Duration {
	return time.Duration(c.ReloadInterval) * time.Millisecond
}

// Goal returns the yearly goal in kilometres for an activity type.
func (c *ModuleConfig) Goal(activityType string) float64 {
	return c.Goals[activityType]
}

// NormalizeActivityType lowercases a type tag and folds the virtual
// variants into their base type, so "VirtualRide" counts as "ride".
func NormalizeActivityType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	return strings.TrimPrefix(t, "virtual")
}
