package strava

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Activity is the subset of a Strava SummaryActivity the mirror aggregates.
type Activity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	AchievementCount   int       `json:"achievement_count"`
	StartDate          time.Time `json:"start_date"`
	StartDateLocal     time.Time `json:"start_date_local"`
	Private            bool      `json:"private"`
}

// Totals is an ActivityTotal block of the athlete stats endpoint.
type Totals struct {
	Count            int     `json:"count"`
	Distance         float64 `json:"distance"`
	MovingTime       int     `json:"moving_time"`
	ElapsedTime      int     `json:"elapsed_time"`
	ElevationGain    float64 `json:"elevation_gain"`
	AchievementCount int     `json:"achievement_count"`
}

// AthleteStats is the response of GET /athletes/{id}/stats. The totals
// blocks are keyed by their field name, e.g. "ytd_run_totals".
type AthleteStats struct {
	BiggestRideDistance       float64
	BiggestClimbElevationGain float64
	Totals                    map[string]Totals
}

func (s *AthleteStats) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Totals = make(map[string]Totals)
	for key, value := range raw {
		switch {
		case key == "biggest_ride_distance":
			_ = json.Unmarshal(value, &s.BiggestRideDistance)
		case key == "biggest_climb_elevation_gain":
			_ = json.Unmarshal(value, &s.BiggestClimbElevationGain)
		case strings.HasSuffix(key, "_totals"):
			var t Totals
			if err := json.Unmarshal(value, &t); err != nil {
				return err
			}
			s.Totals[key] = t
		}
	}
	return nil
}

// Lookup returns the totals block for a period ("recent", "ytd", "all")
// and activity type ("ride", "run", "swim").
func (s AthleteStats) Lookup(period, activityType string) (Totals, bool) {
	t, ok := s.Totals[period+"_"+activityType+"_totals"]
	return t, ok
}

// ListOptions are the query parameters of GET /athlete/activities.
type ListOptions struct {
	// After restricts results to activities that started after this instant.
	After   time.Time
	Page    int
	PerPage int
}

// FetchResult describes one page of a ListAllActivities traversal.
type FetchResult struct {
	Page         int
	Count        int
	TotalFetched int
	RateLimit    RateLimitInfo
}

// ProgressCallback is called after each page is fetched
type ProgressCallback func(result FetchResult)
