package aggregate

import (
	"time"

	"github.com/joshdurbin/strava-mirror/internal/config"
)

// GoalProgress compares year-to-date distance against a yearly goal.
// Distances are in metres.
type GoalProgress struct {
	Goal             float64 `json:"goal"`
	Distance         float64 `json:"distance"`
	PercentOfGoal    float64 `json:"percent_of_goal"`
	PercentOfYear    float64 `json:"percent_of_year"`
	ExpectedDistance float64 `json:"expected_distance"`
	// Deviation is positive when ahead of an even pace towards the goal.
	Deviation float64 `json:"deviation"`
}

// SummarizeGoals derives goal progress for every configured activity type
// from ytd totals as produced by SummarizeStats or StatsFromAthleteStats.
// Types without a goal report zero percentages.
func SummarizeGoals(cfg config.ModuleConfig, totals map[string]StatsTotals, now time.Time) map[string]GoalProgress {
	partOfYear := yearFraction(now)

	out := make(map[string]GoalProgress, len(cfg.Activities))
	for _, t := range cfg.Activities {
		goal := cfg.Goal(t) * 1000
		distance := totals[TotalsKey(config.PeriodYTD, t)].Distance

		p := GoalProgress{
			Goal:          goal,
			Distance:      distance,
			PercentOfYear: partOfYear * 100,
		}
		if goal > 0 {
			p.PercentOfGoal = distance / goal * 100
			p.ExpectedDistance = partOfYear * goal
			p.Deviation = distance - p.ExpectedDistance
		}
		out[t] = p
	}
	return out
}

// yearFraction returns day-of-year over days-in-year.
func yearFraction(now time.Time) float64 {
	lastDay := time.Date(now.Year(), time.December, 31, 0, 0, 0, 0, now.Location())
	return float64(now.YearDay()) / float64(lastDay.YearDay())
}
