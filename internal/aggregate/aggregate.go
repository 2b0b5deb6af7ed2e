// Package aggregate turns raw Strava activities into the period summaries
// the mirror displays. Every function is pure: the caller passes the
// reference time, so results depend only on the inputs.
package aggregate

import (
	"time"

	"github.com/joshdurbin/strava-mirror/internal/config"
	"github.com/joshdurbin/strava-mirror/internal/strava"
)

// recentWindow is the rolling window of the provider's "recent" totals.
const recentWindow = 28 * 24 * time.Hour

// ActivitySummary is the chart mode aggregate for one activity type.
type ActivitySummary struct {
	TotalActivityCount    int       `json:"total_activity_count"`
	TotalDistance         float64   `json:"total_distance"`
	TotalElevationGain    float64   `json:"total_elevation_gain"`
	TotalMovingTime       int       `json:"total_moving_time"`
	TotalElapsedTime      int       `json:"total_elapsed_time"`
	TotalAchievementCount int       `json:"total_achievement_count"`
	MaxIntervalDistance   float64   `json:"max_interval_distance"`
	Intervals             []float64 `json:"intervals"`
}

// StatsTotals is the table mode aggregate for one period and activity type.
type StatsTotals struct {
	Count            int     `json:"count"`
	Distance         float64 `json:"distance"`
	MovingTime       int     `json:"moving_time"`
	ElapsedTime      int     `json:"elapsed_time"`
	ElevationGain    float64 `json:"elevation_gain"`
	AchievementCount int     `json:"achievement_count"`
}

func (t *StatsTotals) add(a strava.Activity) {
	t.Count++
	t.Distance += a.Distance
	t.MovingTime += a.MovingTime
	t.ElapsedTime += a.ElapsedTime
	t.ElevationGain += a.TotalElevationGain
	t.AchievementCount += a.AchievementCount
}

// TotalsKey returns the key of a totals block, e.g. "ytd_run_totals".
func TotalsKey(period, activityType string) string {
	return period + "_" + activityType + "_totals"
}

// Periods lists the table mode periods in display order.
var Periods = []string{config.PeriodRecent, config.PeriodYTD, config.PeriodAll}

// IntervalCount returns the number of chart buckets for the period:
// weekdays, months, or years since firstYear.
func IntervalCount(cfg config.ModuleConfig, now time.Time) int {
	switch cfg.Period {
	case config.PeriodYTD:
		return 12
	case config.PeriodAll:
		return max(now.Year()-cfg.FirstYear+1, 1)
	default:
		return 7
	}
}

// intervalIndex places an activity into its chart bucket. The bool is
// false when the activity falls outside the period's buckets.
func intervalIndex(cfg config.ModuleConfig, start time.Time, n int) (int, bool) {
	var idx int
	switch cfg.Period {
	case config.PeriodYTD:
		idx = int(start.Month()) - 1
	case config.PeriodAll:
		idx = start.Year() - cfg.FirstYear
	default:
		idx = int(start.Weekday())
	}
	return idx, idx >= 0 && idx < n
}

func wanted(cfg config.ModuleConfig) map[string]bool {
	set := make(map[string]bool, len(cfg.Activities))
	for _, a := range cfg.Activities {
		set[a] = true
	}
	return set
}

// SummarizeActivities builds one ActivitySummary per configured activity
// type. Activities of other types are ignored. For the all-time period an
// activity dated outside [firstYear, now.Year()] has no bucket and is left
// out of the totals as well, keeping sum(intervals) == total_distance.
func SummarizeActivities(cfg config.ModuleConfig, activities []strava.Activity, now time.Time) map[string]ActivitySummary {
	n := IntervalCount(cfg, now)
	types := wanted(cfg)

	summaries := make(map[string]*ActivitySummary, len(types))
	for t := range types {
		summaries[t] = &ActivitySummary{Intervals: make([]float64, n)}
	}

	for _, a := range activities {
		s, ok := summaries[config.NormalizeActivityType(a.Type)]
		if !ok {
			continue
		}
		idx, ok := intervalIndex(cfg, a.StartDateLocal, n)
		if !ok {
			continue
		}

		s.Intervals[idx] += a.Distance
		s.MaxIntervalDistance = max(s.MaxIntervalDistance, s.Intervals[idx])
		s.TotalActivityCount++
		s.TotalDistance += a.Distance
		s.TotalElevationGain += a.TotalElevationGain
		s.TotalMovingTime += a.MovingTime
		s.TotalElapsedTime += a.ElapsedTime
		s.TotalAchievementCount += a.AchievementCount
	}

	out := make(map[string]ActivitySummary, len(summaries))
	for t, s := range summaries {
		out[t] = *s
	}
	return out
}

// SummarizeStats computes the recent (28 days), ytd and all-time totals
// locally. The windows overlap, so one activity can count in all three.
func SummarizeStats(cfg config.ModuleConfig, activities []strava.Activity, now time.Time) map[string]StatsTotals {
	wall := wallClock(now)
	recentStart := wall.Add(-recentWindow)
	yearStart := time.Date(wall.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)

	totals := make(map[string]*StatsTotals)
	for t := range wanted(cfg) {
		for _, p := range Periods {
			totals[TotalsKey(p, t)] = &StatsTotals{}
		}
	}

	for _, a := range activities {
		t := config.NormalizeActivityType(a.Type)
		all, ok := totals[TotalsKey(config.PeriodAll, t)]
		if !ok {
			continue
		}
		all.add(a)

		start := a.StartDateLocal
		if start.After(wall) {
			continue
		}
		if !start.Before(recentStart) {
			totals[TotalsKey(config.PeriodRecent, t)].add(a)
		}
		if !start.Before(yearStart) {
			totals[TotalsKey(config.PeriodYTD, t)].add(a)
		}
	}

	out := make(map[string]StatsTotals, len(totals))
	for k, v := range totals {
		out[k] = *v
	}
	return out
}

// StatsFromAthleteStats maps the provider's stats endpoint onto the same
// shape as SummarizeStats, restricted to the configured activity types.
func StatsFromAthleteStats(cfg config.ModuleConfig, stats strava.AthleteStats) map[string]StatsTotals {
	out := make(map[string]StatsTotals)
	for t := range wanted(cfg) {
		for _, p := range Periods {
			src, ok := stats.Lookup(p, t)
			if !ok {
				continue
			}
			out[TotalsKey(p, t)] = StatsTotals{
				Count:            src.Count,
				Distance:         src.Distance,
				MovingTime:       src.MovingTime,
				ElapsedTime:      src.ElapsedTime,
				ElevationGain:    src.ElevationGain,
				AchievementCount: src.AchievementCount,
			}
		}
	}
	return out
}

// PeriodStart returns the earliest activity start the chart for cfg needs:
// the most recent Sunday, Jan 1 of this year, or Jan 1 of firstYear. The
// result is a wall clock time expressed in now's location.
func PeriodStart(cfg config.ModuleConfig, now time.Time) time.Time {
	loc := now.Location()
	switch cfg.Period {
	case config.PeriodYTD:
		return time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, loc)
	case config.PeriodAll:
		return time.Date(cfg.FirstYear, time.January, 1, 0, 0, 0, 0, loc)
	default:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		return day.AddDate(0, 0, -int(day.Weekday()))
	}
}

// wallClock re-labels now's wall clock reading as UTC, matching how
// Strava encodes start_date_local.
func wallClock(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second(), now.Nanosecond(), time.UTC)
}
