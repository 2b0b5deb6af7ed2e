package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/joshdurbin/strava-mirror/internal/config"
	"github.com/joshdurbin/strava-mirror/internal/strava"
)

// Saturday
var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func moduleConfig(period string, activities ...string) config.ModuleConfig {
	cfg := config.DefaultModuleConfig(now)
	cfg.Period = period
	if len(activities) > 0 {
		cfg.Activities = activities
	}
	return cfg
}

func activity(typ string, distance float64, start time.Time) strava.Activity {
	return strava.Activity{
		Type:               typ,
		Distance:           distance,
		MovingTime:         int(distance / 3),
		ElapsedTime:        int(distance / 2),
		TotalElevationGain: distance / 100,
		AchievementCount:   1,
		StartDate:          start,
		StartDateLocal:     start,
	}
}

func daysAgo(n int) time.Time {
	return now.AddDate(0, 0, -n)
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func maxOf(xs []float64) float64 {
	var m float64
	for _, x := range xs {
		m = math.Max(m, x)
	}
	return m
}

func TestSummarizeActivitiesIntervals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		period        string
		wantIntervals int
	}{
		{"recent uses weekdays", config.PeriodRecent, 7},
		{"ytd uses months", config.PeriodYTD, 12},
		{"all uses years since firstYear", config.PeriodAll, 5},
	}

	activities := []strava.Activity{
		activity("Ride", 20000, daysAgo(0)),
		activity("Ride", 15000, daysAgo(1)),
		activity("VirtualRide", 30000, daysAgo(1)),
		activity("Run", 5000, daysAgo(3)),
		activity("Run", 8000, daysAgo(40)),
		activity("Run", 10000, daysAgo(400)),
		activity("Swim", 1500, daysAgo(2)),
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := SummarizeActivities(moduleConfig(tt.period), activities, now)

			if len(got) != 3 {
				t.Fatalf("expected 3 activity types, got %d", len(got))
			}
			for typ, s := range got {
				if len(s.Intervals) != tt.wantIntervals {
					t.Errorf("%s: intervals length = %d, want %d", typ, len(s.Intervals), tt.wantIntervals)
				}
				if sum(s.Intervals) != s.TotalDistance {
					t.Errorf("%s: sum(intervals) = %v, want total_distance %v", typ, sum(s.Intervals), s.TotalDistance)
				}
				if maxOf(s.Intervals) != s.MaxIntervalDistance {
					t.Errorf("%s: max_interval_distance = %v, want %v", typ, s.MaxIntervalDistance, maxOf(s.Intervals))
				}
			}
		})
	}
}

func TestSummarizeActivitiesRecentBuckets(t *testing.T) {
	t.Parallel()

	activities := []strava.Activity{
		activity("Ride", 20000, daysAgo(0)),        // Saturday
		activity("Ride", 15000, daysAgo(1)),        // Friday
		activity("VirtualRide", 30000, daysAgo(1)), // Friday, merged into ride
		activity("Ride", 5000, daysAgo(6)),         // Sunday
	}

	got := SummarizeActivities(moduleConfig(config.PeriodRecent, "ride"), activities, now)
	ride := got["ride"]

	want := []float64{5000, 0, 0, 0, 0, 45000, 20000}
	for i := range want {
		if ride.Intervals[i] != want[i] {
			t.Errorf("intervals[%d] = %v, want %v", i, ride.Intervals[i], want[i])
		}
	}
	if ride.TotalActivityCount != 4 {
		t.Errorf("total_activity_count = %d, want 4", ride.TotalActivityCount)
	}
	if ride.MaxIntervalDistance != 45000 {
		t.Errorf("max_interval_distance = %v, want 45000", ride.MaxIntervalDistance)
	}
	if ride.TotalAchievementCount != 4 {
		t.Errorf("total_achievement_count = %d, want 4", ride.TotalAchievementCount)
	}
}

func TestSummarizeActivitiesYTDBuckets(t *testing.T) {
	t.Parallel()

	activities := []strava.Activity{
		activity("Run", 1000, time.Date(2024, 1, 3, 7, 0, 0, 0, time.UTC)),
		activity("Run", 2000, time.Date(2024, 1, 20, 7, 0, 0, 0, time.UTC)),
		activity("Run", 4000, time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)),
	}

	run := SummarizeActivities(moduleConfig(config.PeriodYTD, "run"), activities, now)["run"]

	if run.Intervals[0] != 3000 || run.Intervals[5] != 4000 {
		t.Errorf("unexpected month buckets: %v", run.Intervals)
	}
	if run.MaxIntervalDistance != 4000 {
		t.Errorf("max_interval_distance = %v, want 4000", run.MaxIntervalDistance)
	}
}

func TestSummarizeActivitiesAllDropsOutOfRange(t *testing.T) {
	t.Parallel()

	cfg := moduleConfig(config.PeriodAll, "run")
	cfg.FirstYear = 2022

	activities := []strava.Activity{
		activity("Run", 1000, time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC)),
		activity("Run", 2000, time.Date(2022, 5, 1, 0, 0, 0, 0, time.UTC)),
		activity("Run", 3000, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
	}

	run := SummarizeActivities(cfg, activities, now)["run"]

	if len(run.Intervals) != 3 {
		t.Fatalf("intervals length = %d, want 3", len(run.Intervals))
	}
	if run.Intervals[0] != 2000 || run.Intervals[1] != 0 || run.Intervals[2] != 3000 {
		t.Errorf("unexpected year buckets: %v", run.Intervals)
	}
	if run.TotalDistance != 5000 || run.TotalActivityCount != 2 {
		t.Errorf("expected pre-firstYear activity to be dropped, got distance %v count %d", run.TotalDistance, run.TotalActivityCount)
	}
}

func TestSummarizeActivitiesIgnoresUnconfiguredTypes(t *testing.T) {
	t.Parallel()

	activities := []strava.Activity{
		activity("Walk", 3000, daysAgo(0)),
		activity("Hike", 9000, daysAgo(1)),
	}
	got := SummarizeActivities(moduleConfig(config.PeriodRecent, "run"), activities, now)

	if len(got) != 1 {
		t.Fatalf("expected only run summary, got %v", got)
	}
	if got["run"].TotalActivityCount != 0 || sum(got["run"].Intervals) != 0 {
		t.Errorf("expected empty run summary, got %+v", got["run"])
	}
}

func TestSummarizeActivitiesOrderIndependent(t *testing.T) {
	t.Parallel()

	a := []strava.Activity{
		activity("Ride", 100, daysAgo(0)),
		activity("Ride", 200, daysAgo(2)),
		activity("Ride", 300, daysAgo(2)),
	}
	b := []strava.Activity{a[2], a[0], a[1]}

	cfg := moduleConfig(config.PeriodRecent, "ride")
	x, y := SummarizeActivities(cfg, a, now)["ride"], SummarizeActivities(cfg, b, now)["ride"]
	if x.TotalDistance != y.TotalDistance || x.MaxIntervalDistance != y.MaxIntervalDistance {
		t.Errorf("results depend on order: %+v vs %+v", x, y)
	}
}

func TestSummarizeStatsOverlappingWindows(t *testing.T) {
	t.Parallel()

	activities := []strava.Activity{
		activity("Run", 10000, daysAgo(10)),
		activity("Run", 20000, daysAgo(2*365)),
		activity("Run", 5000, daysAgo(60)),
		activity("Ride", 40000, daysAgo(1)),
	}

	got := SummarizeStats(moduleConfig(config.PeriodRecent, "run", "ride"), activities, now)

	tests := []struct {
		key      string
		count    int
		distance float64
	}{
		{"recent_run_totals", 1, 10000},
		{"ytd_run_totals", 2, 15000},
		{"all_run_totals", 3, 35000},
		{"recent_ride_totals", 1, 40000},
		{"ytd_ride_totals", 1, 40000},
		{"all_ride_totals", 1, 40000},
	}
	for _, tt := range tests {
		totals, ok := got[tt.key]
		if !ok {
			t.Errorf("missing %s", tt.key)
			continue
		}
		if totals.Count != tt.count || totals.Distance != tt.distance {
			t.Errorf("%s = %+v, want count %d distance %v", tt.key, totals, tt.count, tt.distance)
		}
	}
	if len(got) != 6 {
		t.Errorf("expected 6 totals blocks, got %d", len(got))
	}
}

func TestStatsFromAthleteStats(t *testing.T) {
	t.Parallel()

	stats := strava.AthleteStats{Totals: map[string]strava.Totals{
		"recent_run_totals": {Count: 2, Distance: 9000},
		"ytd_swim_totals":   {Count: 1, Distance: 1500},
		"all_ride_totals":   {Count: 99, Distance: 1e6},
	}}

	got := StatsFromAthleteStats(moduleConfig(config.PeriodRecent, "run", "ride"), stats)

	if got["recent_run_totals"].Distance != 9000 {
		t.Errorf("expected recent run totals to be mapped, got %+v", got)
	}
	if _, ok := got["ytd_swim_totals"]; ok {
		t.Error("expected unconfigured swim totals to be dropped")
	}
	if got["all_ride_totals"].Count != 99 {
		t.Errorf("expected all ride totals to be mapped, got %+v", got["all_ride_totals"])
	}
}

func TestPeriodStart(t *testing.T) {
	t.Parallel()

	cfg := moduleConfig(config.PeriodRecent)
	if got, want := PeriodStart(cfg, now), time.Date(2024, 6, 9, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("recent PeriodStart = %v, want %v", got, want)
	}

	cfg.Period = config.PeriodYTD
	if got, want := PeriodStart(cfg, now), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("ytd PeriodStart = %v, want %v", got, want)
	}

	cfg.Period = config.PeriodAll
	cfg.FirstYear = 2019
	if got, want := PeriodStart(cfg, now), time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("all PeriodStart = %v, want %v", got, want)
	}
}

func TestSummarizeGoals(t *testing.T) {
	t.Parallel()

	// 2024 is a leap year: July 1 is day 183 of 366, exactly half.
	mid := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	cfg := moduleConfig(config.PeriodYTD, "ride", "swim")
	cfg.Goals = map[string]float64{"ride": 1000}

	totals := map[string]StatsTotals{
		"ytd_ride_totals": {Distance: 600000},
		"ytd_swim_totals": {Distance: 20000},
	}
	got := SummarizeGoals(cfg, totals, mid)

	ride := got["ride"]
	if ride.Goal != 1000000 {
		t.Errorf("goal = %v, want 1000000", ride.Goal)
	}
	if ride.PercentOfYear != 50 {
		t.Errorf("percent_of_year = %v, want 50", ride.PercentOfYear)
	}
	if ride.ExpectedDistance != 500000 || ride.Deviation != 100000 {
		t.Errorf("expected 500000 expected and +100000 deviation, got %+v", ride)
	}
	if ride.PercentOfGoal != 60 {
		t.Errorf("percent_of_goal = %v, want 60", ride.PercentOfGoal)
	}

	swim := got["swim"]
	if swim.PercentOfGoal != 0 || swim.Distance != 20000 {
		t.Errorf("expected swim without goal to report distance only, got %+v", swim)
	}
}
