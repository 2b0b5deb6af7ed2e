package strava

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitInfo is the most restrictive view of the rate limit headers
// attached to the last response.
type RateLimitInfo struct {
	Limit15Min    int
	Usage15Min    int
	LimitDaily    int
	UsageDaily    int
	IsRateLimited bool
	ObservedAt    time.Time
	// Calculated fields
	TimeUntil15MinReset time.Duration
	TimeUntilDailyReset time.Duration
	RecommendedWait     time.Duration
}

// Leave room below the limits for the authorization exchange and manual refreshes.
const rateLimitBuffer = 5

// timeUntilNext15MinWindow returns the time until the next quarter hour,
// when Strava resets the short window, plus a two second margin.
func timeUntilNext15MinWindow(now time.Time) time.Duration {
	next := now.Truncate(15 * time.Minute).Add(15 * time.Minute)
	return next.Sub(now) + 2*time.Second
}

// timeUntilMidnightUTC returns the time until the daily window resets.
func timeUntilMidnightUTC(now time.Time) time.Duration {
	nowUTC := now.UTC()
	midnight := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day()+1, 0, 0, 0, 0, time.UTC)
	return midnight.Sub(nowUTC) + 2*time.Second
}

// IsApproaching15MinLimit returns true if usage is within the buffer of the 15-minute limit
func (info *RateLimitInfo) IsApproaching15MinLimit() bool {
	return info.Limit15Min > 0 && info.Usage15Min >= info.Limit15Min-rateLimitBuffer
}

// IsApproachingDailyLimit returns true if usage is within the buffer of the daily limit
func (info *RateLimitInfo) IsApproachingDailyLimit() bool {
	return info.LimitDaily > 0 && info.UsageDaily >= info.LimitDaily-rateLimitBuffer
}

// recalculate derives the reset times and the recommended wait for now.
func (info *RateLimitInfo) recalculate(now time.Time) {
	info.TimeUntil15MinReset = timeUntilNext15MinWindow(now)
	info.TimeUntilDailyReset = timeUntilMidnightUTC(now)
	info.RecommendedWait = 0

	switch {
	case info.Limit15Min > 0 && info.Usage15Min >= info.Limit15Min:
		info.IsRateLimited = true
		info.RecommendedWait = info.TimeUntil15MinReset
	case info.LimitDaily > 0 && info.UsageDaily >= info.LimitDaily:
		info.IsRateLimited = true
		info.RecommendedWait = info.TimeUntilDailyReset
	case info.IsApproaching15MinLimit():
		info.RecommendedWait = info.TimeUntil15MinReset
	case info.IsApproachingDailyLimit():
		info.RecommendedWait = info.TimeUntilDailyReset
	}
}

// At returns info as it stands at now. Usage from a window that has reset
// since ObservedAt is cleared, so a reading near the daily limit stops
// gating requests after midnight UTC even when no response replaced it.
func (info RateLimitInfo) At(now time.Time) RateLimitInfo {
	if info.ObservedAt.IsZero() {
		return info
	}
	shortReset := !now.Before(info.ObservedAt.Add(timeUntilNext15MinWindow(info.ObservedAt)))
	dailyReset := !now.Before(info.ObservedAt.Add(timeUntilMidnightUTC(info.ObservedAt)))
	if dailyReset {
		info.UsageDaily = 0
		shortReset = true
	}
	if shortReset {
		info.Usage15Min = 0
		info.IsRateLimited = false
	}

	limited := info.IsRateLimited
	info.recalculate(now)
	if limited && info.RecommendedWait == 0 {
		info.RecommendedWait = info.TimeUntil15MinReset
	}
	return info
}

// minPositive returns the smaller of two values, ignoring unset (zero) ones.
func minPositive(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	return min(a, b)
}

// parsePair parses a "15min,daily" header value.
func parsePair(v string) (short, daily int) {
	if v == "" {
		return 0, 0
	}
	parts := strings.Split(v, ",")
	short, _ = strconv.Atoi(strings.TrimSpace(parts[0]))
	if len(parts) >= 2 {
		daily, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
	}
	return short, daily
}

// parseRateLimitHeaders merges the overall (X-RateLimit-*) and read
// (X-ReadRateLimit-*) limits. The read limits are lower, so the smaller
// limit and the larger usage win.
func parseRateLimitHeaders(headers http.Header, now time.Time) RateLimitInfo {
	generalLimit15, generalLimitDaily := parsePair(headers.Get("X-RateLimit-Limit"))
	generalUsage15, generalUsageDaily := parsePair(headers.Get("X-RateLimit-Usage"))
	readLimit15, readLimitDaily := parsePair(headers.Get("X-ReadRateLimit-Limit"))
	readUsage15, readUsageDaily := parsePair(headers.Get("X-ReadRateLimit-Usage"))

	info := RateLimitInfo{
		Limit15Min: minPositive(generalLimit15, readLimit15),
		LimitDaily: minPositive(generalLimitDaily, readLimitDaily),
		Usage15Min: max(generalUsage15, readUsage15),
		UsageDaily: max(generalUsageDaily, readUsageDaily),
		ObservedAt: now,
	}
	info.recalculate(now)
	return info
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
