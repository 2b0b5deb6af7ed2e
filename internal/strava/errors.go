package strava

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Kind classifies an API failure so callers can pick a recovery path.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindRateLimited
	KindServerError
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindNetwork:
		return "network_error"
	default:
		return "unknown"
	}
}

// Error is returned by every Client call that does not succeed.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	// RetryAfter is set for rate limited responses carrying a Retry-After header.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("strava: ")
	sb.WriteString(e.Kind.String())
	if e.StatusCode > 0 {
		fmt.Fprintf(&sb, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels below, so errors.Is(err, ErrRateLimited)
// holds for any rate limited response.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.StatusCode != 0 || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrRateLimited  = &Error{Kind: KindRateLimited}
	ErrServerError  = &Error{Kind: KindServerError}
	ErrNetwork      = &Error{Kind: KindNetwork}
)

// KindOf reports the Kind of err, or KindUnknown when err did not come from the client.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// fault is the error body Strava returns alongside non-2xx statuses.
type fault struct {
	Message string `json:"message"`
	Errors  []struct {
		Resource string `json:"resource"`
		Field    string `json:"field"`
		Code     string `json:"code"`
	} `json:"errors"`
}

// faultMessage renders a fault body as "message [resource.field: code]".
// Bodies that are not a fault are returned trimmed and truncated.
func faultMessage(body []byte) string {
	var f fault
	if err := json.Unmarshal(body, &f); err != nil || f.Message == "" {
		s := strings.TrimSpace(string(body))
		if len(s) > 200 {
			s = s[:200]
		}
		return s
	}

	if len(f.Errors) == 0 {
		return f.Message
	}
	details := make([]string, 0, len(f.Errors))
	for _, fe := range f.Errors {
		details = append(details, fmt.Sprintf("%s.%s: %s", fe.Resource, fe.Field, fe.Code))
	}
	return fmt.Sprintf("%s [%s]", f.Message, strings.Join(details, ", "))
}

func kindForStatus(status int) Kind {
	switch {
	case status == 401:
		return KindUnauthorized
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}
