package auth

// State is the per-module authorization state.
//
//	Unauthenticated -> PendingExchange -> Authenticated <-> Expired
//	Expired (refresh failed) -> Unauthenticated
type State int

const (
	Unauthenticated State = iota
	PendingExchange
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case PendingExchange:
		return "pending_exchange"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unauthenticated"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
