package session

// Status tells callers why a request does or does not carry a usable session.
type Status int

const (
	NoToken Status = iota
	Invalid
	Expired
	Valid
)

func (s Status) String() string {
	switch s {
	case NoToken:
		return "no_token"
	case Invalid:
		return "invalid"
	case Expired:
		return "expired"
	case Valid:
		return "valid"
	default:
		return "unknown"
	}
}

// Lookup is the result of reading a session from a request.
type Lookup struct {
	Status  Status
	Payload Payload
	Err     error
}

// OK collapses the lookup to "is there a usable session".
func (l Lookup) OK() bool { return l.Status == Valid }
