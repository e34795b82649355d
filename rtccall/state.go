package rtccall

type State int

const (
	Idle State = iota
	Initiating
	RingingIncoming
	Connecting
	Active
	Ending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initiating:
		return "initiating"
	case RingingIncoming:
		return "ringing"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Ending:
		return "ending"
	}
	return "unknown"
}

type event int

const (
	evDial      event = iota // offer about to be published
	evRing                   // incoming record accepted for display
	evWithdrawn              // ringing record removed before accept
	evExchanged              // offer and answer both applied
	evConnected              // transport connected
	evEnd                    // hangup, remote removal or failure
	evCleared                // teardown finished
)

func (e event) String() string {
	return [...]string{"dial", "ring", "withdrawn", "exchanged", "connected", "end", "cleared"}[e]
}

// nextState is the transition table. ok is false for transitions that must be ignored.
func nextState(s State, e event) (next State, ok bool) {
	switch e {
	case evDial:
		if s == Idle {
			return Initiating, true
		}
	case evRing:
		if s == Idle {
			return RingingIncoming, true
		}
	case evWithdrawn:
		if s == RingingIncoming || s == Idle {
			return Idle, true
		}
	case evExchanged:
		if s == Initiating || s == RingingIncoming {
			return Connecting, true
		}
	case evConnected:
		if s == Connecting || s == Active {
			return Active, true
		}
	case evEnd:
		if s != Idle {
			return Ending, true
		}
	case evCleared:
		if s == Ending {
			return Idle, true
		}
	}
	return s, false
}
