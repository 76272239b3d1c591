package okx

// State is the connection lifecycle state owned by a Supervisor.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateLive
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// validTransitions lists the edges of the state machine. Disconnected is
// reachable from every state through shutdown and is not listed.
var validTransitions = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateAuthenticating, StateSubscribing, StateBackoff},
	StateAuthenticating: {StateSubscribing, StateBackoff},
	StateSubscribing:    {StateLive, StateBackoff},
	StateLive:           {StateBackoff},
	StateBackoff:        {StateConnecting},
}

func canTransition(from, to State) bool {
	if to == StateDisconnected || from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
