package session

// State is a session lifecycle state
type State int32

const (
	StateCreated State = iota
	StateAcquiringToken
	StateStreaming
	StateReconnecting
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAcquiringToken:
		return "acquiring_token"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
