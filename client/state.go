package client

import "fmt"

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status 当前状态；Attempt 只在 Connecting/Backoff 时有意义
type Status struct {
	State   State  `json:"-"`
	Name    string `json:"state"`
	Attempt int    `json:"attempt"`
}

func newStatus(s State, attempt int) Status {
	return Status{State: s, Name: s.String(), Attempt: attempt}
}

func (s Status) String() string {
	if s.State == StateBackoff {
		return fmt.Sprintf("backoff(%d)", s.Attempt)
	}
	return s.Name
}
