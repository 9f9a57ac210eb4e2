// internal/fsm/types.go
package fsm

import (
	"fmt"
	"time"
)

// State is the operating mode of the vehicle.
type State uint8

const (
	StateBoot State = iota
	StateInit
	StateIdle
	StateMove
	StateDock
	StatePaused
	StateConfig
	StateFault
	StateEStop
	StateSafe
	StateShutdown

	stateCount
)

var stateNames = [stateCount]string{
	StateBoot:     "boot",
	StateInit:     "init",
	StateIdle:     "idle",
	StateMove:     "move",
	StateDock:     "dock",
	StatePaused:   "paused",
	StateConfig:   "config",
	StateFault:    "fault",
	StateEStop:    "estop",
	StateSafe:     "safe",
	StateShutdown: "shutdown",
}

func (s State) Valid() bool { return s < stateCount }

func (s State) String() string {
	if s.Valid() {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ParseState accepts the lower-case names used in config and logs.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("fsm: unknown state %q", name)
}

// States lists every state in declaration order.
func States() []State {
	out := make([]State, 0, stateCount)
	for s := StateBoot; s < stateCount; s++ {
		out = append(out, s)
	}
	return out
}

// Event is an input to the machine.
type Event uint8

const (
	EventNone Event = iota
	EventBootComplete
	EventInitComplete
	EventMoveCommand
	EventDockCommand
	EventStopCommand
	EventPauseCommand
	EventResumeCommand
	EventConfigCommand
	EventConfigComplete
	EventConfigFailed
	EventEStopTriggered
	EventFaultDetected
	EventFaultCleared
	EventEStopReset
	EventSafeReset
	EventShutdown
	EventTimeout

	eventCount
)

var eventNames = [eventCount]string{
	EventNone:           "none",
	EventBootComplete:   "boot_complete",
	EventInitComplete:   "init_complete",
	EventMoveCommand:    "move_command",
	EventDockCommand:    "dock_command",
	EventStopCommand:    "stop_command",
	EventPauseCommand:   "pause_command",
	EventResumeCommand:  "resume_command",
	EventConfigCommand:  "config_command",
	EventConfigComplete: "config_complete",
	EventConfigFailed:   "config_failed",
	EventEStopTriggered: "estop_triggered",
	EventFaultDetected:  "fault_detected",
	EventFaultCleared:   "fault_cleared",
	EventEStopReset:     "estop_reset",
	EventSafeReset:      "safe_reset",
	EventShutdown:       "shutdown",
	EventTimeout:        "timeout",
}

func (e Event) Valid() bool { return e > EventNone && e < eventCount }

func (e Event) String() string {
	if e < eventCount {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// Events lists every real event (EventNone excluded).
func Events() []Event {
	out := make([]Event, 0, eventCount-1)
	for e := EventBootComplete; e < eventCount; e++ {
		out = append(out, e)
	}
	return out
}

// Transition is published after every accepted event.
type Transition struct {
	From   State
	To     State
	Event  Event
	Forced bool
	At     time.Time
}

// StateStats accumulates time spent in one state.
type StateStats struct {
	Entries uint64
	Total   time.Duration
}

// DefaultTimeouts are the per-state dwell limits. Missing or zero means
// the state is never timed out.
func DefaultTimeouts() map[State]time.Duration {
	return map[State]time.Duration{
		StateBoot:   10 * time.Second,
		StateInit:   5 * time.Second,
		StateMove:   30 * time.Second,
		StatePaused: 60 * time.Second,
		StateDock:   15 * time.Second,
		StateConfig: 10 * time.Second,
	}
}
