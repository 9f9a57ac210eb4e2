// internal/fsm/table.go
package fsm

type guard uint8

const (
	guardNone  guard = iota
	guardSafe        // safety_ok
	guardReady       // safety_ok && communication_ok && sensors_ok
)

type key struct {
	from State
	ev   Event
}

type rule struct {
	to    State
	guard guard
}

// --------------------
// Transition table
// --------------------
//
// EStopTriggered and FaultDetected are not listed: they are accepted from
// every state except Shutdown.

var table = map[key]rule{
	{StateBoot, EventBootComplete}: {StateInit, guardNone},
	{StateInit, EventInitComplete}: {StateIdle, guardNone},

	{StateIdle, EventMoveCommand}:   {StateMove, guardReady},
	{StateIdle, EventDockCommand}:   {StateDock, guardReady},
	{StateIdle, EventConfigCommand}: {StateConfig, guardSafe},
	{StateIdle, EventShutdown}:      {StateShutdown, guardNone},

	{StateMove, EventStopCommand}:  {StateIdle, guardNone},
	{StateMove, EventPauseCommand}: {StatePaused, guardNone},
	{StateMove, EventDockCommand}:  {StateDock, guardReady},

	{StateDock, EventStopCommand}: {StateIdle, guardNone},
	{StateDock, EventMoveCommand}: {StateMove, guardReady},

	{StatePaused, EventResumeCommand}: {StateMove, guardReady},
	{StatePaused, EventStopCommand}:   {StateIdle, guardNone},

	{StateConfig, EventConfigComplete}: {StateIdle, guardNone},
	{StateConfig, EventConfigFailed}:   {StateFault, guardNone},

	{StateFault, EventFaultCleared}: {StateIdle, guardSafe},
	{StateFault, EventShutdown}:     {StateShutdown, guardNone},

	// safe implies no active fault: only FaultNone maps to LevelNormal
	{StateEStop, EventEStopReset}: {StateIdle, guardSafe},
	{StateEStop, EventSafeReset}:  {StateSafe, guardReady},
	{StateEStop, EventShutdown}:   {StateShutdown, guardNone},

	{StateSafe, EventSafeReset}: {StateIdle, guardReady},
	{StateSafe, EventShutdown}:  {StateShutdown, guardNone},

	{StateBoot, EventTimeout}:   {StateFault, guardNone},
	{StateInit, EventTimeout}:   {StateFault, guardNone},
	{StateMove, EventTimeout}:   {StateFault, guardNone},
	{StateDock, EventTimeout}:   {StateFault, guardNone},
	{StatePaused, EventTimeout}: {StateFault, guardNone},
	{StateConfig, EventTimeout}: {StateFault, guardNone},
}

// lookup resolves (from, ev). forced is true for the events that bypass
// the table.
func lookup(from State, ev Event) (r rule, forced, ok bool) {
	if from == StateShutdown {
		return rule{}, false, false
	}
	switch ev {
	case EventEStopTriggered:
		return rule{to: StateEStop}, true, true
	case EventFaultDetected:
		return rule{to: StateFault}, true, true
	}
	r, ok = table[key{from, ev}]
	return r, false, ok
}
