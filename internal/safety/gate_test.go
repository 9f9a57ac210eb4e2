// internal/safety/gate_test.go
package safety

import (
	"errors"
	"testing"

	"github.com/tamzrod/oht-master/internal/ctlerr"
)

func pending(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestUpdate_NormalIsSafe(t *testing.T) {
	hw := &Static{}
	g := NewGate(hw)
	g.Update()

	if !g.IsSafe() {
		t.Fatalf("expected safe with inputs released")
	}
	st := g.Snapshot()
	if st.Level != LevelNormal || st.Fault != FaultNone {
		t.Fatalf("state=%+v", st)
	}
}

func TestUpdate_EStopForcesEmergency(t *testing.T) {
	hw := &Static{}
	g := NewGate(hw)
	sub := g.Events().Subscribe(8)

	hw.SetEStop(true)
	g.Update()
	g.Update()
	g.Update()

	st := g.Snapshot()
	if st.Level != LevelEmergency || st.Fault != FaultEStopHardware || !st.EStopTriggered {
		t.Fatalf("state=%+v", st)
	}
	if st.EStopCount != 1 {
		t.Fatalf("estop count=%d want 1", st.EStopCount)
	}
	if g.IsSafe() {
		t.Fatalf("must not be safe with estop asserted")
	}

	evs := pending(sub.C())
	if len(evs) != 1 {
		t.Fatalf("expected one edge event, got %d", len(evs))
	}
	if evs[0].PrevLevel != LevelNormal || evs[0].Level != LevelEmergency {
		t.Fatalf("event=%+v", evs[0])
	}
}

func TestUpdate_ReadErrorIsFailSafe(t *testing.T) {
	hw := &Static{}
	hw.SetErrors(errors.New("gpio gone"), nil)
	g := NewGate(hw)
	g.Update()

	st := g.Snapshot()
	if st.Fault != FaultEStopHardware || st.Level != LevelEmergency {
		t.Fatalf("read error must escalate, state=%+v", st)
	}
	if st.ReadErrors != 1 {
		t.Fatalf("read errors=%d", st.ReadErrors)
	}
}

func TestUpdate_InterlockIsSafetyCircuit(t *testing.T) {
	hw := &Static{}
	g := NewGate(hw)
	hw.SetInterlock(true)
	g.Update()

	st := g.Snapshot()
	if st.Fault != FaultSafetyCircuit || st.Level != LevelCritical || !st.InterlockTriggered {
		t.Fatalf("state=%+v", st)
	}
}

func TestTriggerFault_EdgeOnIncreaseOrKindChange(t *testing.T) {
	hw := &Static{}
	g := NewGate(hw)
	g.Update()
	sub := g.Events().Subscribe(8)

	if err := g.TriggerFault(FaultCommunication); err != nil {
		t.Fatal(err)
	}
	g.Update() // same fault, no event
	if err := g.TriggerFault(FaultOvertemperature); err != nil {
		t.Fatal(err) // same level, different kind
	}
	if err := g.TriggerFault(FaultMechanical); err != nil {
		t.Fatal(err) // level increase
	}
	if err := g.TriggerFault(FaultCommunication); err != nil {
		t.Fatal(err) // less severe, ignored
	}

	evs := pending(sub.C())
	if len(evs) != 3 {
		t.Fatalf("events=%d want 3: %+v", len(evs), evs)
	}
	if evs[2].Fault != FaultMechanical || evs[2].Level != LevelCritical {
		t.Fatalf("last event=%+v", evs[2])
	}
	if got := g.Snapshot().FaultCount; got != 4 {
		t.Fatalf("fault count=%d want 4", got)
	}
}

func TestTriggerFault_RejectsNone(t *testing.T) {
	g := NewGate(&Static{})
	if err := g.TriggerFault(FaultNone); !errors.Is(err, ctlerr.InvalidParameter) {
		t.Fatalf("got %v", err)
	}
}

func TestClearFault_RefusedWhileEStopAsserted(t *testing.T) {
	hw := &Static{}
	g := NewGate(hw)
	_ = g.TriggerFault(FaultEStopSoftware)
	hw.SetEStop(true)
	g.Update()

	before := g.Snapshot()
	err := g.ClearFault()
	if !errors.Is(err, ctlerr.SafetyFault) {
		t.Fatalf("expected safety_fault, got %v", err)
	}
	if after := g.Snapshot(); after != before {
		t.Fatalf("clear while asserted must be a no-op:\nbefore=%+v\nafter=%+v", before, after)
	}

	hw.SetEStop(false)
	if err := g.ClearFault(); err != nil {
		t.Fatalf("clear after release: %v", err)
	}
	if !g.IsSafe() {
		t.Fatalf("expected safe after clear, state=%+v", g.Snapshot())
	}
}

func TestClearFault_RefusedOnReadError(t *testing.T) {
	hw := &Static{}
	g := NewGate(hw)
	_ = g.TriggerFault(FaultCommunication)
	hw.SetErrors(errors.New("io"), nil)

	if err := g.ClearFault(); !errors.Is(err, ctlerr.SafetyFault) {
		t.Fatalf("got %v", err)
	}
	if g.Snapshot().SoftwareFault != FaultCommunication {
		t.Fatalf("software fault must survive a refused clear")
	}
}

func TestHardwareFaultWinsTie(t *testing.T) {
	hw := &Static{}
	g := NewGate(hw)
	_ = g.TriggerFault(FaultEStopSoftware)
	hw.SetEStop(true)
	g.Update()
	if f := g.Snapshot().Fault; f != FaultEStopHardware {
		t.Fatalf("fault=%v want estop_hardware", f)
	}
}

func TestFaultLevels(t *testing.T) {
	for _, f := range Faults() {
		if f.IsEStop() && f.Level() != LevelEmergency {
			t.Fatalf("%v must map to emergency", f)
		}
		if f != FaultNone && f.Level() == LevelNormal {
			t.Fatalf("%v maps to normal", f)
		}
	}
	if Fault(200).Level() != LevelEmergency {
		t.Fatalf("unknown fault must escalate")
	}
}

type fakeLine struct {
	v      int
	err    error
	closed bool
}

func (l *fakeLine) Value() (int, error) { return l.v, l.err }
func (l *fakeLine) Close() error        { l.closed = true; return nil }

func TestLineGPIO(t *testing.T) {
	estop := &fakeLine{v: 1}
	inter := &fakeLine{v: 0}

	hw := NewLineGPIO(estop, inter)
	if v, err := hw.ReadEStop(); err != nil || !v {
		t.Fatalf("logical 1 should read asserted: v=%v err=%v", v, err)
	}
	if v, err := hw.ReadInterlock(); err != nil || v {
		t.Fatalf("logical 0 should read released: v=%v err=%v", v, err)
	}

	estop.v = 7
	if _, err := hw.ReadEStop(); err == nil {
		t.Fatalf("out of range value must error")
	}
	estop.v, estop.err = 0, errors.New("line gone")
	if _, err := hw.ReadEStop(); err == nil {
		t.Fatalf("read error must surface")
	}

	if err := hw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !estop.closed || !inter.closed {
		t.Fatalf("lines not released")
	}

	none := NewLineGPIO(&fakeLine{}, nil)
	if v, err := none.ReadInterlock(); err != nil || v {
		t.Fatalf("unwired interlock: v=%v err=%v", v, err)
	}
}

func TestLineGPIO_ReadErrorFailsSafe(t *testing.T) {
	g := NewGate(NewLineGPIO(&fakeLine{err: errors.New("EIO")}, nil))
	g.Update()
	if f := g.Snapshot().Fault; f != FaultEStopHardware {
		t.Fatalf("fault=%v, unreadable estop must assert", f)
	}
}

func TestOpenCdevGPIO_RequiresChip(t *testing.T) {
	if _, err := OpenCdevGPIO(CdevConfig{EStopLine: 17, InterlockLine: -1}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := OpenCdevGPIO(CdevConfig{Chip: "gpiochip0", EStopLine: -1}); err == nil {
		t.Fatalf("expected error")
	}
}
