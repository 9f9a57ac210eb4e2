// internal/writer/status_writer_test.go
package writer

import (
	"errors"
	"testing"

	"github.com/tamzrod/oht-master/internal/status"
)

// ---- fake endpoint client ----

type writeCall struct {
	unitID uint8
	addr   uint16
	regs   []uint16
}

type fakeEndpointClient struct {
	writes []writeCall
	err    error
}

func (f *fakeEndpointClient) WriteRegisters(unitID uint8, addr uint16, regs []uint16) error {
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, writeCall{
		unitID: unitID,
		addr:   addr,
		regs:   append([]uint16(nil), regs...),
	})
	return nil
}

func (f *fakeEndpointClient) last() writeCall { return f.writes[len(f.writes)-1] }

func newBlock() []uint16 {
	regs := make([]uint16, status.SlotsPerBlock)
	regs[status.SlotHealthCode] = status.HealthOK
	regs[status.SlotModulesOnline] = 4
	return regs
}

// ---- tests ----

func TestNewStatusWriter_RequiresClient(t *testing.T) {
	if _, err := NewStatusWriter(Plan{Endpoint: "x"}, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFullBlockOnFirstWriteOnly(t *testing.T) {
	cli := &fakeEndpointClient{}
	sw, err := NewStatusWriter(Plan{UnitID: 7, BaseAddress: 100}, cli)
	if err != nil {
		t.Fatal(err)
	}

	// ---- first write: FULL ASSERT ----
	if err := sw.WriteBlock(newBlock()); err != nil {
		t.Fatalf("initial full assert failed: %v", err)
	}
	w := cli.last()
	if len(w.regs) != status.SlotsPerBlock || w.addr != 100 || w.unitID != 7 {
		t.Fatalf("expected full block at 100/unit 7, got addr=%d unit=%d len=%d", w.addr, w.unitID, len(w.regs))
	}

	// ---- unchanged block: no write ----
	if err := sw.WriteBlock(newBlock()); err != nil {
		t.Fatal(err)
	}
	if len(cli.writes) != 1 {
		t.Fatalf("unchanged block must not be written, writes=%d", len(cli.writes))
	}

	// ---- second write: INCREMENTAL ONLY ----
	next := newBlock()
	next[status.SlotSystemState] = 3
	next[status.SlotSafetyLevel] = 1
	next[status.SlotTransitionsLo] = 9
	if err := sw.WriteBlock(next); err != nil {
		t.Fatalf("incremental write failed: %v", err)
	}
	if len(cli.writes) != 3 {
		t.Fatalf("expected 2 delta runs, writes=%d", len(cli.writes))
	}
	run := cli.writes[1]
	if run.addr != 100+status.SlotSystemState || len(run.regs) != 2 {
		t.Fatalf("first run addr=%d len=%d", run.addr, len(run.regs))
	}
	run = cli.writes[2]
	if run.addr != 100+status.SlotTransitionsLo || len(run.regs) != 1 || run.regs[0] != 9 {
		t.Fatalf("second run addr=%d regs=%v", run.addr, run.regs)
	}
}

func TestFailureForcesFullReassert(t *testing.T) {
	cli := &fakeEndpointClient{}
	sw, _ := NewStatusWriter(Plan{}, cli)

	if err := sw.WriteBlock(newBlock()); err != nil {
		t.Fatal(err)
	}

	next := newBlock()
	next[status.SlotHealthCode] = status.HealthError
	cli.err = errors.New("broken pipe")
	if err := sw.WriteBlock(next); err == nil {
		t.Fatalf("expected error")
	}

	cli.err = nil
	if err := sw.WriteBlock(next); err != nil {
		t.Fatal(err)
	}
	if got := len(cli.last().regs); got != status.SlotsPerBlock {
		t.Fatalf("expected full re-assert, got %d regs", got)
	}
}

func TestWrongBlockSizeRejected(t *testing.T) {
	cli := &fakeEndpointClient{}
	sw, _ := NewStatusWriter(Plan{}, cli)
	if err := sw.WriteBlock(make([]uint16, 3)); err == nil {
		t.Fatalf("expected error")
	}
	if len(cli.writes) != 0 {
		t.Fatalf("nothing should be written")
	}
}
