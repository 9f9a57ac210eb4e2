// internal/writer/status_writer.go
package writer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tamzrod/oht-master/internal/status"
)

// StatusWriter delivers encoded master status blocks into status memory.
// It receives a block and writes it verbatim.
// No interpretation of slot contents.
type StatusWriter struct {
	plan Plan
	cli  endpointClient

	needFull bool
	last     []uint16
}

// NewStatusWriter builds a writer. The first successful write asserts the
// full block.
func NewStatusWriter(plan Plan, cli endpointClient) (*StatusWriter, error) {
	if cli == nil {
		return nil, fmt.Errorf("status writer: missing client for endpoint %s", plan.Endpoint)
	}
	return &StatusWriter{
		plan:     plan,
		cli:      cli,
		needFull: true,
	}, nil
}

// WriteBlock delivers one block. Only changed slots are written, grouped in
// contiguous runs. On any write failure the next call re-asserts the full
// block.
func (sw *StatusWriter) WriteBlock(regs []uint16) error {
	if sw == nil {
		return errors.New("status writer: disabled")
	}
	if len(regs) != status.SlotsPerBlock {
		return fmt.Errorf("status writer: block has %d slots, want %d", len(regs), status.SlotsPerBlock)
	}

	// ------------------------------------------------------------
	// Full block write (re-assert)
	// ------------------------------------------------------------
	if sw.needFull {
		if err := sw.cli.WriteRegisters(sw.plan.UnitID, sw.plan.BaseAddress, regs); err != nil {
			return fmt.Errorf("status writer: full block write failed: %w", err)
		}
		sw.needFull = false
		sw.last = append(sw.last[:0], regs...)
		return nil
	}

	// ------------------------------------------------------------
	// Delta runs
	// ------------------------------------------------------------
	var errs []string
	for i := 0; i < len(regs); {
		if regs[i] == sw.last[i] {
			i++
			continue
		}
		j := i + 1
		for j < len(regs) && regs[j] != sw.last[j] {
			j++
		}
		if err := sw.cli.WriteRegisters(sw.plan.UnitID, sw.plan.BaseAddress+uint16(i), regs[i:j]); err != nil {
			errs = append(errs, fmt.Sprintf("slots %d-%d write failed: %v", i, j-1, err))
		} else {
			copy(sw.last[i:j], regs[i:j])
		}
		i = j
	}

	if len(errs) > 0 {
		// Any partial failure introduces doubt: re-assert on next success.
		sw.needFull = true
		return errors.New("status writer: " + strings.Join(errs, " | "))
	}
	return nil
}
