// cmd/ohtmaster/main_test.go
package main

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/oht-master/internal/config"
	"github.com/tamzrod/oht-master/internal/ctlerr"
)

func TestOpenStatusMemory_ClosedPortStillStarts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	sw, closeFn, interval := openStatusMemory(config.StatusMemoryConfig{
		Endpoint:   addr,
		UnitID:     1,
		TimeoutMs:  200,
		IntervalMs: 500,
	}, zerolog.Nop())
	defer closeFn()

	if sw == nil {
		t.Fatalf("writer not built for an unreachable endpoint")
	}
	if interval != 500*time.Millisecond {
		t.Fatalf("interval=%v", interval)
	}
}

func TestOpenStatusMemory_BadPlanDisablesOutput(t *testing.T) {
	sw, closeFn, interval := openStatusMemory(config.StatusMemoryConfig{Endpoint: "127.0.0.1:502"}, zerolog.Nop())
	if sw != nil {
		t.Fatalf("writer built with zero timeout")
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if interval != time.Second {
		t.Fatalf("interval=%v", interval)
	}
}

func TestExitCode(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"config":    {config.Validate(nil), 2},
		"transport": {ctlerr.New(ctlerr.TransportError, "modbus.open", "no such device"), 3},
		"other":     {net.ErrClosed, 1},
	}
	for name, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("%s: exit=%d want %d", name, got, tc.want)
		}
	}
}
