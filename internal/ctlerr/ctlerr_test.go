// internal/ctlerr/ctlerr_test.go
package ctlerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestOf_WrappedE(t *testing.T) {
	base := New(NotReady, "fsm", "communication not ok")
	wrapped := fmt.Errorf("request move: %w", base)

	if got := Of(wrapped); got != NotReady {
		t.Fatalf("Of()=%q want=%q", got, NotReady)
	}
	if !errors.Is(wrapped, NotReady) {
		t.Fatalf("errors.Is(wrapped, NotReady) = false")
	}
	if errors.Is(wrapped, InvalidTransition) {
		t.Fatalf("errors.Is(wrapped, InvalidTransition) = true")
	}
}

func TestOf_ForeignAndNil(t *testing.T) {
	if got := Of(nil); got != "" {
		t.Fatalf("Of(nil)=%q want empty", got)
	}
	if got := Of(errors.New("boom")); got != Error {
		t.Fatalf("Of(foreign)=%q want=%q", got, Error)
	}
	if got := Of(TransportTimeout); got != TransportTimeout {
		t.Fatalf("Of(code)=%q", got)
	}
}

func TestWrap_NilPassThrough(t *testing.T) {
	if err := Wrap(TransportError, "poll", nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}

	cause := errors.New("crc mismatch")
	err := Wrap(TransportError, "poll", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("wrapped cause lost")
	}
	if err.Error() != "poll: transport_error: crc mismatch" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
