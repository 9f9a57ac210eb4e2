// internal/registry/snapshot_test.go
package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tamzrod/oht-master/internal/ctlerr"
)

type addrStatus struct {
	addr   uint8
	status ModuleStatus
}

func pairs(recs []ModuleRecord) map[addrStatus]bool {
	out := make(map[addrStatus]bool)
	for _, r := range recs {
		out[addrStatus{r.Address, r.Status}] = true
	}
	return out
}

func TestSnapshot_RoundTrip(t *testing.T) {
	src := New()
	_ = src.MarkOnline(0x02, TypePower, "1.0.0")
	_ = src.MarkOnline(0x03, TypeSafety, "1.2")
	_ = src.MarkOnline(0x04, TypeTravelMotor, "")
	_ = src.MarkOffline(0x04)
	_ = src.AddOrUpdate(ModuleRecord{
		Address: 0x05,
		Type:    TypeDock,
		Status:  StatusUnknown,
		Name:    `dock "left", bay\2 with a long tail`,
	})

	path := filepath.Join(t.TempDir(), "state", "modules.yaml")
	if err := SaveSnapshot(path, src.List()); err != nil {
		t.Fatalf("save: %v", err)
	}

	recs, skipped, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("unexpected skipped lines: %v", skipped)
	}

	dst := New()
	if n := dst.Restore(recs); n != 0 {
		t.Fatalf("restore skipped %d", n)
	}

	want := pairs(src.List())
	got := pairs(dst.List())
	if len(got) != len(want) {
		t.Fatalf("pairs=%v want=%v", got, want)
	}
	for k := range want {
		if !got[k] {
			t.Fatalf("missing pair %+v", k)
		}
	}

	rec, _ := dst.Get(0x05)
	if rec.Name != `dock "left", bay` {
		t.Fatalf("name=%q", rec.Name)
	}
	rec, _ = dst.Get(0x02)
	if rec.Version != "1.0.0" || rec.Type != TypePower {
		t.Fatalf("record=%+v", rec)
	}
}

func TestLoadSnapshot_SkipsMalformedLines(t *testing.T) {
	content := `# oht module registry v1
{addr: 2, type: power, name: "PWR", version: "1.0", status: online}
this is not yaml: [
{addr: 0, type: power, status: online}
{addr: 3, type: spaceship, status: online}
{type: dock, status: online}
{addr: 2, type: power, status: offline}

{addr: 5, type: dock, name: "DCK", version: "", status: offline}
`
	path := filepath.Join(t.TempDir(), "modules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	recs, skipped, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records=%d want 2: %+v", len(recs), recs)
	}
	if len(skipped) != 5 {
		t.Fatalf("skipped=%d want 5: %v", len(skipped), skipped)
	}
	for _, e := range skipped {
		if !errors.Is(e, ctlerr.ConfigError) {
			t.Fatalf("skip error not config_error: %v", e)
		}
	}
	if recs[0].Address != 2 || recs[0].Status != StatusOnline {
		t.Fatalf("first record=%+v", recs[0])
	}
	if recs[1].Address != 5 || recs[1].Status != StatusOffline {
		t.Fatalf("second record=%+v", recs[1])
	}
}

func TestLoadSnapshot_OverlongLineSkipsOnlyItself(t *testing.T) {
	var b strings.Builder
	b.WriteString(snapshotHeader + "\n")
	b.WriteString(`{addr: 2, type: power, status: online}` + "\n")
	b.WriteString("# " + strings.Repeat("x", 70*1024) + "\n")
	b.WriteString(`{addr: 3, type: safety, status: offline}`) // no trailing newline

	path := filepath.Join(t.TempDir(), "modules.yaml")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	recs, skipped, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records=%d want 2: %+v", len(recs), recs)
	}
	if recs[1].Address != 3 || recs[1].Status != StatusOffline {
		t.Fatalf("record after long line=%+v", recs[1])
	}
	if len(skipped) != 1 || !errors.Is(skipped[0], ctlerr.ConfigError) {
		t.Fatalf("skipped=%v", skipped)
	}
}

func TestSaveSnapshot_ReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.yaml")
	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := SaveSnapshot(path, []ModuleRecord{{Address: 4, Type: TypeTravelMotor, Status: StatusOnline}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	recs, skipped, err := LoadSnapshot(path)
	if err != nil || len(skipped) != 0 {
		t.Fatalf("load: err=%v skipped=%v", err, skipped)
	}
	if len(recs) != 1 || recs[0].Address != 4 {
		t.Fatalf("records=%+v", recs)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("leftover files in snapshot dir: %d", len(entries))
	}
}

func TestLoadSnapshot_MissingFile(t *testing.T) {
	_, _, err := LoadSnapshot(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}
