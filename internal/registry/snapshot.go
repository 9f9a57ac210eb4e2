// internal/registry/snapshot.go
package registry

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/tamzrod/oht-master/internal/ctlerr"
)

// Snapshot file layout: one YAML flow mapping per line.
//
//	# oht module registry v1
//	{addr: 2, type: power, name: "PWR", version: "1.0.0", status: online}
//
// Each line is decoded on its own so one bad line never costs the others.

const snapshotHeader = "# oht module registry v1"

type snapshotLine struct {
	Addr    *int   `yaml:"addr"`
	Type    string `yaml:"type"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Status  string `yaml:"status"`
}

// SaveSnapshot writes records atomically: readers see the old file or the
// new one, never a partial write.
func SaveSnapshot(path string, recs []ModuleRecord) error {
	if path == "" {
		return ctlerr.New(ctlerr.InvalidParameter, "registry.save_snapshot", "empty path")
	}

	var buf bytes.Buffer
	buf.WriteString(snapshotHeader)
	buf.WriteByte('\n')
	for _, rec := range recs {
		fmt.Fprintf(&buf, "{addr: %d, type: %s, name: %s, version: %s, status: %s}\n",
			rec.Address,
			rec.Type,
			strconv.Quote(sanitize(rec.Name, MaxNameLen)),
			strconv.Quote(sanitize(rec.Version, MaxVersionLen)),
			rec.Status,
		)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("registry: snapshot dir: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("registry: snapshot write: %w", err)
	}
	return nil
}

// maxSnapshotLine bounds a single snapshot line. Longer lines are drained
// and reported without costing the lines that follow.
const maxSnapshotLine = 64 * 1024

// LoadSnapshot reads a snapshot file. Malformed lines are skipped and
// reported in skipped (each a config_error); only an unreadable file
// returns err.
func LoadSnapshot(path string) (recs []ModuleRecord, skipped []error, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: snapshot read: %w", err)
	}
	defer f.Close()

	seen := make(map[uint8]bool)
	br := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		raw, long, rerr := readLine(br, maxSnapshotLine)
		if rerr != nil && rerr != io.EOF {
			skipped = append(skipped, ctlerr.Wrap(ctlerr.ConfigError, "registry.load_snapshot", rerr))
			break
		}

		if long {
			skipped = append(skipped, ctlerr.New(ctlerr.ConfigError, "registry.load_snapshot",
				fmt.Sprintf("line %d: longer than %d bytes", lineNo, maxSnapshotLine)))
		} else if line := strings.TrimSpace(string(raw)); line != "" && !strings.HasPrefix(line, "#") {
			rec, perr := parseSnapshotLine(line)
			if perr == nil && seen[rec.Address] {
				perr = fmt.Errorf("duplicate address %d", rec.Address)
			}
			if perr != nil {
				skipped = append(skipped, ctlerr.New(ctlerr.ConfigError, "registry.load_snapshot",
					fmt.Sprintf("line %d: %v", lineNo, perr)))
			} else {
				seen[rec.Address] = true
				recs = append(recs, rec)
			}
		}

		if rerr == io.EOF {
			break
		}
	}
	return recs, skipped, nil
}

// readLine returns the next line including its terminator. A line over max
// bytes is drained to its end and reported as long with no content.
func readLine(br *bufio.Reader, max int) (line []byte, long bool, err error) {
	for {
		chunk, rerr := br.ReadSlice('\n')
		if !long {
			if len(line)+len(chunk) > max+1 {
				long, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if rerr == bufio.ErrBufferFull {
			continue
		}
		return line, long, rerr
	}
}

func parseSnapshotLine(line string) (ModuleRecord, error) {
	var l snapshotLine
	if err := yaml.Unmarshal([]byte(line), &l); err != nil {
		return ModuleRecord{}, err
	}
	if l.Addr == nil {
		return ModuleRecord{}, fmt.Errorf("missing addr")
	}
	if *l.Addr < int(MinAddress) || *l.Addr > int(MaxAddress) {
		return ModuleRecord{}, fmt.Errorf("addr %d out of range", *l.Addr)
	}
	t, err := ParseModuleType(l.Type)
	if err != nil {
		return ModuleRecord{}, err
	}
	st, err := ParseModuleStatus(l.Status)
	if err != nil {
		return ModuleRecord{}, err
	}
	return ModuleRecord{
		Address: uint8(*l.Addr),
		Type:    t,
		Status:  st,
		Name:    sanitize(l.Name, MaxNameLen),
		Version: sanitize(l.Version, MaxVersionLen),
	}, nil
}
