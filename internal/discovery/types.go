// internal/discovery/types.go
package discovery

import (
	"context"
	"time"

	"github.com/tamzrod/oht-master/internal/registry"
)

// Transport is the bus access the coordinator needs.
// Implementations are called from the coordinator's I/O goroutine only.
//
// Errors should carry ctlerr.TransportTimeout for a missed response and
// ctlerr.TransportError for CRC, framing or exception responses.
type Transport interface {
	Scan(ctx context.Context, first, last uint8, timeout time.Duration) ([]uint8, error)
	Poll(ctx context.Context, addr uint8, timeout time.Duration) (ModuleResponse, error)
}

// ModuleResponse is the identity block read from one module.
type ModuleResponse struct {
	Address      uint8
	DeviceID     uint16
	Type         registry.ModuleType
	Name         string
	Version      string
	Capabilities uint32
}

// Config is the runtime config the coordinator needs.
type Config struct {
	ScanFirst uint8
	ScanLast  uint8

	// Timeout bounds every single bus operation.
	Timeout time.Duration

	// ScanTimeout bounds one presence probe during a scan. 0 means Timeout.
	ScanTimeout time.Duration

	Interval time.Duration
	Jitter   time.Duration

	// OfflineThreshold is the number of consecutive misses before a module
	// is marked Offline.
	OfflineThreshold int

	// RescanInterval triggers a periodic full scan. 0 disables it.
	RescanInterval time.Duration

	// SnapshotPath is optional. Empty disables persistence.
	SnapshotPath string
}

// Stats counts bus activity since start.
type Stats struct {
	Polls          uint64
	Misses         uint64
	Timeouts       uint64
	ProtocolErrors uint64
	Scans          uint64
	ScanFailures   uint64
	LastScan       time.Time
}
