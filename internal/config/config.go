// internal/config/config.go
package config

type Config struct {
	Bus          BusConfig          `yaml:"bus"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Safety       SafetyConfig       `yaml:"safety"`
	StateMachine StateMachineConfig `yaml:"state_machine"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	StatusMemory StatusMemoryConfig `yaml:"status_memory"`
	Log          LogConfig          `yaml:"log"`
	Sim          SimConfig          `yaml:"sim"`
}

// ---- BUS ----

type BusConfig struct {
	Kind string `yaml:"kind"` // "rtu" (default) or "sim"

	Device    string `yaml:"device"`
	BaudRate  int    `yaml:"baud_rate"`
	DataBits  int    `yaml:"data_bits"`
	StopBits  int    `yaml:"stop_bits"`
	Parity    string `yaml:"parity"` // N, E or O
	RS485     bool   `yaml:"rs485"`
	TimeoutMs int    `yaml:"timeout_ms"`

	// optional; nil means default
	Retries     *int `yaml:"retries"`
	ScanRetries *int `yaml:"scan_retries"`

	ScanTimeoutMs int `yaml:"scan_timeout_ms"` // presence probe
	ScanBackoffMs int `yaml:"scan_backoff_ms"`
	ScanGapMs     int `yaml:"scan_gap_ms"`
}

// ---- DISCOVERY ----

type DiscoveryConfig struct {
	ScanFirst        uint8   `yaml:"scan_first"`
	ScanLast         uint8   `yaml:"scan_last"`
	PollIntervalMs   int     `yaml:"poll_interval_ms"`
	JitterMs         int     `yaml:"jitter_ms"`
	OfflineThreshold int     `yaml:"offline_threshold"`
	RescanIntervalMs int     `yaml:"rescan_interval_ms"` // 0 disables
	SnapshotPath     string  `yaml:"snapshot_path"`      // empty disables
	Mandatory        []uint8 `yaml:"mandatory"`
}

// ---- SAFETY ----

type SafetyConfig struct {
	PeriodMs      int    `yaml:"period_ms"`
	GPIOChip      string `yaml:"gpio_chip"`      // character device, e.g. gpiochip0
	EStopLine     *int   `yaml:"estop_line"`     // line offset on the chip
	InterlockLine *int   `yaml:"interlock_line"` // optional
	ActiveLow     bool   `yaml:"active_low"`
}

// ---- STATE MACHINE ----

type StateMachineConfig struct {
	PeriodMs int `yaml:"period_ms"`

	// keyed by state name; 0 disables the timeout of that state
	TimeoutsMs map[string]int `yaml:"timeouts_ms"`
}

// ---- OUTER SURFACES ----

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables /metrics
}

// StatusMemoryConfig places the master status block in a remote Modbus TCP
// register memory. Empty endpoint disables it.
type StatusMemoryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	UnitID      uint8  `yaml:"unit_id"`
	BaseAddress uint16 `yaml:"base_address"`
	TimeoutMs   int    `yaml:"timeout_ms"`
	IntervalMs  int    `yaml:"interval_ms"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// ---- SIMULATION (dry run) ----

type SimConfig struct {
	DropRate float64     `yaml:"drop_rate"`
	Seed     int64       `yaml:"seed"`
	Modules  []SimModule `yaml:"modules"`
}

type SimModule struct {
	Address uint8  `yaml:"address"`
	Type    string `yaml:"type"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}
