package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Fabric backend names.
const (
	BackendMemory    = "memory"
	BackendThrift    = "thrift"
	BackendP4Runtime = "p4runtime"
)

// BinsPerGroup is the number of register cells per used bin group.
const BinsPerGroup = 5

// Config is the root configuration of the controller. It is loaded once at
// startup and never mutated afterwards.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Fabric   FabricConfig   `yaml:"fabric"`
	Topology TopologyConfig `yaml:"topology"`
	Marking  MarkingConfig  `yaml:"marking"`
	Metering MeteringConfig `yaml:"metering"`
	Control  ControlConfig  `yaml:"control"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Publish  PublishConfig  `yaml:"publish"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Format   string            `yaml:"format"`
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// FabricConfig selects how the controller talks to the switches.
type FabricConfig struct {
	Tables         string        `yaml:"tables"`    // p4runtime, thrift or memory
	Registers      string        `yaml:"registers"` // thrift, p4runtime or memory
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	TopologyFile   string        `yaml:"topology_file"` // optional p4utils topology.json
	ElectionID     uint64        `yaml:"election_id"`
}

// TopologyConfig is the static network intent.
type TopologyConfig struct {
	Switches  int                       `yaml:"switches"`
	Hosts     int                       `yaml:"hosts"`
	Programs  map[string]string         `yaml:"programs"` // switch -> dataplane program
	Links     []Link                    `yaml:"links"`
	NextHop   map[string]map[string]int `yaml:"next_hop"` // switch -> host -> egress port
	Endpoints map[string]Endpoint       `yaml:"endpoints"`
}

// Link is a pair of node names.
type Link []string

// Endpoint holds the RPC addresses of one switch.
type Endpoint struct {
	DeviceID     uint64 `yaml:"device_id"`
	GRPC         string `yaml:"grpc"`
	Thrift       string `yaml:"thrift"`
	P4Info       string `yaml:"p4info"`
	DeviceConfig string `yaml:"device_config"`
}

// MarkingConfig assigns prefixes to the marking and demarking stages.
type MarkingConfig struct {
	MarkValue uint32             `yaml:"mark_value"`
	Markers   []PrefixAssignment `yaml:"markers"`
	Demarkers []PrefixAssignment `yaml:"demarkers"`
	Remarking RemarkingConfig    `yaml:"remarking"`
}

// PrefixAssignment binds an IPv4 prefix to a switch.
type PrefixAssignment struct {
	Switch string `yaml:"switch"`
	Prefix string `yaml:"prefix"`
}

// RemarkingConfig is the static relabeling table installed on one switch.
type RemarkingConfig struct {
	Switch string        `yaml:"switch"`
	Stages []RemarkStage `yaml:"stages"`
}

// RemarkStage is one remarking table.
type RemarkStage struct {
	Table   string        `yaml:"table"`
	Action  string        `yaml:"action"`
	Entries []RemarkEntry `yaml:"entries"`
}

// RemarkEntry maps an ingress port to (current-mark, new-mark).
type RemarkEntry struct {
	Port   uint32   `yaml:"port"`
	Params []uint32 `yaml:"params"`
}

// MeteringConfig names the metered switches and their bin layout. Rates are
// filled from SettingsFile by the loader.
type MeteringConfig struct {
	SettingsFile string         `yaml:"settings_file"`
	Switches     []string       `yaml:"switches"`
	UsedBins     map[string]int `yaml:"used_bins"`

	Rates map[string]MeterRateSpec `yaml:"-"`
}

// MeterRateSpec is the two-rate/two-bucket setting of one metered switch.
// Rates are in units per second, bursts in units.
type MeterRateSpec struct {
	CIR    float64
	PIR    float64
	CBurst uint32
	PBurst uint32
}

// ControlConfig tunes the adaptive threshold loop.
type ControlConfig struct {
	Interval    time.Duration `yaml:"interval"`
	HistoryFile string        `yaml:"history_file"` // may contain {switch}
	Concurrent  bool          `yaml:"concurrent"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// PublishConfig lists optional live sinks for threshold samples.
type PublishConfig struct {
	Redis RedisPublishConfig `yaml:"redis"`
	MQTT  MQTTPublishConfig  `yaml:"mqtt"`
}

// RedisPublishConfig appends samples to a Redis stream.
type RedisPublishConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"` // supports ${env:NAME} and ${file:path}
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

// MQTTPublishConfig publishes samples to an MQTT topic.
type MQTTPublishConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"` // supports ${env:NAME} and ${file:path}
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// SwitchNames returns the declared switches s1..sN.
func (c *Config) SwitchNames() []string {
	names := make([]string, 0, c.Topology.Switches)
	for i := 1; i <= c.Topology.Switches; i++ {
		names = append(names, "s"+strconv.Itoa(i))
	}
	return names
}

// HostNames returns the declared hosts h1..hM.
func (c *Config) HostNames() []string {
	names := make([]string, 0, c.Topology.Hosts)
	for i := 1; i <= c.Topology.Hosts; i++ {
		names = append(names, "h"+strconv.Itoa(i))
	}
	return names
}

// IsSwitch reports whether name is a declared switch.
func (c *Config) IsSwitch(name string) bool {
	n, ok := nodeIndex(name, "s")
	return ok && n <= c.Topology.Switches
}

// IsHost reports whether name is a declared host.
func (c *Config) IsHost(name string) bool {
	n, ok := nodeIndex(name, "h")
	return ok && n <= c.Topology.Hosts
}

// MeteredSwitches returns the metered switches in sorted order. An explicit
// metering.switches list wins; otherwise every switch of the settings file is
// metered.
func (c *Config) MeteredSwitches() []string {
	var names []string
	if len(c.Metering.Switches) > 0 {
		names = append(names, c.Metering.Switches...)
	} else {
		for name := range c.Metering.Rates {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// BinCount returns the register array length for a switch, 0 when the
// switch has no used-bins entry.
func (c *Config) BinCount(sw string) int {
	return c.Metering.UsedBins[sw] * BinsPerGroup
}

// HistoryPath returns the history log of a switch.
func (c *Config) HistoryPath(sw string) string {
	return strings.ReplaceAll(c.Control.HistoryFile, "{switch}", sw)
}

// HostIP returns the address of host hN, 10.0.0.N.
func HostIP(host string) (string, error) {
	n, ok := nodeIndex(host, "h")
	if !ok || n > 255 {
		return "", fmt.Errorf("invalid host name %q", host)
	}
	return fmt.Sprintf("10.0.0.%d", n), nil
}

// HostMAC returns the link-layer address of host hN, 00:00:0a:00:00:NN.
func HostMAC(host string) (string, error) {
	n, ok := nodeIndex(host, "h")
	if !ok || n > 255 {
		return "", fmt.Errorf("invalid host name %q", host)
	}
	return fmt.Sprintf("00:00:0a:00:00:%02x", n), nil
}

func nodeIndex(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(prefix):])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Fabric: FabricConfig{
			Tables:         BackendP4Runtime,
			Registers:      BackendThrift,
			ConnectTimeout: 30 * time.Second,
			ElectionID:     1,
		},
		Marking: MarkingConfig{
			MarkValue: 65535,
			Remarking: RemarkingConfig{
				Switch: "s1",
				Stages: []RemarkStage{
					{
						Table:  "ppv_remarker1",
						Action: "ppv_remark1",
						Entries: []RemarkEntry{
							{Port: 1, Params: []uint32{0, 0}},
							{Port: 2, Params: []uint32{1, 1}},
						},
					},
					{
						Table:  "ppv_remarker2",
						Action: "ppv_remark2",
						Entries: []RemarkEntry{
							{Port: 1, Params: []uint32{0, 0}},
							{Port: 2, Params: []uint32{1, 1}},
						},
					},
				},
			},
		},
		Metering: MeteringConfig{
			SettingsFile: "metered_switches_settings.json",
		},
		Control: ControlConfig{
			Interval:    10 * time.Millisecond,
			HistoryFile: "reg_history.csv",
		},
		Metrics: MetricsConfig{
			Address: ":9102",
			Path:    "/metrics",
		},
		Publish: PublishConfig{
			Redis: RedisPublishConfig{
				Address: "localhost:6379",
				Stream:  "ppv:threshold",
				MaxLen:  100000,
			},
			MQTT: MQTTPublishConfig{
				Broker: "tcp://localhost:1883",
				Topic:  "ppv/threshold",
			},
		},
	}
}
