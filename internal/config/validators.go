package config

import (
	"fmt"
	"net/netip"
	"sort"

	cerrors "github.com/wudi/ppvctl/internal/errors"
)

// validBackends contains the fabric backends the controller can build.
var validBackends = map[string]bool{
	BackendMemory:    true,
	BackendThrift:    true,
	BackendP4Runtime: true,
}

// Validate checks the static intent before any device is touched. It runs
// every check and returns a single ConfigurationError listing all violations.
func Validate(cfg *Config) error {
	v := &violations{}

	validateTopology(cfg, v)
	validateMarking(cfg, v)
	validateMetering(cfg, v)
	validateFabric(cfg, v)
	validateControl(cfg, v)

	if len(v.list) > 0 {
		return cerrors.Configuration("validate configuration", v.list...)
	}
	return nil
}

type violations struct {
	list []string
}

func (v *violations) add(format string, args ...any) {
	v.list = append(v.list, fmt.Sprintf(format, args...))
}

func validateTopology(cfg *Config, v *violations) {
	t := cfg.Topology
	if t.Switches < 1 {
		v.add("topology.switches must be at least 1, got %d", t.Switches)
	}
	if t.Hosts < 0 {
		v.add("topology.hosts must not be negative, got %d", t.Hosts)
	}
	if t.Switches != len(t.Programs) {
		v.add("topology.switches is %d but %d dataplane programs are configured", t.Switches, len(t.Programs))
	}
	for _, sw := range cfg.SwitchNames() {
		if t.Programs[sw] == "" {
			v.add("topology.programs: no dataplane program for switch %s", sw)
		}
	}
	for _, sw := range sortedKeys(t.Programs) {
		if !cfg.IsSwitch(sw) {
			v.add("topology.programs: undeclared switch %s", sw)
		}
	}

	for i, link := range t.Links {
		if len(link) != 2 {
			v.add("topology.links[%d]: expected 2 endpoints, got %d", i, len(link))
			continue
		}
		for _, node := range link {
			if !cfg.IsSwitch(node) && !cfg.IsHost(node) {
				v.add("topology.links[%d]: unknown node %s", i, node)
			}
		}
	}

	for _, sw := range sortedKeys(t.NextHop) {
		if !cfg.IsSwitch(sw) {
			v.add("topology.next_hop: undeclared switch %s", sw)
		}
		hops := t.NextHop[sw]
		for _, host := range sortedKeys(hops) {
			if !cfg.IsHost(host) {
				v.add("topology.next_hop.%s: undeclared host %s", sw, host)
			}
			if hops[host] < 1 {
				v.add("topology.next_hop.%s.%s: port must be positive, got %d", sw, host, hops[host])
			}
		}
	}
}

func validateMarking(cfg *Config, v *violations) {
	check := func(section string, list []PrefixAssignment) {
		for i, a := range list {
			if !cfg.IsSwitch(a.Switch) {
				v.add("marking.%s[%d]: undeclared switch %s", section, i, a.Switch)
			}
			p, err := netip.ParsePrefix(a.Prefix)
			if err != nil {
				v.add("marking.%s[%d]: invalid prefix %q", section, i, a.Prefix)
			} else if !p.Addr().Is4() {
				v.add("marking.%s[%d]: prefix %s is not IPv4", section, i, a.Prefix)
			}
		}
	}
	if cfg.Marking.MarkValue > 0xFFFF {
		v.add("marking.mark_value %d does not fit in 16 bits", cfg.Marking.MarkValue)
	}
	check("markers", cfg.Marking.Markers)
	check("demarkers", cfg.Marking.Demarkers)

	r := cfg.Marking.Remarking
	if len(r.Stages) > 0 && !cfg.IsSwitch(r.Switch) {
		v.add("marking.remarking: undeclared switch %q", r.Switch)
	}
	for i, st := range r.Stages {
		if st.Table == "" || st.Action == "" {
			v.add("marking.remarking.stages[%d]: table and action are required", i)
		}
		if len(st.Entries) == 0 {
			v.add("marking.remarking.stages[%d]: at least one entry is required", i)
		}
		for j, e := range st.Entries {
			if e.Port < 1 || e.Port > 511 {
				v.add("marking.remarking.stages[%d].entries[%d]: port %d out of range", i, j, e.Port)
			}
			if len(e.Params) != 2 {
				v.add("marking.remarking.stages[%d].entries[%d]: expected 2 params, got %d", i, j, len(e.Params))
			}
		}
	}
}

func validateMetering(cfg *Config, v *violations) {
	metered := make(map[string]bool)
	for _, sw := range cfg.MeteredSwitches() {
		metered[sw] = true
		if !cfg.IsSwitch(sw) {
			v.add("metering: undeclared switch %s", sw)
		}
		if _, ok := cfg.Metering.Rates[sw]; !ok {
			v.add("metering: switch %s has no rate spec in %s", sw, cfg.Metering.SettingsFile)
		}
	}
	for _, sw := range sortedKeys(cfg.Metering.Rates) {
		if !cfg.IsSwitch(sw) && !metered[sw] {
			v.add("metering: rate spec for undeclared switch %s", sw)
		}
	}
	for _, sw := range sortedKeys(cfg.Metering.UsedBins) {
		if !metered[sw] {
			v.add("metering.used_bins: switch %s is not metered", sw)
		}
		if cfg.Metering.UsedBins[sw] < 1 {
			v.add("metering.used_bins.%s: must be at least 1, got %d", sw, cfg.Metering.UsedBins[sw])
		}
	}
}

func validateFabric(cfg *Config, v *violations) {
	f := cfg.Fabric
	if !validBackends[f.Tables] {
		v.add("fabric.tables: invalid backend %q", f.Tables)
	}
	if !validBackends[f.Registers] {
		v.add("fabric.registers: invalid backend %q", f.Registers)
	}
	if (f.Tables != BackendMemory || f.Registers != BackendMemory) && f.ConnectTimeout <= 0 {
		v.add("fabric.connect_timeout must be positive for network backends, got %s", f.ConnectTimeout)
	}
	for _, sw := range cfg.SwitchNames() {
		ep := cfg.Topology.Endpoints[sw]
		if (f.Tables == BackendP4Runtime || f.Registers == BackendP4Runtime) && ep.GRPC == "" {
			v.add("topology.endpoints.%s: grpc address required by the p4runtime backend", sw)
		}
		if (f.Tables == BackendThrift || f.Registers == BackendThrift) && ep.Thrift == "" {
			v.add("topology.endpoints.%s: thrift address required by the thrift backend", sw)
		}
	}
	for _, sw := range sortedKeys(cfg.Topology.Endpoints) {
		if !cfg.IsSwitch(sw) {
			v.add("topology.endpoints: undeclared switch %s", sw)
		}
	}
}

func validateControl(cfg *Config, v *violations) {
	if cfg.Control.Interval <= 0 {
		v.add("control.interval must be positive, got %s", cfg.Control.Interval)
	}
	if cfg.Control.HistoryFile == "" {
		v.add("control.history_file is required")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		v.add("metrics.address is required when metrics are enabled")
	}
	if cfg.Publish.Redis.Enabled && (cfg.Publish.Redis.Address == "" || cfg.Publish.Redis.Stream == "") {
		v.add("publish.redis: address and stream are required")
	}
	if cfg.Publish.MQTT.Enabled && (cfg.Publish.MQTT.Broker == "" || cfg.Publish.MQTT.Topic == "") {
		v.add("publish.mqtt: broker and topic are required")
	}
	if cfg.Publish.MQTT.QoS > 2 {
		v.add("publish.mqtt.qos must be 0, 1 or 2, got %d", cfg.Publish.MQTT.QoS)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
