// Package provision turns a validated configuration into the ordered list of
// table and meter commands installed once at startup.
package provision

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/wudi/ppvctl/internal/config"
	cerrors "github.com/wudi/ppvctl/internal/errors"
	"github.com/wudi/ppvctl/internal/fabric"
)

// Stage groups commands by their role in the pipeline.
type Stage int

const (
	StageForwarding Stage = iota
	StageMarking
	StageDemarking
	StageRemarking
	StageMetering
)

var stageNames = [...]string{"forwarding", "marking", "demarking", "remarking", "metering"}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "stage(" + strconv.Itoa(int(s)) + ")"
}

// Command is one provisioning step against a switch: either a rule install
// or a meter rate configuration.
type Command struct {
	Switch string
	Stage  Stage
	Rule   *fabric.Rule
	Meter  *MeterSetting
}

// MeterSetting configures a two-rate meter.
type MeterSetting struct {
	Name  string
	Rates []fabric.MeterRate
}

// Table names the table the command touches, or the meter.
func (c Command) Table() string {
	if c.Rule != nil {
		return c.Rule.Table
	}
	if c.Meter != nil {
		return c.Meter.Name
	}
	return ""
}

// Action names the action of a rule command, or "set_rates".
func (c Command) Action() string {
	if c.Rule != nil {
		return c.Rule.Action
	}
	return "set_rates"
}

func (c Command) String() string {
	if c.Rule != nil {
		return fmt.Sprintf("%s %s: %s", c.Switch, c.Stage, c.Rule)
	}
	var rates []string
	for _, r := range c.Meter.Rates {
		rates = append(rates, fmt.Sprintf("(%g,%d)", r.Rate, r.Burst))
	}
	return fmt.Sprintf("%s %s: set_rates %s [%s]", c.Switch, c.Stage, c.Meter.Name, strings.Join(rates, " "))
}

// Plan builds the ordered provisioning commands for cfg: forwarding,
// marking, demarking, remarking, then metering. It has no side effects.
func Plan(cfg *config.Config) ([]Command, error) {
	var (
		cmds []Command
		errs []string
	)
	add := func(sw string, stage Stage, rule fabric.Rule) {
		cmds = append(cmds, Command{Switch: sw, Stage: stage, Rule: &rule})
	}
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	// Forwarding
	for _, sw := range cfg.SwitchNames() {
		hops := cfg.Topology.NextHop[sw]
		for _, host := range sortedHosts(hops) {
			rule, err := forwardRule(host, hops[host])
			if err != nil {
				fail("next_hop.%s.%s: %v", sw, host, err)
				continue
			}
			add(sw, StageForwarding, rule)
		}
	}

	// Marking, one rule per transport protocol
	mark, err := encodeUint(uint64(cfg.Marking.MarkValue), widthMark)
	if err != nil {
		fail("marking.mark_value: %v", err)
	}
	for i, m := range cfg.Marking.Markers {
		addr, bits, err := encodePrefix(m.Prefix)
		if err != nil {
			fail("marking.markers[%d]: %v", i, err)
			continue
		}
		for _, proto := range []uint64{ProtoTCP, ProtoUDP} {
			p, _ := encodeUint(proto, widthProto)
			add(m.Switch, StageMarking, fabric.Rule{
				Table:  TableMarker,
				Action: ActionMark,
				Match:  []fabric.Match{fabric.LPM(addr, bits), fabric.Exact(p)},
				Params: [][]byte{mark},
			})
		}
	}

	// Demarking
	for i, d := range cfg.Marking.Demarkers {
		addr, bits, err := encodePrefix(d.Prefix)
		if err != nil {
			fail("marking.demarkers[%d]: %v", i, err)
			continue
		}
		add(d.Switch, StageDemarking, fabric.Rule{
			Table:  TableDemarker,
			Action: ActionDemark,
			Match:  []fabric.Match{fabric.LPM(addr, bits)},
		})
	}

	// Remarking
	remark := cfg.Marking.Remarking
	for _, stage := range remark.Stages {
		for _, e := range stage.Entries {
			port, err := encodeUint(uint64(e.Port), widthPort)
			if err != nil {
				fail("remarking %s port: %v", stage.Table, err)
				continue
			}
			var params [][]byte
			for _, v := range e.Params {
				b, err := encodeUint(uint64(v), widthMark)
				if err != nil {
					fail("remarking %s port %d: %v", stage.Table, e.Port, err)
					break
				}
				params = append(params, b)
			}
			add(remark.Switch, StageRemarking, fabric.Rule{
				Table:  stage.Table,
				Action: stage.Action,
				Match:  []fabric.Match{fabric.Exact(port)},
				Params: params,
			})
		}
	}

	// Metering
	catchAll := []byte{0, 0, 0, 0}
	red, _ := encodeUint(ColorRed, widthColor)
	for _, sw := range cfg.MeteredSwitches() {
		spec, ok := cfg.Metering.Rates[sw]
		if !ok {
			fail("metering: no rate spec for %s", sw)
			continue
		}
		add(sw, StageMetering, fabric.Rule{
			Table:       TableMeter,
			Action:      ActionMeter,
			Match:       []fabric.Match{fabric.LPM(catchAll, 0)},
			DirectMeter: DirectMeter,
		})
		add(sw, StageMetering, fabric.Rule{
			Table:  TableFilter,
			Action: ActionOverload,
			Match:  []fabric.Match{fabric.Exact(red)},
		})
		cmds = append(cmds, Command{Switch: sw, Stage: StageMetering, Meter: &MeterSetting{
			Name: DirectMeter,
			Rates: []fabric.MeterRate{
				{Rate: spec.CIR, Burst: spec.CBurst},
				{Rate: spec.PIR, Burst: spec.PBurst},
			},
		}})
	}

	if len(errs) > 0 {
		return nil, cerrors.Configuration("plan provisioning", errs...)
	}
	return cmds, nil
}

func forwardRule(host string, port int) (fabric.Rule, error) {
	ip, err := config.HostIP(host)
	if err != nil {
		return fabric.Rule{}, err
	}
	mac, err := config.HostMAC(host)
	if err != nil {
		return fabric.Rule{}, err
	}
	addr, bits, err := encodePrefix(ip)
	if err != nil {
		return fabric.Rule{}, err
	}
	macBytes, err := encodeMAC(mac)
	if err != nil {
		return fabric.Rule{}, err
	}
	portBytes, err := encodeUint(uint64(port), widthPort)
	if err != nil {
		return fabric.Rule{}, err
	}
	return fabric.Rule{
		Table:     TableForward,
		Action:    ActionForward,
		Match:     []fabric.Match{fabric.LPM(addr, bits)},
		Params:    [][]byte{macBytes, portBytes},
		Overwrite: true,
	}, nil
}

// sortedHosts orders host names numerically, h2 before h10.
func sortedHosts(hops map[string]int) []string {
	hosts := make([]string, 0, len(hops))
	for h := range hops {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(hosts[i], "h"))
		b, _ := strconv.Atoi(strings.TrimPrefix(hosts[j], "h"))
		if a != b {
			return a < b
		}
		return hosts[i] < hosts[j]
	})
	return hosts
}

// Switches returns the switches a plan touches, in first-use order.
func Switches(plan []Command) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range plan {
		if !seen[c.Switch] {
			seen[c.Switch] = true
			out = append(out, c.Switch)
		}
	}
	return out
}
