package p4rt

import (
	"fmt"
	"os"
	"strings"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	"google.golang.org/protobuf/encoding/prototext"
)

// LoadP4Info reads a p4info file in protobuf text format, as written by p4c
// with --p4runtime-files.
func LoadP4Info(path string) (*p4configv1.P4Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading p4info: %w", err)
	}
	info := &p4configv1.P4Info{}
	if err := prototext.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("parsing p4info %s: %w", path, err)
	}
	return info, nil
}

// schema resolves program object names to P4Runtime ids.
type schema struct {
	tables       map[string]*p4configv1.Table
	actions      map[string]*p4configv1.Action
	registers    map[string]*p4configv1.Register
	meters       map[string]*p4configv1.Meter
	directMeters map[string]*p4configv1.DirectMeter
}

// newSchema indexes every object under its fully-qualified name, its alias
// and its last name component, so both "MyIngress.ipv4_lpm" and "ipv4_lpm"
// resolve.
func newSchema(info *p4configv1.P4Info) *schema {
	s := &schema{
		tables:       make(map[string]*p4configv1.Table),
		actions:      make(map[string]*p4configv1.Action),
		registers:    make(map[string]*p4configv1.Register),
		meters:       make(map[string]*p4configv1.Meter),
		directMeters: make(map[string]*p4configv1.DirectMeter),
	}
	for _, t := range info.GetTables() {
		index(s.tables, t.GetPreamble(), t)
	}
	for _, a := range info.GetActions() {
		index(s.actions, a.GetPreamble(), a)
	}
	for _, r := range info.GetRegisters() {
		index(s.registers, r.GetPreamble(), r)
	}
	for _, m := range info.GetMeters() {
		index(s.meters, m.GetPreamble(), m)
	}
	for _, m := range info.GetDirectMeters() {
		index(s.directMeters, m.GetPreamble(), m)
	}
	return s
}

func index[T any](m map[string]T, p *p4configv1.Preamble, v T) {
	for _, name := range []string{p.GetName(), p.GetAlias(), shortName(p.GetName())} {
		if name == "" {
			continue
		}
		if _, taken := m[name]; !taken {
			m[name] = v
		}
	}
}

func shortName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func (s *schema) table(name string) (*p4configv1.Table, error) {
	if t, ok := s.tables[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("unknown table %q", name)
}

func (s *schema) action(name string) (*p4configv1.Action, error) {
	if a, ok := s.actions[name]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("unknown action %q", name)
}

func (s *schema) register(name string) (*p4configv1.Register, error) {
	if r, ok := s.registers[name]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("unknown register %q", name)
}

// canonical strips leading zero bytes, keeping at least one byte.
func canonical(v []byte) []byte {
	i := 0
	for i < len(v)-1 && v[i] == 0 {
		i++
	}
	return v[i:]
}

// bytesToInt decodes a big-endian bitstring.
func bytesToInt(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

// intToBytes encodes v big-endian in canonical form.
func intToBytes(v int64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return canonical(buf)
}
