// Package fabric defines the switch-fabric interface the controller programs
// and polls, plus an in-memory implementation.
package fabric

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
)

// MatchKind is the match type of one key field.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchLPM
)

func (k MatchKind) String() string {
	if k == MatchLPM {
		return "lpm"
	}
	return "exact"
}

// Match is one encoded key field. Value holds the big-endian bytes at the
// field's full width.
type Match struct {
	Kind      MatchKind
	Value     []byte
	PrefixLen int
}

// Exact returns an exact-match key field.
func Exact(v []byte) Match {
	return Match{Kind: MatchExact, Value: v}
}

// LPM returns a longest-prefix-match key field.
func LPM(v []byte, prefixLen int) Match {
	return Match{Kind: MatchLPM, Value: v, PrefixLen: prefixLen}
}

// Rule is a table entry to install.
type Rule struct {
	Table  string
	Action string
	Match  []Match
	Params [][]byte

	// DirectMeter names the direct meter attached to Table, if any. Backends
	// remember the installed entry so SetMeterRates can address it.
	DirectMeter string
	// Overwrite marks rules whose key may already be present; the install
	// replaces the existing entry instead of failing or duplicating it.
	Overwrite bool
}

// Key identifies the entry within its table.
func (r Rule) Key() string {
	var b strings.Builder
	b.WriteString(r.Table)
	for _, m := range r.Match {
		b.WriteByte('|')
		b.WriteString(hex.EncodeToString(m.Value))
		if m.Kind == MatchLPM {
			fmt.Fprintf(&b, "/%d", m.PrefixLen)
		}
	}
	return b.String()
}

func (r Rule) String() string {
	var keys []string
	for _, m := range r.Match {
		if m.Kind == MatchLPM {
			keys = append(keys, fmt.Sprintf("0x%x/%d", m.Value, m.PrefixLen))
		} else {
			keys = append(keys, fmt.Sprintf("0x%x", m.Value))
		}
	}
	var params []string
	for _, p := range r.Params {
		params = append(params, fmt.Sprintf("0x%x", p))
	}
	return fmt.Sprintf("%s %s [%s] => [%s]", r.Table, r.Action, strings.Join(keys, " "), strings.Join(params, " "))
}

// MeterRate is one bucket of a two-rate meter. Rate is in units per second.
type MeterRate struct {
	Rate  float64
	Burst uint32
}

// Tables installs rules and configures meters.
type Tables interface {
	InstallRule(ctx context.Context, rule Rule) error
	SetMeterRates(ctx context.Context, meter string, rates []MeterRate) error
}

// Registers reads and writes register cells.
type Registers interface {
	ReadRegister(ctx context.Context, name string, index int) (int64, error)
	WriteRegister(ctx context.Context, name string, index int, value int64) error
}

// Device is the full switch-fabric interface of one switch. All calls are
// synchronous and may fail with a transport error.
type Device interface {
	Tables
	Registers
	Close() error
}

// Split serves tables and registers from different backends, e.g. P4Runtime
// for tables and Thrift for registers.
type Split struct {
	TableDevice    Device
	RegisterDevice Device
}

var _ Device = (*Split)(nil)

func (s *Split) InstallRule(ctx context.Context, rule Rule) error {
	return s.TableDevice.InstallRule(ctx, rule)
}

func (s *Split) SetMeterRates(ctx context.Context, meter string, rates []MeterRate) error {
	return s.TableDevice.SetMeterRates(ctx, meter, rates)
}

func (s *Split) ReadRegister(ctx context.Context, name string, index int) (int64, error) {
	return s.RegisterDevice.ReadRegister(ctx, name, index)
}

func (s *Split) WriteRegister(ctx context.Context, name string, index int, value int64) error {
	return s.RegisterDevice.WriteRegister(ctx, name, index, value)
}

// Close closes both backends once.
func (s *Split) Close() error {
	err := s.TableDevice.Close()
	if s.RegisterDevice != s.TableDevice {
		if rerr := s.RegisterDevice.Close(); err == nil {
			err = rerr
		}
	}
	return err
}
