package fabric

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process fabric. It backs dry runs and tests, and models the
// dataplane through Increment.
type Memory struct {
	mu        sync.Mutex
	tables    map[string][]Rule
	registers map[string][]int64
	meters    map[string][]MeterRate
	fail      func(op, target string) error
	closed    bool
}

var _ Device = (*Memory)(nil)

// NewMemory creates an empty in-memory fabric.
func NewMemory() *Memory {
	return &Memory{
		tables:    make(map[string][]Rule),
		registers: make(map[string][]int64),
		meters:    make(map[string][]MeterRate),
	}
}

// FailWith installs a hook consulted before every call. op is one of
// "install", "meter", "read", "write"; target is the table, meter or
// register name. A non-nil return fails the call.
func (m *Memory) FailWith(fn func(op, target string) error) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

func (m *Memory) check(op, target string) error {
	if m.closed {
		return fmt.Errorf("memory fabric: closed")
	}
	if m.fail != nil {
		return m.fail(op, target)
	}
	return nil
}

// InstallRule stores the rule. Overwrite rules replace an entry with the same
// key; other rules are appended even when the key exists, mirroring how a
// repeated marking install duplicates behavior.
func (m *Memory) InstallRule(_ context.Context, rule Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("install", rule.Table); err != nil {
		return err
	}
	entries := m.tables[rule.Table]
	if rule.Overwrite {
		key := rule.Key()
		for i := range entries {
			if entries[i].Key() == key {
				entries[i] = rule
				return nil
			}
		}
	}
	m.tables[rule.Table] = append(entries, rule)
	return nil
}

func (m *Memory) SetMeterRates(_ context.Context, meter string, rates []MeterRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("meter", meter); err != nil {
		return err
	}
	m.meters[meter] = append([]MeterRate(nil), rates...)
	return nil
}

// ReadRegister returns the cell value; unwritten cells read as 0.
func (m *Memory) ReadRegister(_ context.Context, name string, index int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("read", name); err != nil {
		return 0, err
	}
	if index < 0 {
		return 0, fmt.Errorf("memory fabric: register %s: negative index %d", name, index)
	}
	cells := m.registers[name]
	if index >= len(cells) {
		return 0, nil
	}
	return cells[index], nil
}

func (m *Memory) WriteRegister(_ context.Context, name string, index int, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("write", name); err != nil {
		return err
	}
	return m.set(name, index, value)
}

func (m *Memory) set(name string, index int, value int64) error {
	if index < 0 {
		return fmt.Errorf("memory fabric: register %s: negative index %d", name, index)
	}
	cells := m.registers[name]
	for len(cells) <= index {
		cells = append(cells, 0)
	}
	cells[index] = value
	m.registers[name] = cells
	return nil
}

// Increment adds delta to a register cell the way the dataplane does.
func (m *Memory) Increment(name string, index int, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur int64
	if cells := m.registers[name]; index < len(cells) {
		cur = cells[index]
	}
	_ = m.set(name, index, cur+delta)
}

// Register returns a cell value without going through the failure hook.
func (m *Memory) Register(name string, index int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cells := m.registers[name]; index < len(cells) {
		return cells[index]
	}
	return 0
}

// RegisterLen returns the number of cells written so far.
func (m *Memory) RegisterLen(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registers[name])
}

// Entries returns a copy of the rules installed in a table.
func (m *Memory) Entries(table string) []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Rule(nil), m.tables[table]...)
}

// MeterRates returns the rates last set for a meter.
func (m *Memory) MeterRates(meter string) []MeterRate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MeterRate(nil), m.meters[meter]...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
