package fabric

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func forwardRule(port byte) Rule {
	return Rule{
		Table:     "ipv4_lpm",
		Action:    "ipv4_forward",
		Match:     []Match{LPM([]byte{10, 0, 0, 1}, 32)},
		Params:    [][]byte{{0, 0, 10, 0, 0, 1}, {0, port}},
		Overwrite: true,
	}
}

func TestMemoryOverwriteByKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.InstallRule(ctx, forwardRule(1)); err != nil {
		t.Fatal(err)
	}
	if err := m.InstallRule(ctx, forwardRule(2)); err != nil {
		t.Fatal(err)
	}

	entries := m.Entries("ipv4_lpm")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after overwrite, got %d", len(entries))
	}
	if entries[0].Params[1][1] != 2 {
		t.Errorf("expected overwritten port 2, got %d", entries[0].Params[1][1])
	}
}

func TestMemoryDuplicatesWithoutOverwrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rule := Rule{Table: "ppv_marker", Action: "ppv_mark", Match: []Match{LPM([]byte{10, 0, 0, 1}, 32), Exact([]byte{6})}}

	for i := 0; i < 2; i++ {
		if err := m.InstallRule(ctx, rule); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(m.Entries("ppv_marker")); n != 2 {
		t.Errorf("expected duplicated marking entries, got %d", n)
	}
}

func TestMemoryRegisters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	v, err := m.ReadRegister(ctx, "future_bins", 3)
	if err != nil || v != 0 {
		t.Fatalf("unwritten cell = %d, %v", v, err)
	}
	m.Increment("future_bins", 3, 4)
	m.Increment("future_bins", 3, 5)
	if got := m.Register("future_bins", 3); got != 9 {
		t.Errorf("after increments = %d, want 9", got)
	}
	if err := m.WriteRegister(ctx, "future_bins", 3, 0); err != nil {
		t.Fatal(err)
	}
	if got := m.Register("future_bins", 3); got != 0 {
		t.Errorf("after write = %d, want 0", got)
	}
	if m.RegisterLen("future_bins") != 4 {
		t.Errorf("RegisterLen = %d, want 4", m.RegisterLen("future_bins"))
	}
	if _, err := m.ReadRegister(ctx, "future_bins", -1); err == nil {
		t.Error("negative index should fail")
	}
}

func TestMemoryFailureHook(t *testing.T) {
	m := NewMemory()
	boom := errors.New("connection reset")
	m.FailWith(func(op, target string) error {
		if op == "read" && target == "minimum_ppv_reg" {
			return boom
		}
		return nil
	})
	ctx := context.Background()
	if _, err := m.ReadRegister(ctx, "minimum_ppv_reg", 0); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
	if _, err := m.ReadRegister(ctx, "old_bins", 0); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMemoryMeterRates(t *testing.T) {
	m := NewMemory()
	rates := []MeterRate{{Rate: 1000, Burst: 10}, {Rate: 2000, Burst: 20}}
	if err := m.SetMeterRates(context.Background(), "my_meter", rates); err != nil {
		t.Fatal(err)
	}
	rates[0].Rate = 0
	got := m.MeterRates("my_meter")
	if len(got) != 2 || got[0].Rate != 1000 {
		t.Errorf("MeterRates = %+v", got)
	}
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	_ = m.Close()
	if err := m.WriteRegister(context.Background(), "x", 0, 1); err == nil {
		t.Error("write after close should fail")
	}
}

func TestRuleString(t *testing.T) {
	s := forwardRule(3).String()
	for _, want := range []string{"ipv4_lpm", "ipv4_forward", "0x0a000001/32", "0x0003"} {
		if !strings.Contains(s, want) {
			t.Errorf("%q missing %q", s, want)
		}
	}
	if forwardRule(1).Key() != forwardRule(2).Key() {
		t.Error("key must not depend on params")
	}
}

func TestSplit(t *testing.T) {
	tables, regs := NewMemory(), NewMemory()
	s := &Split{TableDevice: tables, RegisterDevice: regs}
	ctx := context.Background()

	if err := s.InstallRule(ctx, forwardRule(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteRegister(ctx, "minimum_ppv_reg", 0, 42); err != nil {
		t.Fatal(err)
	}
	if len(tables.Entries("ipv4_lpm")) != 1 || len(regs.Entries("ipv4_lpm")) != 0 {
		t.Error("rule routed to the wrong backend")
	}
	if regs.Register("minimum_ppv_reg", 0) != 42 || tables.Register("minimum_ppv_reg", 0) != 0 {
		t.Error("register routed to the wrong backend")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestConnectRetries(t *testing.T) {
	attempts := 0
	v, err := Connect(context.Background(), 5*time.Second, zap.NewNop(), "s1", func(context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("connection refused")
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if v != 7 || attempts != 3 {
		t.Errorf("v = %d, attempts = %d", v, attempts)
	}
}

func TestConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Connect(ctx, time.Minute, zap.NewNop(), "s1", func(context.Context) (int, error) {
		return 0, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestConnectZeroTimeoutSingleAttempt(t *testing.T) {
	attempts := 0
	_, err := Connect(context.Background(), 0, zap.NewNop(), "s1", func(context.Context) (int, error) {
		attempts++
		return 0, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error for unreachable switch")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
