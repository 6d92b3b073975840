package control

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	cerrors "github.com/wudi/ppvctl/internal/errors"
	"github.com/wudi/ppvctl/internal/fabric"
	"github.com/wudi/ppvctl/internal/history"
	"github.com/wudi/ppvctl/internal/metrics"
)

// memRecorder keeps samples in memory.
type memRecorder struct {
	mu      sync.Mutex
	samples []history.Sample
	err     error
}

func (r *memRecorder) Append(s history.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.samples = append(r.samples, s)
	return nil
}

func (r *memRecorder) values(sw string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, s := range r.samples {
		if s.Switch == sw {
			out = append(out, s.Value)
		}
	}
	return out
}

// stepClock advances by one millisecond per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Unix(1700000000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestLoop(t *testing.T, switches []Switch, rec Recorder, opts Options) *Loop {
	t.Helper()
	if opts.Interval == 0 {
		opts.Interval = time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = stepClock()
	}
	l, err := New(switches, rec, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestDecay(t *testing.T) {
	tests := []struct {
		v, want int64
	}{
		{1500, 1495},
		{1000, 995},
		{999, 994},
		{100, 95},
		{99, 98},
		{95, 94},
		{10, 9},
		{9, 0},
		{1, 0},
		{0, 0},
	}
	for _, tt := range tests {
		if got := Decay(tt.v); got != tt.want {
			t.Errorf("Decay(%d) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestDecayTrajectory(t *testing.T) {
	v := int64(1500)
	steps := 0
	for v >= 100 {
		next := Decay(v)
		if v-next != 5 {
			t.Fatalf("at %d: step %d, want 5", v, v-next)
		}
		v = next
		steps++
	}
	if v != 95 || steps != 281 {
		t.Fatalf("after the 5-steps phase v = %d in %d ticks", v, steps)
	}
	for v >= 10 {
		v = Decay(v)
	}
	if v != 9 {
		t.Fatalf("expected to reach 9, got %d", v)
	}
	if Decay(v) != 0 {
		t.Errorf("Decay(9) should floor to 0")
	}
}

func TestBinRotationLossless(t *testing.T) {
	mem := fabric.NewMemory()
	rec := &memRecorder{}
	l := newTestLoop(t, []Switch{{Name: "s1", Registers: mem, UsedBins: 2}}, rec, Options{})
	ctx := context.Background()

	if err := l.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	rounds := [][]int64{
		{3, 0, 7, 1, 0, 0, 0, 0, 0, 12},
		{0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		{1, 1, 1, 1, 1, 1, 1, 1, 1, 1},
	}
	for r, incs := range rounds {
		for i, n := range incs {
			// Several increments per cell between rotations.
			for k := int64(0); k < n; k++ {
				mem.Increment(RegisterFuture, i, 1)
			}
		}
		if err := l.Tick(ctx); err != nil {
			t.Fatal(err)
		}
		for i, n := range incs {
			if got := mem.Register(RegisterOld, i); got != n {
				t.Errorf("round %d: old[%d] = %d, want %d", r, i, got, n)
			}
			if got := mem.Register(RegisterFuture, i); got != 0 {
				t.Errorf("round %d: future[%d] = %d after rotation", r, i, got)
			}
		}
	}
	if n := mem.RegisterLen(RegisterFuture); n != 10 {
		t.Errorf("future length = %d, want 10", n)
	}
	if n := mem.RegisterLen(RegisterOld); n != 10 {
		t.Errorf("old length = %d, want 10", n)
	}
}

func TestTickDecaysAndRecordsPreDecayValue(t *testing.T) {
	mem := fabric.NewMemory()
	rec := &memRecorder{}
	l := newTestLoop(t, []Switch{{Name: "s1", Registers: mem, UsedBins: 1}}, rec, Options{})
	ctx := context.Background()

	if err := l.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	mem.Increment(RegisterThreshold, 0, 1500)

	for i := 0; i < 3; i++ {
		if err := l.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	want := []int64{1500, 1495, 1490}
	got := rec.values("s1")
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
	if v := mem.Register(RegisterThreshold, 0); v != 1485 {
		t.Errorf("threshold = %d, want 1485", v)
	}
	if l.Ticks() != 3 {
		t.Errorf("Ticks() = %d", l.Ticks())
	}

	var prev time.Time
	for _, s := range rec.samples {
		if s.Timestamp.Before(prev) {
			t.Errorf("timestamps must not decrease")
		}
		prev = s.Timestamp
	}
}

func TestDecayFloorIsStable(t *testing.T) {
	mem := fabric.NewMemory()
	rec := &memRecorder{}
	l := newTestLoop(t, []Switch{{Name: "s1", Registers: mem}}, rec, Options{})
	ctx := context.Background()

	_ = l.Initialize(ctx)
	mem.Increment(RegisterThreshold, 0, 9)
	for i := 0; i < 5; i++ {
		if err := l.Tick(ctx); err != nil {
			t.Fatal(err)
		}
		if v := mem.Register(RegisterThreshold, 0); v != 0 {
			t.Fatalf("tick %d: threshold = %d, want 0", i, v)
		}
	}
}

func TestHistoryRowsPerTick(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reg_history.csv")
	rec, err := history.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	mem := fabric.NewMemory()
	l := newTestLoop(t, []Switch{{Name: "s1", Registers: mem, UsedBins: 1}}, rec, Options{Now: time.Now})
	ctx := context.Background()
	_ = l.Initialize(ctx)
	mem.Increment(RegisterThreshold, 0, 300)

	const ticks = 7
	for i := 0; i < ticks; i++ {
		if err := l.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != ticks+1 {
		t.Fatalf("rows = %d, want %d", len(rows), ticks+1)
	}
	prev := 0.0
	for i, row := range rows[1:] {
		ts, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		if ts < prev {
			t.Errorf("row %d: timestamp %f before %f", i, ts, prev)
		}
		prev = ts
	}
	if rows[1][1] != "300" || rows[ticks][1] != "270" {
		t.Errorf("values = %v ... %v", rows[1], rows[ticks])
	}
}

func TestInitializeZeroesRegisters(t *testing.T) {
	mem := fabric.NewMemory()
	mem.Increment(RegisterThreshold, 0, 77)
	for i := 0; i < 10; i++ {
		mem.Increment(RegisterFuture, i, 5)
		mem.Increment(RegisterOld, i, 5)
	}
	l := newTestLoop(t, []Switch{{Name: "s1", Registers: mem, UsedBins: 2}}, &memRecorder{}, Options{})
	if err := l.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v := mem.Register(RegisterThreshold, 0); v != 0 {
		t.Errorf("threshold = %d", v)
	}
	for i := 0; i < 10; i++ {
		if mem.Register(RegisterFuture, i) != 0 || mem.Register(RegisterOld, i) != 0 {
			t.Errorf("bin %d not zeroed", i)
		}
	}
}

func TestSwitchesProcessedInNameOrder(t *testing.T) {
	rec := &memRecorder{}
	l := newTestLoop(t, []Switch{
		{Name: "s3", Registers: fabric.NewMemory()},
		{Name: "s1", Registers: fabric.NewMemory()},
		{Name: "s2", Registers: fabric.NewMemory()},
	}, rec, Options{})
	if err := l.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"s1", "s2", "s3"} {
		if rec.samples[i].Switch != want {
			t.Errorf("sample %d from %s, want %s", i, rec.samples[i].Switch, want)
		}
	}
}

func TestConcurrentTick(t *testing.T) {
	rec := &memRecorder{}
	a, b := fabric.NewMemory(), fabric.NewMemory()
	a.Increment(RegisterThreshold, 0, 200)
	b.Increment(RegisterThreshold, 0, 50)
	l := newTestLoop(t, []Switch{{Name: "s1", Registers: a, UsedBins: 1}, {Name: "s2", Registers: b, UsedBins: 1}}, rec, Options{Concurrent: true})

	if err := l.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.Register(RegisterThreshold, 0) != 195 || b.Register(RegisterThreshold, 0) != 49 {
		t.Errorf("thresholds = %d, %d", a.Register(RegisterThreshold, 0), b.Register(RegisterThreshold, 0))
	}
	if len(rec.samples) != 2 {
		t.Errorf("expected one sample per switch, got %d", len(rec.samples))
	}
}

func TestFabricFailureStopsLoop(t *testing.T) {
	mem := fabric.NewMemory()
	boom := errors.New("connection reset by peer")
	core, logs := observer.New(zap.InfoLevel)
	collector := metrics.NewCollector()
	l := newTestLoop(t, []Switch{{Name: "s1", Registers: mem, UsedBins: 1}}, &memRecorder{}, Options{
		Logger:  zap.New(core),
		Metrics: collector,
	})

	ticks := 0
	mem.FailWith(func(op, target string) error {
		if op == "read" && target == RegisterThreshold {
			ticks++
			if ticks == 3 {
				return boom
			}
		}
		return nil
	})

	err := l.Run(context.Background())
	if !cerrors.IsKind(err, cerrors.KindFabricCommunication) {
		t.Fatalf("expected FabricCommunicationError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("underlying error lost: %v", err)
	}
	ce, _ := cerrors.AsControlError(err)
	if ce.Target != "s1/minimum_ppv_reg[0]" {
		t.Errorf("target = %q", ce.Target)
	}
	if l.State() != StateStopped {
		t.Errorf("state = %s, want STOPPED", l.State())
	}
	if l.Ticks() != 2 {
		t.Errorf("ticks = %d, want 2", l.Ticks())
	}
	if logs.FilterMessage("Control loop failed").Len() != 1 {
		t.Error("expected failure log")
	}
}

func TestRotationFailureNamesCell(t *testing.T) {
	mem := fabric.NewMemory()
	mem.FailWith(func(op, target string) error {
		if op == "write" && target == RegisterOld {
			return errors.New("timeout")
		}
		return nil
	})
	l := newTestLoop(t, []Switch{{Name: "s1", Registers: mem, UsedBins: 1}}, &memRecorder{}, Options{})
	err := l.Tick(context.Background())
	ce, ok := cerrors.AsControlError(err)
	if !ok || ce.Kind != cerrors.KindFabricCommunication || ce.Target != "s1/old_bins[0]" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestHistoryFailureIsResourceError(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	l := newTestLoop(t, []Switch{{Name: "s1", Registers: fabric.NewMemory()}}, rec, Options{})
	if err := l.Tick(context.Background()); !cerrors.IsKind(err, cerrors.KindResource) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	mem := fabric.NewMemory()
	rec := &memRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	l := newTestLoop(t, []Switch{{Name: "s1", Registers: mem, UsedBins: 2}}, rec, Options{
		Flush: func() {
			if len(rec.values("s1")) >= 5 {
				once.Do(cancel)
			}
		},
	})

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	if l.State() != StateStopped {
		t.Errorf("state = %s", l.State())
	}
	// Cancellation is honored at the tick boundary: no partial tick.
	if n := len(rec.values("s1")); n != 5 {
		t.Errorf("samples = %d, want 5", n)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	mem := fabric.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := newTestLoop(t, []Switch{{Name: "s1", Registers: mem, UsedBins: 1}}, &memRecorder{}, Options{})
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if mem.RegisterLen(RegisterFuture) != 0 {
		t.Error("no fabric I/O expected after cancellation")
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	samples []history.Sample
}

func (p *recordingPublisher) Publish(s history.Sample) {
	p.mu.Lock()
	p.samples = append(p.samples, s)
	p.mu.Unlock()
}

func TestPublisherReceivesSamples(t *testing.T) {
	pub := &recordingPublisher{}
	l := newTestLoop(t, []Switch{{Name: "s1", Registers: fabric.NewMemory()}}, &memRecorder{}, Options{Publisher: pub})
	for i := 0; i < 2; i++ {
		if err := l.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if len(pub.samples) != 2 {
		t.Errorf("published %d samples, want 2", len(pub.samples))
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New(nil, nil, Options{Interval: time.Millisecond}); err == nil {
		t.Error("nil recorder should fail")
	}
	if _, err := New(nil, &memRecorder{}, Options{}); err == nil {
		t.Error("zero interval should fail")
	}
	dup := []Switch{{Name: "s1", Registers: fabric.NewMemory()}, {Name: "s1", Registers: fabric.NewMemory()}}
	if _, err := New(dup, &memRecorder{}, Options{Interval: time.Millisecond}); err == nil {
		t.Error("duplicate switch should fail")
	}
}

func TestStateString(t *testing.T) {
	if StateRunning.String() != "RUNNING" || StateInitializing.String() != "INITIALIZING" {
		t.Error("unexpected state names")
	}
}
