// Package control runs the adaptive threshold loop: every tick it rotates the
// generational bins of each metered switch and decays its threshold register.
package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/ppvctl/internal/config"
	cerrors "github.com/wudi/ppvctl/internal/errors"
	"github.com/wudi/ppvctl/internal/fabric"
	"github.com/wudi/ppvctl/internal/history"
	"github.com/wudi/ppvctl/internal/metrics"
)

// State is the lifecycle state of a Loop.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Switch is one metered switch handed to the loop.
type Switch struct {
	Name      string
	Registers fabric.Registers
	// UsedBins is the number of bin groups; 0 disables rotation.
	UsedBins int
}

// Recorder stores samples. A failing recorder stops the loop.
type Recorder interface {
	Append(history.Sample) error
}

// Publisher receives samples best effort.
type Publisher interface {
	Publish(history.Sample)
}

// Options tunes a Loop.
type Options struct {
	Interval   time.Duration
	Concurrent bool

	Logger    *zap.Logger
	Metrics   *metrics.Collector
	Publisher Publisher
	// Now is the sample clock. Defaults to time.Now.
	Now func() time.Time
	// Flush is called after every tick so progress output is visible.
	Flush func()
}

// switchState is everything the loop owns for one switch. Only the loop's
// goroutine touches it; the dataplane only increments future bins.
type switchState struct {
	name string
	regs fabric.Registers
	bins BinSet
}

// Loop is the adaptive threshold control loop.
type Loop struct {
	switches []*switchState
	recorder Recorder
	opts     Options
	logger   *zap.Logger

	state atomic.Int32
	ticks atomic.Uint64
}

// New creates a loop over the given switches, processed in name order.
func New(switches []Switch, recorder Recorder, opts Options) (*Loop, error) {
	if recorder == nil {
		return nil, errors.New("control: recorder is required")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("control: interval must be positive, got %s", opts.Interval)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Flush == nil {
		opts.Flush = func() {}
	}

	l := &Loop{recorder: recorder, opts: opts, logger: opts.Logger}
	seen := make(map[string]bool)
	for _, sw := range switches {
		if sw.Registers == nil {
			return nil, fmt.Errorf("control: switch %s has no register backend", sw.Name)
		}
		if seen[sw.Name] {
			return nil, fmt.Errorf("control: switch %s listed twice", sw.Name)
		}
		seen[sw.Name] = true
		l.switches = append(l.switches, &switchState{
			name: sw.Name,
			regs: sw.Registers,
			bins: NewBinSet(sw.UsedBins, config.BinsPerGroup),
		})
	}
	sort.Slice(l.switches, func(i, j int) bool { return l.switches[i].name < l.switches[j].name })
	return l, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Ticks returns the number of completed ticks.
func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}

// Initialize zeroes the threshold and both bin arrays of every switch.
func (l *Loop) Initialize(ctx context.Context) error {
	for _, s := range l.switches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.regs.WriteRegister(ctx, RegisterThreshold, 0, 0); err != nil {
			l.opts.Metrics.RecordFabricError(s.name, "write")
			return registerError(err, "write", s.name, RegisterThreshold, 0)
		}
		if err := s.bins.Reset(ctx, s.name, s.regs); err != nil {
			l.opts.Metrics.RecordFabricError(s.name, "write")
			return err
		}
		l.logger.Info("Registers initialized",
			zap.String("switch", s.name),
			zap.Int("bins", s.bins.Len),
		)
	}
	return nil
}

// Run initializes the registers and ticks until ctx is cancelled. Cancellation
// is observed between ticks, never inside one, and returns nil. A fabric or
// history failure stops the loop and is returned.
func (l *Loop) Run(ctx context.Context) error {
	defer l.state.Store(int32(StateStopped))

	l.state.Store(int32(StateInitializing))
	if err := l.Initialize(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	l.state.Store(int32(StateRunning))
	l.logger.Info("Control loop running",
		zap.Int("switches", len(l.switches)),
		zap.Duration("interval", l.opts.Interval),
		zap.Bool("concurrent", l.opts.Concurrent),
	)

	timer := time.NewTimer(l.opts.Interval)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			l.logger.Info("Control loop stopped", zap.Uint64("ticks", l.Ticks()))
			return nil
		}
		if err := l.Tick(context.WithoutCancel(ctx)); err != nil {
			l.logger.Error("Control loop failed", zap.Uint64("ticks", l.Ticks()), zap.Error(err))
			return err
		}

		timer.Reset(l.opts.Interval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

// Tick processes every switch once: bin rotation, then threshold decay and
// the history sample.
func (l *Loop) Tick(ctx context.Context) error {
	if l.opts.Concurrent && len(l.switches) > 1 {
		var g errgroup.Group
		for _, s := range l.switches {
			s := s
			g.Go(func() error { return l.tickSwitch(ctx, s) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for _, s := range l.switches {
			if err := l.tickSwitch(ctx, s); err != nil {
				return err
			}
		}
	}

	l.ticks.Add(1)
	l.opts.Flush()
	return nil
}

func (l *Loop) tickSwitch(ctx context.Context, s *switchState) error {
	start := time.Now()

	drained, err := s.bins.Rotate(ctx, s.name, s.regs)
	if err != nil {
		l.opts.Metrics.RecordFabricError(s.name, "rotate")
		return err
	}

	v, err := s.regs.ReadRegister(ctx, RegisterThreshold, 0)
	if err != nil {
		l.opts.Metrics.RecordFabricError(s.name, "read")
		return registerError(err, "read", s.name, RegisterThreshold, 0)
	}
	next := Decay(v)
	if err := s.regs.WriteRegister(ctx, RegisterThreshold, 0, next); err != nil {
		l.opts.Metrics.RecordFabricError(s.name, "write")
		return registerError(err, "write", s.name, RegisterThreshold, 0)
	}

	sample := history.Sample{Switch: s.name, Timestamp: l.opts.Now(), Value: v}
	if err := l.recorder.Append(sample); err != nil {
		if _, ok := cerrors.AsControlError(err); ok {
			return err
		}
		return cerrors.Resource(err, "append history", s.name)
	}
	if l.opts.Publisher != nil {
		l.opts.Publisher.Publish(sample)
	}

	l.opts.Metrics.RecordTick(s.name, v, drained, time.Since(start))
	if ce := l.logger.Check(zap.DebugLevel, "Tick"); ce != nil {
		ce.Write(
			zap.String("switch", s.name),
			zap.Int64("threshold", v),
			zap.Int64("next", next),
			zap.Int64("drained", drained),
		)
	}
	return nil
}
