// Package history records threshold samples: an append-only CSV log per
// switch plus optional live sinks.
package history

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	cerrors "github.com/wudi/ppvctl/internal/errors"
)

// Header is the first row of every history log.
var Header = []string{"timestamp", "new_reg"}

// Sample is the threshold value of one switch observed at one tick, before
// decay.
type Sample struct {
	Switch    string
	Timestamp time.Time
	Value     int64
}

// Epoch returns the timestamp as fractional Unix seconds.
func (s Sample) Epoch() float64 {
	return float64(s.Timestamp.Unix()) + float64(s.Timestamp.Nanosecond())/1e9
}

// Row returns the CSV record of the sample.
func (s Sample) Row() []string {
	return []string{
		strconv.FormatFloat(s.Epoch(), 'f', 6, 64),
		strconv.FormatInt(s.Value, 10),
	}
}

// Recorder appends samples to one CSV file. Existing rows are never
// rewritten.
type Recorder struct {
	path string

	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// Open opens path for appending, creating it with a header row when it does
// not exist or is empty.
func Open(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, cerrors.Resource(err, "open history log", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, cerrors.Resource(err, "stat history log", path)
	}

	r := &Recorder{path: path, f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := r.write(Header); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return r, nil
}

// Path returns the file the recorder appends to.
func (r *Recorder) Path() string {
	return r.path
}

// Append writes one row and flushes it so readers tailing the file see it.
func (r *Recorder) Append(s Sample) error {
	return r.write(s.Row())
}

func (r *Recorder) write(row []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return cerrors.Resource(fmt.Errorf("recorder closed"), "append history", r.path)
	}
	if err := r.w.Write(row); err != nil {
		return cerrors.Resource(err, "append history", r.path)
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return cerrors.Resource(err, "append history", r.path)
	}
	return nil
}

// Close flushes and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	r.w.Flush()
	err := r.f.Close()
	r.f = nil
	return err
}

// Set routes samples to the recorder of their switch. Switches whose paths
// coincide share one recorder.
type Set struct {
	bySwitch map[string]*Recorder
	files    []*Recorder
}

// OpenSet opens one recorder per distinct path. pathOf maps a switch to its
// log path.
func OpenSet(switches []string, pathOf func(string) string) (*Set, error) {
	s := &Set{bySwitch: make(map[string]*Recorder)}
	byPath := make(map[string]*Recorder)
	for _, sw := range switches {
		path := pathOf(sw)
		r, ok := byPath[path]
		if !ok {
			var err error
			if r, err = Open(path); err != nil {
				_ = s.Close()
				return nil, err
			}
			byPath[path] = r
			s.files = append(s.files, r)
		}
		s.bySwitch[sw] = r
	}
	return s, nil
}

// Append records a sample in its switch's log.
func (s *Set) Append(sample Sample) error {
	r, ok := s.bySwitch[sample.Switch]
	if !ok {
		return cerrors.New(cerrors.KindResource, "append history", sample.Switch).
			WithDetails("no history log for switch")
	}
	return r.Append(sample)
}

// Paths returns the distinct files of the set.
func (s *Set) Paths() []string {
	out := make([]string, 0, len(s.files))
	for _, r := range s.files {
		out = append(out, r.Path())
	}
	return out
}

// Close closes every recorder.
func (s *Set) Close() error {
	var first error
	for _, r := range s.files {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
