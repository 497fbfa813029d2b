// Package bench accumulates call counts and elapsed time of named timers.
// It is meant for diagnostics of scan performance, results never depend on it.
package bench

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

const rulePrefix = "rule:"

// Benchmark is an accumulated state of one timer.
type Benchmark struct {
	Calls   int
	Elapsed time.Duration
}

// Stopper is returned by timers, Stop must be called once the measured
// block ends, typically via defer.
type Stopper interface {
	Stop()
}

// Benchmarker is safe for a concurrent use. The zero value is disabled.
type Benchmarker struct {
	mx      sync.Mutex
	enabled bool
	marks   map[string]*Benchmark
}

func New(enabled bool) *Benchmarker {
	return &Benchmarker{enabled: enabled}
}

func (b *Benchmarker) Enable(enabled bool) {
	if b == nil {
		return
	}
	b.mx.Lock()
	b.enabled = enabled
	b.mx.Unlock()
}

func (b *Benchmarker) Enabled() bool {
	if b == nil {
		return false
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.enabled
}

// Timer starts measuring a named block. On a disabled or nil Benchmarker
// a no-op Stopper is returned.
func (b *Benchmarker) Timer(name string) Stopper {
	if !b.Enabled() {
		return nop{}
	}
	return &timer{b: b, name: name, start: time.Now()}
}

// RuleTimer is Timer for a rule identifier.
func (b *Benchmarker) RuleTimer(ruleID string) Stopper {
	return b.Timer(rulePrefix + ruleID)
}

// Get returns the accumulated benchmark of a timer.
func (b *Benchmarker) Get(name string) (Benchmark, bool) {
	if b == nil {
		return Benchmark{}, false
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	m, ok := b.marks[name]
	if !ok {
		return Benchmark{}, false
	}
	return *m, true
}

// Report formats all timers sorted by name, lines are joined by sep.
// It returns false when benchmarking is disabled.
func (b *Benchmarker) Report(sep string) (string, bool) {
	if !b.Enabled() {
		return "", false
	}
	b.mx.Lock()
	defer b.mx.Unlock()

	names := make([]string, 0, len(b.marks))
	for name := range b.marks {
		names = append(names, name)
	}
	slices.Sort(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		m := b.marks[name]
		var avg time.Duration
		if m.Calls > 0 {
			avg = m.Elapsed / time.Duration(m.Calls)
		}
		lines = append(lines, fmt.Sprintf("%s: calls=%d total=%s avg=%s", name, m.Calls, m.Elapsed, avg))
	}
	return strings.Join(lines, sep), true
}

func (b *Benchmarker) add(name string, d time.Duration) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.marks == nil {
		b.marks = make(map[string]*Benchmark)
	}
	m, ok := b.marks[name]
	if !ok {
		m = &Benchmark{}
		b.marks[name] = m
	}
	m.Calls++
	m.Elapsed += d
}

type timer struct {
	b     *Benchmarker
	name  string
	start time.Time
	once  sync.Once
}

func (t *timer) Stop() {
	t.once.Do(func() {
		t.b.add(t.name, time.Since(t.start))
	})
}

type nop struct{}

func (nop) Stop() {}
