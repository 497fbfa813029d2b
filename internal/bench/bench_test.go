package bench_test

import (
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Inspector/internal/bench"
	"github.com/stretchr/testify/require"
)

func TestBenchmarker(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		b := bench.New(true)

		for range 3 {
			tm := b.Timer("walk")
			time.Sleep(time.Second)
			tm.Stop()
			tm.Stop() // second stop is ignored
		}
		func() {
			defer b.RuleTimer("AWS-KEY").Stop()
			time.Sleep(2 * time.Second)
		}()

		walk, ok := b.Get("walk")
		require.True(t, ok)
		require.Equal(t, bench.Benchmark{Calls: 3, Elapsed: 3 * time.Second}, walk)

		report, ok := b.Report("\n")
		require.True(t, ok)
		require.Equal(t,
			"rule:AWS-KEY: calls=1 total=2s avg=2s\nwalk: calls=3 total=3s avg=1s",
			report)
	})
}

func TestDisabled(t *testing.T) {
	t.Parallel()
	var nilb *bench.Benchmarker
	for _, b := range []*bench.Benchmarker{bench.New(false), nilb} {
		b.Timer("walk").Stop()
		b.RuleTimer("r").Stop()
		_, ok := b.Get("walk")
		require.False(t, ok)
		report, ok := b.Report("\n")
		require.False(t, ok)
		require.Empty(t, report)
	}
}

func TestConcurrent(t *testing.T) {
	t.Parallel()
	b := bench.New(true)
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			b.Timer("task").Stop()
		})
	}
	wg.Wait()
	m, ok := b.Get("task")
	require.True(t, ok)
	require.Equal(t, 50, m.Calls)

	b.Enable(false)
	_, ok = b.Report(";")
	require.False(t, ok)
	b.Enable(true)
	report, ok := b.Report(";")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(report, "task: calls=50"))
}
