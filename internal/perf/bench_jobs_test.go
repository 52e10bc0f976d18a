package perf

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/gatekeeper/internal/jobs"
)

const mailJob = "mail:send"

var errRelay = errors.New("relay timeout")

// findMetric returns the sample in family name whose labels equal want.
func findMetric(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			got := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			if len(want) == len(got) && mapsEqual(got, want) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not exported", name, want)
	return nil
}

func mapsEqual(a, b map[string]string) bool {
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func TestJobMetricsUnderConcurrentWorkers(t *testing.T) {
	const workers, runs = 8, 50

	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < runs; i++ {
				var err error
				if (w*runs+i)%25 == 0 {
					err = errRelay
				}
				if got := metrics.Track(mailJob).End(err); !errors.Is(got, err) {
					t.Errorf("End changed error: %v", got)
				}
			}
			metrics.AddPurged(int64(w))
		}(w)
	}
	wg.Wait()

	total := workers * runs
	failed := total / 25
	ok := findMetric(t, reg, "gatekeeper_jobs_total", map[string]string{"job": mailJob, "status": "success"})
	bad := findMetric(t, reg, "gatekeeper_jobs_total", map[string]string{"job": mailJob, "status": "failure"})
	require.Equal(t, float64(total-failed), ok.GetCounter().GetValue())
	require.Equal(t, float64(failed), bad.GetCounter().GetValue())

	fails := findMetric(t, reg, "gatekeeper_jobs_failures_total", map[string]string{"job": mailJob})
	require.Equal(t, float64(failed), fails.GetCounter().GetValue())

	hist := findMetric(t, reg, "gatekeeper_job_duration_seconds", map[string]string{"job": mailJob}).GetHistogram()
	require.EqualValues(t, total, hist.GetSampleCount())
	require.Less(t, hist.GetSampleSum()/float64(hist.GetSampleCount()), 0.05)

	// 0+1+...+7
	purged := findMetric(t, reg, "gatekeeper_reset_tokens_purged_total", map[string]string{})
	require.Equal(t, 28.0, purged.GetCounter().GetValue())
}

func BenchmarkTrackEnd(b *testing.B) {
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = metrics.Track(mailJob).End(nil)
		}
	})
}
