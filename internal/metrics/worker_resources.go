package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is a point-in-time view of the worker's resource usage.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SampleResources reads CPU and memory usage of pid through gopsutil.
func SampleResources(ctx context.Context, pid int) (ResourceSample, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ResourceSample{}, err
	}
	s := ResourceSample{PID: int32(pid), Timestamp: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		s.MemoryRSS = mem.RSS
		s.MemoryVMS = mem.VMS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	return s, nil
}

// WorkerCollector samples the current worker on every scrape. pid returns 0
// when no worker is running, in which case nothing is emitted.
type WorkerCollector struct {
	name string
	pid  func() int

	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	threads *prometheus.Desc
}

// NewWorkerCollector returns a collector for the worker called name.
func NewWorkerCollector(name string, pid func() int) *WorkerCollector {
	labels := prometheus.Labels{"name": name}
	return &WorkerCollector{
		name:    name,
		pid:     pid,
		cpu:     prometheus.NewDesc("devrun_worker_cpu_percent", "Worker CPU usage percent.", nil, labels),
		rss:     prometheus.NewDesc("devrun_worker_memory_rss_bytes", "Worker resident set size.", nil, labels),
		threads: prometheus.NewDesc("devrun_worker_threads", "Worker thread count.", nil, labels),
	}
}

func (c *WorkerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.threads
}

func (c *WorkerCollector) Collect(ch chan<- prometheus.Metric) {
	pid := c.pid()
	if pid <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := SampleResources(ctx, pid)
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, s.CPUPercent)
	ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(s.MemoryRSS))
	ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(s.NumThreads))
}
