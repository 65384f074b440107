package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DepthFunc reports the number of jobs per queue state
type DepthFunc func(ctx context.Context) (map[string]int64, error)

type queueDepth struct {
	desc  *prometheus.Desc
	depth DepthFunc
}

// NewQueueDepthCollector exports depth as a gauge labelled by state, read
// at scrape time. A failed read exports nothing for that scrape.
func NewQueueDepthCollector(namespace string, depth DepthFunc) prometheus.Collector {
	return &queueDepth{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "jobs"),
			"Jobs in the queue by state.",
			[]string{"state"}, nil,
		),
		depth: depth,
	}
}

func (c *queueDepth) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *queueDepth) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	counts, err := c.depth(ctx)
	if err != nil {
		return
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), state)
	}
}
