package controller

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/fausecteam/ctf-gameserver/internal/database"
)

var (
	exploitingTeamsDesc = prometheus.NewDesc(
		"ctf_controller_exploiting_teams",
		"Number of teams that submitted at least one flag",
		[]string{"service"}, nil,
	)
	isExploitedDesc = prometheus.NewDesc(
		"ctf_controller_is_exploited",
		"Whether at least one team submitted at least one flag",
		[]string{"service"}, nil,
	)
	unplacedFlagsDesc = prometheus.NewDesc(
		"ctf_controller_unplaced_flags",
		"Flags whose placement was not started by a checker",
		[]string{"service", "ticks"}, nil,
	)
	incompleteFlagsDesc = prometheus.NewDesc(
		"ctf_controller_incomplete_flags",
		"Flags whose placement by a checker was started, but has not finished",
		[]string{"service", "ticks"}, nil,
	)
)

// DBCollector exposes per-service statistics straight from the
// database. The queries run on every scrape, so the scrape interval
// must not be set too aggressively.
type DBCollector struct {
	gateway *database.Gateway
}

// NewDBCollector creates a collector on top of the given gateway.
func NewDBCollector(gateway *database.Gateway) *DBCollector {
	return &DBCollector{gateway: gateway}
}

// Describe implements prometheus.Collector.
func (c *DBCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- exploitingTeamsDesc
	ch <- isExploitedDesc
	ch <- unplacedFlagsDesc
	ch <- incompleteFlagsDesc
}

// Collect implements prometheus.Collector. The queries are independent
// of each other and run concurrently. An unreachable database fails
// them all the same way, the shared context cuts the scrape short
// after the first error.
func (c *DBCollector) Collect(ch chan<- prometheus.Metric) {
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return c.collectExploitingTeams(ctx, ch)
	})
	g.Go(func() error {
		return c.collectFlagCounts(ctx, ch, unplacedFlagsDesc, c.gateway.GetUnplacedFlagsCounts)
	})
	g.Go(func() error {
		return c.collectFlagCounts(ctx, ch, incompleteFlagsDesc, c.gateway.GetIncompleteFlagsCounts)
	})
	// Failed queries have already been reported as invalid metrics.
	_ = g.Wait()
}

func (c *DBCollector) collectExploitingTeams(ctx context.Context, ch chan<- prometheus.Metric) error {
	exploiting, err := c.gateway.GetExploitingTeamsCounts(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(exploitingTeamsDesc, err)
		return err
	}
	for service, count := range exploiting {
		ch <- prometheus.MustNewConstMetric(exploitingTeamsDesc, prometheus.CounterValue,
			float64(count), service)
		var exploited float64
		if count > 0 {
			exploited = 1
		}
		ch <- prometheus.MustNewConstMetric(isExploitedDesc, prometheus.GaugeValue,
			exploited, service)
	}
	return nil
}

func (c *DBCollector) collectFlagCounts(ctx context.Context, ch chan<- prometheus.Metric,
	desc *prometheus.Desc, counts func(context.Context, bool) (map[string]int, error)) error {
	var firstErr error
	for _, ticks := range []struct {
		label   string
		current bool
	}{
		{"cur", true},
		{"old", false},
	} {
		perService, err := counts(ctx, ticks.current)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(desc, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for service, count := range perService {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue,
				float64(count), service, ticks.label)
		}
	}
	return firstErr
}
