// Command dashresolver runs a recursive DNS resolver: a UDP front-end, a
// dynamically-sized worker pool, a TTL+LRU answer cache, and an iterative
// resolver that walks the public hierarchy from the root down.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/vbala29/dash/cache"
	"github.com/vbala29/dash/dashcfg"
	"github.com/vbala29/dash/metrics"
	"github.com/vbala29/dash/pool"
	"github.com/vbala29/dash/resolver"
	"github.com/vbala29/dash/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := dashcfg.ParseFlags(flag.NewFlagSet("dashresolver", flag.ExitOnError), args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dashresolver: %v\n", err)
		return 1
	}

	log := newLogger(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	collectors, err := metrics.New(reg)
	if err != nil {
		log.WithError(err).Error("failed to register metrics collectors")
		return 1
	}

	c := cache.New(cfg.CacheCapacity,
		cache.WithHitHook(collectors.CacheHits.Inc),
		cache.WithMissHook(collectors.CacheMisses.Inc),
		cache.WithEvictHook(collectors.CacheEvictions.Inc),
		cache.WithScavengeHook(collectors.CacheScavenged.Inc),
	)
	stopScavenger := c.RunScavenger(cfg.ScavengeEvery)
	defer stopScavenger()

	p, err := pool.New(cfg.PoolInitial, cfg.PoolMin, cfg.PoolMax, cfg.MaxExecTime)
	if err != nil {
		log.WithError(err).Error("failed to construct worker pool")
		return 1
	}

	var lastOverflowed uint64
	observePoolStats := func() {
		for id, stats := range p.StatsSnapshot() {
			collectors.JobsServiced.WithLabelValues(strconv.Itoa(id)).Set(float64(stats.JobsServiced))
		}
		if overflowed := p.Overflowed(); overflowed > lastOverflowed {
			collectors.PoolOverflows.Add(float64(overflowed - lastOverflowed))
			lastOverflowed = overflowed
		}
		collectors.PoolSize.Set(float64(p.Size()))
	}

	stopResizer := p.RunResizer(cfg.ResizeEvery, cfg.ResizeLower, cfg.ResizeUpper, func(delta int, err error) {
		if err != nil {
			log.WithError(err).Warn("pool resize failed")
			return
		}
		if delta != 0 {
			log.WithField("delta", delta).WithField("size", p.Size()).Info("resized worker pool")
		}
		observePoolStats()
	})
	defer stopResizer()

	r := resolver.New(cfg.MaxReferralDepth)
	r.ReadTimeout = cfg.ResolveTimeout
	r.Retries = cfg.ResolveRetries

	logEntry := logrus.NewEntry(log)
	srv := &server.Server{
		Addr:       cfg.ListenAddr,
		Pool:       p,
		Cache:      c,
		Resolve:    r.Resolve,
		JobTimeout: cfg.ResolveTimeout,
		Log:        logEntry,
		OnResult: func(cacheHit bool, failure *resolver.Failure, d time.Duration) {
			collectors.ResolveLatency.Observe(d.Seconds())
			if failure != nil {
				collectors.ResolveFailures.WithLabelValues(failure.Rcode.String()).Inc()
			}
		},
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg)}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	log.WithField("addr", cfg.ListenAddr).Info("dash resolver started")

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
		cancel()
	case err := <-done:
		if err != nil {
			log.WithError(err).Error("server exited")
			return 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown did not complete cleanly")
	}
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("pool shutdown did not complete cleanly")
	}
	_ = metricsServer.Shutdown(shutdownCtx)

	return 0
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log
}
