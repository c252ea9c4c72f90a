// Package dashcfg parses the flags that configure a dash resolver process.
package dashcfg

import (
	"flag"
	"time"
)

// Config holds every tunable SPEC_FULL.md names: listen addresses, pool
// bounds, cache capacity, resize thresholds, and the resolver's referral
// depth cap.
type Config struct {
	ListenAddr  string
	MetricsAddr string
	LogLevel    string

	PoolInitial int
	PoolMin     int
	PoolMax     int
	MaxExecTime time.Duration

	CacheCapacity int
	ScavengeEvery time.Duration

	ResizeEvery time.Duration
	ResizeLower int
	ResizeUpper int

	MaxReferralDepth int
	ResolveTimeout   time.Duration
	ResolveRetries   int
}

// DefaultConfig returns the configuration a bare `dashresolver` invocation
// runs with.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:  "0.0.0.0:50051",
		MetricsAddr: "0.0.0.0:9153",
		LogLevel:    "info",

		PoolInitial: 10,
		PoolMin:     5,
		PoolMax:     15,
		MaxExecTime: 5 * time.Second,

		CacheCapacity: 4096,
		ScavengeEvery: 30 * time.Second,

		ResizeEvery: 60 * time.Second,
		ResizeLower: 5,
		ResizeUpper: 50,

		MaxReferralDepth: 16,
		ResolveTimeout:   5 * time.Second,
		ResolveRetries:   1,
	}
}

// ParseFlags registers every Config field against fs, parses args, and
// returns the resulting Config. Passing flag.CommandLine as fs and
// os.Args[1:] as args gives ordinary `dashresolver -flag value` behavior.
func ParseFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()

	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "UDP address to listen for client queries on")
	fs.StringVar(&cfg.MetricsAddr, "metrics-listen", cfg.MetricsAddr, "HTTP address to expose Prometheus metrics on")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "logrus level: trace, debug, info, warn, error")

	fs.IntVar(&cfg.PoolInitial, "pool-initial", cfg.PoolInitial, "initial worker pool size")
	fs.IntVar(&cfg.PoolMin, "pool-min", cfg.PoolMin, "minimum worker pool size")
	fs.IntVar(&cfg.PoolMax, "pool-max", cfg.PoolMax, "maximum worker pool size")
	fs.DurationVar(&cfg.MaxExecTime, "pool-max-exec-time", cfg.MaxExecTime, "per-job execution deadline")

	fs.IntVar(&cfg.CacheCapacity, "cache-capacity", cfg.CacheCapacity, "maximum cached responses")
	fs.DurationVar(&cfg.ScavengeEvery, "cache-scavenge-interval", cfg.ScavengeEvery, "interval between scavenger sweeps")

	fs.DurationVar(&cfg.ResizeEvery, "resize-interval", cfg.ResizeEvery, "interval between pool resize decisions")
	fs.IntVar(&cfg.ResizeLower, "resize-lower", cfg.ResizeLower, "jobs-serviced floor below which a worker is a shed candidate")
	fs.IntVar(&cfg.ResizeUpper, "resize-upper", cfg.ResizeUpper, "jobs-serviced ceiling above which the pool grows")

	fs.IntVar(&cfg.MaxReferralDepth, "max-referral-depth", cfg.MaxReferralDepth, "maximum referral hops per resolution")
	fs.DurationVar(&cfg.ResolveTimeout, "resolve-timeout", cfg.ResolveTimeout, "read timeout per upstream exchange")
	fs.IntVar(&cfg.ResolveRetries, "resolve-retries", cfg.ResolveRetries, "extra exchange attempts after a failed exchange or SERVFAIL before giving up on a server")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}
