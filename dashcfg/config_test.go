package dashcfg

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "0.0.0.0:50051", cfg.ListenAddr)
	assert.Equal(t, 16, cfg.MaxReferralDepth)
	assert.Equal(t, 1, cfg.ResolveRetries)
	assert.True(t, cfg.PoolMin <= cfg.PoolInitial && cfg.PoolInitial <= cfg.PoolMax)
}

func TestParseFlagsOverridesDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseFlags(fs, []string{
		"-listen", "127.0.0.1:9999",
		"-pool-min", "2",
		"-pool-max", "8",
		"-max-referral-depth", "4",
		"-resolve-timeout", "2s",
		"-resolve-retries", "3",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, 2, cfg.PoolMin)
	assert.Equal(t, 8, cfg.PoolMax)
	assert.Equal(t, 4, cfg.MaxReferralDepth)
	assert.Equal(t, 2*time.Second, cfg.ResolveTimeout)
	assert.Equal(t, 3, cfg.ResolveRetries)
}

func TestParseFlagsRejectsUnknownFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := ParseFlags(fs, []string{"-not-a-flag", "x"})
	require.Error(t, err)
}
