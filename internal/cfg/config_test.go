package cfg_test

import (
	"testing"
	"time"

	"github.com/objmapper/objmapperd/internal/cfg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindFlagsRegistersDefaults(t *testing.T) {
	viper.Reset()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, cfg.BindFlags(fs))

	assert.Equal(t, "/run/objmapperd/objmapperd.sock", viper.GetString("listen.socket-path"))
	assert.Equal(t, 4096, viper.GetInt("uri.max-bytes"))
}

func TestDefaultsApplyWhenUnset(t *testing.T) {
	v := viper.New()
	got, err := cfg.Load(v)
	require.NoError(t, err)
	assert.Equal(t, cfg.Default(), got)
}

func TestLoadOverridesFromMap(t *testing.T) {
	v := viper.New()
	v.Set("listen.socket-path", "/tmp/custom.sock")
	v.Set("promoter.tick-interval", "2s")
	v.Set("log.level", "debug")
	v.Set("tiers", []map[string]any{
		{
			"id":             "fast",
			"name":           "ram",
			"mount-root":     "/mnt/ram",
			"capacity-bytes": int64(1 << 30),
			"policy":         "volatile",
			"weight":         0,
			"roles":          []string{"default-target"},
		},
	})

	got, err := cfg.Load(v)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom.sock", got.Listen.SocketPath)
	assert.Equal(t, 2*time.Second, got.Promoter.TickInterval)
	assert.Equal(t, cfg.LogDebug, got.Log.Level)
	require.Len(t, got.Tiers, 1)
	assert.Equal(t, cfg.PolicyVolatile, got.Tiers[0].Policy)
	assert.Equal(t, cfg.RoleDefaultTarget, got.Tiers[0].Roles[0])
}

func TestByteSizeAcceptsSuffixes(t *testing.T) {
	v := viper.New()
	v.Set("tiers", []map[string]any{
		{"id": "fast", "mount-root": "/mnt/x", "capacity-bytes": "500MiB", "policy": "persistent"},
	})

	got, err := cfg.Load(v)
	require.NoError(t, err)
	require.Len(t, got.Tiers, 1)
	assert.Equal(t, cfg.ByteSize(500<<20), got.Tiers[0].CapacityBytes)
}

func TestByteSizeUnmarshalText(t *testing.T) {
	cases := map[string]cfg.ByteSize{
		"1048576": 1 << 20,
		"4KiB":    4 << 10,
		"2gb":     2_000_000_000,
		"1 GiB":   1 << 30,
		"0":       0,
	}
	for in, want := range cases {
		var b cfg.ByteSize
		require.NoError(t, b.UnmarshalText([]byte(in)), in)
		assert.Equal(t, want, b, in)
	}

	for _, bad := range []string{"", "many", "-5MiB", "MiB"} {
		var b cfg.ByteSize
		assert.Error(t, b.UnmarshalText([]byte(bad)), bad)
	}
}

func TestLoadRejectsInvalidByteSize(t *testing.T) {
	v := viper.New()
	v.Set("tiers", []map[string]any{{"id": "x", "capacity-bytes": "many"}})
	_, err := cfg.Load(v)
	require.Error(t, err)
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	v := viper.New()
	v.Set("tiers", []map[string]any{{"id": "x", "policy": "frozen"}})
	_, err := cfg.Load(v)
	require.Error(t, err)
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	v := viper.New()
	v.Set("log.level", "verbose")
	_, err := cfg.Load(v)
	require.Error(t, err)
}

func TestDumpYAMLIncludesOverriddenFields(t *testing.T) {
	v := viper.New()
	v.Set("listen.socket-path", "/tmp/custom.sock")
	got, err := cfg.Load(v)
	require.NoError(t, err)

	out, err := got.DumpYAML()
	require.NoError(t, err)
	assert.Contains(t, out, "/tmp/custom.sock")
	assert.Contains(t, out, "socket-path")
}
