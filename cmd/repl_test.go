package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thepudds/parhash"
)

func newTestRepl(t *testing.T, cfg parhash.Config) (*repl, *bytes.Buffer) {
	t.Helper()
	s, err := parhash.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	var out bytes.Buffer
	return &repl{store: s, out: &out}, &out
}

func TestRepl_Commands(t *testing.T) {
	r, out := newTestRepl(t, parhash.Config{MaxKeys: 16, KeySize: 4, ValueSize: 4, NumBuckets: 4})

	steps := []struct {
		line string
		want string
	}{
		{"put 7 70", "ok (slot"},
		{"put 7 71", "duplicate, existing value 70"},
		{"get 7", "7: 70"},
		{"get -3", "-3: not found"},
		{"bulk 10 100", "inserted 10 of 10"},
		{"find 100 109 110", "109: 218"},
		{"del 100 100", "100: removed"},
		{"load", "load factor 0.6250 (10/16)"},
		{"buckets", "4 buckets, 10 entries"},
		{"info", "max keys:       16"},
		{"bulk 10", "inserted 6 of 10"},
	}
	for _, st := range steps {
		out.Reset()
		quit, err := r.exec(st.line)
		require.NoError(t, err, st.line)
		assert.False(t, quit)
		assert.Contains(t, out.String(), st.want, st.line)
	}

	quit, err := r.exec("QUIT")
	require.NoError(t, err)
	assert.True(t, quit)

	_, err = r.exec("frobnicate")
	assert.Error(t, err)
	_, err = r.exec("put 1")
	assert.Error(t, err)
	_, err = r.exec("bench 17")
	assert.Error(t, err)
}

func TestRepl_SaveAndBench(t *testing.T) {
	r, out := newTestRepl(t, parhash.Config{MaxKeys: 64, KeySize: 8, ValueSize: 8})
	_, err := r.exec("bench 32")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out.String(), "32 ok"))

	path := filepath.Join(t.TempDir(), "snap.phs")
	_, err = r.exec("bulk 5")
	require.NoError(t, err)
	_, err = r.exec("save " + path)
	require.NoError(t, err)

	loaded, err := parhash.LoadSnapshot(path)
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, 5, loaded.Len())
}

func TestEncodeInts(t *testing.T) {
	tests := []struct {
		v    int64
		size int
	}{
		{0, 4}, {1, 4}, {-1, 4}, {-2147483648, 4}, {1 << 40, 8}, {-5, 8}, {300, 12},
	}
	for _, tt := range tests {
		b := encodeInts([]int64{tt.v}, tt.size)
		require.Len(t, b, tt.size)
		assert.Equal(t, tt.v, decodeInt(b), "size %d", tt.size)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parhash.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// capacity planning for a 2^16 block volume
		"max_keys": 65536,
		"key_size": 12,
		"value_size": 4,
		"keys_per_bucket": 8,
		"workers": 2, // trailing comma next
	}`), 0o644))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Uint32("max-keys", 0, "")
	fs.Uint32("key-size", 0, "")
	fs.Uint32("value-size", 0, "")
	fs.Uint32("kv-pair-size", 0, "")
	fs.Uint32("keys-per-bucket", 0, "")
	fs.Uint32("num-buckets", 0, "")
	fs.Float32("occupancy", 0, "")
	fs.String("device", "", "")
	fs.Int("workers", 0, "")
	fs.Int("grain", 0, "")
	require.NoError(t, fs.Parse([]string{"--value-size", "16", "--grain=64"}))

	cfg, err := loadConfig(path, fs)
	require.NoError(t, err)
	assert.Equal(t, uint32(65536), cfg.MaxKeys)
	assert.Equal(t, uint32(12), cfg.KeySize)
	assert.Equal(t, uint32(16), cfg.ValueSize, "flags override the file")
	assert.Equal(t, uint32(8), cfg.KeysPerBucket)
	assert.Equal(t, float32(parhash.DefaultExpectedOccupancyPerBucket), cfg.ExpectedOccupancyPerBucket)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 64, cfg.Grain)

	require.NoError(t, os.WriteFile(path, []byte(`{"key_size": 6}`), 0o644))
	_, err = loadConfig(path, fs)
	assert.ErrorIs(t, err, parhash.ErrInvalidConfig)

	require.NoError(t, os.WriteFile(path, []byte(`{"key_size": `), 0o644))
	_, err = loadConfig(path, fs)
	assert.Error(t, err)
}
