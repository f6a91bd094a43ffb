package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"github.com/sugawarayuuta/sonnet"
	"github.com/tailscale/hujson"

	"github.com/thepudds/parhash"
)

// loadConfig builds the store config: defaults, then the JSONC file at path
// (if any), then every flag the user set explicitly.
func loadConfig(path string, fs *flag.FlagSet) (parhash.Config, error) {
	cfg := parhash.DefaultConfig()
	cfg.MaxKeys = 1 << 20
	cfg.KeySize = 4
	cfg.ValueSize = 4

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return parhash.Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := parseConfig(data, &cfg); err != nil {
			return parhash.Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	u32 := func(name string, dst *uint32) {
		if fs.Changed(name) {
			*dst, _ = fs.GetUint32(name)
		}
	}
	u32("max-keys", &cfg.MaxKeys)
	u32("key-size", &cfg.KeySize)
	u32("value-size", &cfg.ValueSize)
	u32("kv-pair-size", &cfg.KVPairSize)
	u32("keys-per-bucket", &cfg.KeysPerBucket)
	u32("num-buckets", &cfg.NumBuckets)
	if fs.Changed("occupancy") {
		cfg.ExpectedOccupancyPerBucket, _ = fs.GetFloat32("occupancy")
	}
	if fs.Changed("device") {
		cfg.Device, _ = fs.GetString("device")
	}
	if fs.Changed("workers") {
		cfg.Workers, _ = fs.GetInt("workers")
	}
	if fs.Changed("grain") {
		cfg.Grain, _ = fs.GetInt("grain")
	}
	return cfg, cfg.Validate()
}

// parseConfig decodes JSONC (JSON with comments and trailing commas) over
// the values already in cfg.
func parseConfig(data []byte, cfg *parhash.Config) error {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("invalid JSONC: %w", err)
	}
	if err := sonnet.Unmarshal(standardized, cfg); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
