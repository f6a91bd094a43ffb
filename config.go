package parhash

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"

	"github.com/thepudds/parhash/internal/arena"
)

// Config holds the construction parameters of a Store. All of them are fixed
// for the lifetime of the Store.
type Config struct {
	// MaxKeys is both the slot capacity and the largest batch accepted.
	MaxKeys uint32 `json:"max_keys"`
	// KeySize must be a multiple of 4; the default hash folds 32-bit words.
	KeySize   uint32 `json:"key_size"`
	ValueSize uint32 `json:"value_size"`
	// KVPairSize is the slot stride. 0 means KeySize+ValueSize; a larger
	// value pads every slot.
	KVPairSize uint32 `json:"kv_pair_size,omitempty"`

	// KeysPerBucket and ExpectedOccupancyPerBucket size the bucket array:
	// a bucket is expected to hold KeysPerBucket*ExpectedOccupancyPerBucket
	// keys when the table is full.
	KeysPerBucket              uint32  `json:"keys_per_bucket"`
	ExpectedOccupancyPerBucket float32 `json:"expected_occupancy_per_bucket"`
	// NumBuckets overrides the derived bucket count when non-zero.
	NumBuckets uint32 `json:"num_buckets,omitempty"`

	// Device names the execution target, "KIND:ID". Only CPU is available.
	Device string `json:"device"`
	// Workers is the size of the worker pool running batches.
	Workers int `json:"workers,omitempty"`
	// Grain is the number of keys one pool task processes.
	Grain int `json:"grain,omitempty"`
}

const (
	DefaultKeysPerBucket              = 10
	DefaultExpectedOccupancyPerBucket = 0.5
	DefaultDevice                     = "CPU:0"
	DefaultGrain                      = 256

	// MaxArenaBytes bounds MaxKeys*KVPairSize.
	MaxArenaBytes = 1 << 36
)

// DefaultConfig returns a Config with every tuning parameter set. Sizes and
// MaxKeys are left for the caller.
func DefaultConfig() Config {
	return Config{
		KeysPerBucket:              DefaultKeysPerBucket,
		ExpectedOccupancyPerBucket: DefaultExpectedOccupancyPerBucket,
		Device:                     DefaultDevice,
		Workers:                    runtime.NumCPU(),
		Grain:                      DefaultGrain,
	}
}

// withDefaults fills zero tuning fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeysPerBucket == 0 {
		c.KeysPerBucket = d.KeysPerBucket
	}
	if c.ExpectedOccupancyPerBucket == 0 {
		c.ExpectedOccupancyPerBucket = d.ExpectedOccupancyPerBucket
	}
	if c.Device == "" {
		c.Device = d.Device
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.Grain == 0 {
		c.Grain = d.Grain
	}
	if c.KVPairSize == 0 && uint64(c.KeySize)+uint64(c.ValueSize) <= math.MaxUint32 {
		c.KVPairSize = c.KeySize + c.ValueSize
	}
	return c
}

// Validate reports every violated precondition, each wrapping
// ErrInvalidConfig (or ErrUnsupportedDevice for the device).
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.MaxKeys == 0 {
		bad("max_keys must be positive")
	} else if c.MaxKeys > arena.MaxSlots {
		bad("max_keys %d exceeds %d", c.MaxKeys, arena.MaxSlots)
	}
	if c.KeySize == 0 || c.KeySize%4 != 0 {
		bad("key_size %d must be a positive multiple of 4", c.KeySize)
	}
	pair := uint64(c.KeySize) + uint64(c.ValueSize)
	switch {
	case pair > math.MaxUint32:
		bad("key_size+value_size %d overflows a slot", pair)
	case c.KVPairSize != 0 && uint64(c.KVPairSize) < pair:
		bad("kv_pair_size %d smaller than key_size+value_size %d", c.KVPairSize, pair)
	}
	if c.arenaBytes() > MaxArenaBytes {
		bad("arena of %d bytes exceeds %d", c.arenaBytes(), uint64(MaxArenaBytes))
	}
	if c.NumBuckets == 0 {
		if c.KeysPerBucket == 0 {
			bad("keys_per_bucket must be positive")
		}
		if !(c.ExpectedOccupancyPerBucket > 0) {
			bad("expected_occupancy_per_bucket %v must be positive", c.ExpectedOccupancyPerBucket)
		}
	} else if c.NumBuckets > arena.MaxSlots {
		bad("num_buckets %d exceeds %d", c.NumBuckets, arena.MaxSlots)
	}
	if c.Workers < 0 {
		bad("workers %d is negative", c.Workers)
	}
	if c.Grain < 0 {
		bad("grain %d is negative", c.Grain)
	}
	if c.Device != "" {
		if _, err := ParseDevice(c.Device); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// arenaBytes is the size of the slot arena c describes.
func (c Config) arenaBytes() uint64 {
	stride := uint64(c.KVPairSize)
	if stride == 0 {
		stride = uint64(c.KeySize) + uint64(c.ValueSize)
	}
	return uint64(c.MaxKeys) * stride
}

// BucketCount returns the number of buckets a table built from c has.
// Unless overridden, it is ceil(MaxKeys / expected keys per bucket), where
// the expected count is truncated to an integer and at least 1.
func (c Config) BucketCount() uint32 {
	if c.NumBuckets != 0 {
		return c.NumBuckets
	}
	expected := uint32(c.ExpectedOccupancyPerBucket * float32(c.KeysPerBucket))
	if expected == 0 {
		expected = 1
	}
	return uint32((uint64(c.MaxKeys) + uint64(expected) - 1) / uint64(expected))
}

// Device identifies an execution target.
type Device struct {
	Kind string
	ID   int
}

func (d Device) String() string { return d.Kind + ":" + strconv.Itoa(d.ID) }

// ParseDevice parses "KIND" or "KIND:ID". Kinds other than CPU are
// recognized but rejected with ErrUnsupportedDevice.
func ParseDevice(s string) (Device, error) {
	kind, id, hasID := strings.Cut(strings.TrimSpace(s), ":")
	d := Device{Kind: strings.ToUpper(kind)}
	if hasID {
		n, err := strconv.Atoi(id)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("%w: bad device id in %q", ErrInvalidConfig, s)
		}
		d.ID = n
	}
	switch d.Kind {
	case "CPU":
		return d, nil
	case "":
		return Device{}, fmt.Errorf("%w: empty device", ErrInvalidConfig)
	default:
		return Device{}, fmt.Errorf("%w: %s", ErrUnsupportedDevice, d)
	}
}
