package parhash

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Store is the batched front end of a Table. Each Insert, Search or Remove
// call processes a whole batch of keys in parallel, one logical worker per
// key, and returns once every key has been processed. Calls on one Store are
// serialized: batch N completes before batch N+1 starts.
//
// Keys and values are passed as flat byte slices holding count entries of
// KeySize and ValueSize bytes. Per-key outcomes are reported through masks
// (1 success, 0 failure); only malformed batches fail the whole call.
type Store struct {
	mu     sync.Mutex
	closed bool

	cfg    Config
	id     uuid.UUID
	table  *Table
	disp   *dispatcher
	logger *zap.Logger

	// output buffers, MaxKeys entries each
	iterBuf []Iterator
	maskBuf []uint8
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger *zap.Logger
	hasher Hasher
	pool   *ants.Pool
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHasher replaces DefaultHasher.
func WithHasher(h Hasher) Option {
	return func(o *options) { o.hasher = h }
}

// WithPool runs batches on p instead of a pool owned by the Store. Close
// does not release a pool passed in this way.
func WithPool(p *ants.Pool) Option {
	return func(o *options) { o.pool = p }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// New builds a Store. All memory, the slot arena, bucket heads and output
// buffers, is allocated here and never grows.
func New(cfg Config, opts ...Option) (*Store, error) {
	o := buildOptions(opts)
	cfg = cfg.withDefaults()
	table, err := NewTable(cfg, o.hasher)
	if err != nil {
		return nil, err
	}
	return newStore(cfg, uuid.New(), table, o)
}

func newStore(cfg Config, id uuid.UUID, table *Table, o options) (*Store, error) {
	logger := o.logger.Named("parhash").With(zap.String("store_id", id.String()))
	disp, err := newDispatcher(o.pool, cfg.Workers, cfg.Grain, logger)
	if err != nil {
		return nil, fmt.Errorf("parhash: creating worker pool: %w", err)
	}
	s := &Store{
		cfg:     cfg,
		id:      id,
		table:   table,
		disp:    disp,
		logger:  logger,
		iterBuf: make([]Iterator, cfg.MaxKeys),
		maskBuf: make([]uint8, cfg.MaxKeys),
	}
	logger.Info("store created",
		zap.Uint32("max_keys", cfg.MaxKeys),
		zap.Uint32("key_size", cfg.KeySize),
		zap.Uint32("value_size", cfg.ValueSize),
		zap.Uint32("kv_pair_size", cfg.KVPairSize),
		zap.Int("num_buckets", table.NumBuckets()),
		zap.String("device", cfg.Device),
		zap.Int("workers", cfg.Workers),
	)
	return s, nil
}

// Insert adds count key/value pairs. masks[i] is 1 if keys[i] was added. A
// key that is already present, in the table or earlier in the same batch,
// gets mask 0 and the iterator of the existing entry; a key that found no
// free slot gets mask 0 and NilIterator.
//
// Inserting the same key twice in one batch has no defined winner, but
// exactly one of them succeeds. Every copy holds a slot until the winner is
// known, so when the table is nearly full the losing copies can leave other
// new keys in the same batch without a slot.
func (s *Store) Insert(keys, values []byte, count int) ([]Iterator, []uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkBatch(opInsert, count, keys, values); err != nil {
		return nil, nil, err
	}
	start := time.Now()
	ks, vs := int(s.cfg.KeySize), int(s.cfg.ValueSize)
	its, masks := s.iterBuf[:count], s.maskBuf[:count]
	clear(masks)

	var ok, dup, exhausted atomic.Int64
	s.disp.run(count, func(i int) {
		it, err := s.table.Insert(keys[i*ks:(i+1)*ks], values[i*vs:(i+1)*vs])
		its[i] = it
		switch {
		case err == nil:
			masks[i] = 1
			ok.Add(1)
		case errors.Is(err, ErrDuplicateKey):
			dup.Add(1)
		default:
			exhausted.Add(1)
		}
	})

	s.observe(opInsert, count, start, map[string]int64{
		resultOK:        ok.Load(),
		resultDuplicate: dup.Load(),
		resultExhausted: exhausted.Load(),
	})
	return clone(its), clone(masks), nil
}

// Search looks up count keys. Keys that are not present get mask 0 and
// NilIterator.
func (s *Store) Search(keys []byte, count int) ([]Iterator, []uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkBatch(opSearch, count, keys, nil); err != nil {
		return nil, nil, err
	}
	start := time.Now()
	ks := int(s.cfg.KeySize)
	its, masks := s.iterBuf[:count], s.maskBuf[:count]
	clear(masks)

	var found atomic.Int64
	s.disp.run(count, func(i int) {
		it, ok := s.table.Search(keys[i*ks : (i+1)*ks])
		its[i] = it
		if ok {
			masks[i] = 1
			found.Add(1)
		}
	})

	s.observe(opSearch, count, start, map[string]int64{
		resultOK:       found.Load(),
		resultNotFound: int64(count) - found.Load(),
	})
	return clone(its), clone(masks), nil
}

// Remove deletes count keys. masks[i] is 1 if keys[i] was present. The
// slots of removed entries can be reused from the next batch on.
func (s *Store) Remove(keys []byte, count int) ([]uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkBatch(opRemove, count, keys, nil); err != nil {
		return nil, err
	}
	start := time.Now()
	ks := int(s.cfg.KeySize)
	masks := s.maskBuf[:count]
	clear(masks)

	var removed atomic.Int64
	s.disp.run(count, func(i int) {
		if s.table.Remove(keys[i*ks : (i+1)*ks]) {
			masks[i] = 1
			removed.Add(1)
		}
	})
	// every worker has joined, nobody can still be walking a retired slot
	s.table.Reclaim()

	s.observe(opRemove, count, start, map[string]int64{
		resultOK:       removed.Load(),
		resultNotFound: int64(count) - removed.Load(),
	})
	return clone(masks), nil
}

// checkBatch validates a batch before any key is touched.
func (s *Store) checkBatch(op string, count int, keys, values []byte) error {
	if s.closed {
		return ErrClosed
	}
	if count < 0 {
		return fmt.Errorf("parhash: %s: negative count %d", op, count)
	}
	if count > int(s.cfg.MaxKeys) {
		s.logger.Warn("batch exceeds max keys",
			zap.String("op", op), zap.Int("count", count), zap.Uint32("max_keys", s.cfg.MaxKeys))
		return fmt.Errorf("%w: %s of %d keys, max %d", ErrBatchTooLarge, op, count, s.cfg.MaxKeys)
	}
	if need := count * int(s.cfg.KeySize); len(keys) < need {
		return fmt.Errorf("%w: %s: %d key bytes, need %d", ErrShortBuffer, op, len(keys), need)
	}
	if op == opInsert {
		if need := count * int(s.cfg.ValueSize); len(values) < need {
			return fmt.Errorf("%w: %s: %d value bytes, need %d", ErrShortBuffer, op, len(values), need)
		}
	}
	return nil
}

func (s *Store) observe(op string, count int, start time.Time, results map[string]int64) {
	elapsed := time.Since(start)
	batchCounter.WithLabelValues(op).Inc()
	batchDurationHistogram.WithLabelValues(op).Observe(elapsed.Seconds())
	for result, n := range results {
		if n > 0 {
			keyCounter.WithLabelValues(op, result).Add(float64(n))
		}
	}
	lf := s.table.LoadFactor()
	if op != opSearch {
		loadFactorGauge.WithLabelValues(s.id.String()).Set(float64(lf))
	}
	if ce := s.logger.Check(zap.DebugLevel, "batch done"); ce != nil {
		ce.Write(
			zap.String("op", op),
			zap.Int("count", count),
			zap.Int64("succeeded", results[resultOK]),
			zap.Duration("duration", elapsed),
			zap.Float32("load_factor", lf),
		)
	}
}

// ComputeLoadFactor returns occupied slots divided by slot capacity.
func (s *Store) ComputeLoadFactor() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.LoadFactor()
}

// CountElemsPerBucket returns the number of entries in every bucket, in
// bucket order. The counts sum to Len.
func (s *Store) CountElemsPerBucket() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make([]int, s.table.NumBuckets())
	if s.closed {
		return counts
	}
	s.disp.run(len(counts), func(b int) {
		counts[b] = s.table.BucketLen(b)
	})
	return counts
}

// Key returns the key of the entry it names, or nil for NilIterator. The
// result aliases store memory and is only meaningful until the entry is
// removed.
func (s *Store) Key(it Iterator) []byte { return s.table.Key(it) }

// Value returns the value of the entry it names, or nil for NilIterator. The
// result aliases store memory and is only meaningful until the entry is
// removed.
func (s *Store) Value(it Iterator) []byte { return s.table.Value(it) }

// UnpackKeys gathers the keys of every iterator whose mask is set into a flat
// buffer of len(its)*KeySize bytes. Masked-out entries are left zero.
func (s *Store) UnpackKeys(its []Iterator, masks []uint8) ([]byte, error) {
	return s.unpack(its, masks, int(s.cfg.KeySize), s.table.Key)
}

// UnpackValues is UnpackKeys for values.
func (s *Store) UnpackValues(its []Iterator, masks []uint8) ([]byte, error) {
	return s.unpack(its, masks, int(s.cfg.ValueSize), s.table.Value)
}

func (s *Store) unpack(its []Iterator, masks []uint8, size int, get func(Iterator) []byte) ([]byte, error) {
	if len(masks) < len(its) {
		return nil, fmt.Errorf("%w: %d masks for %d iterators", ErrShortBuffer, len(masks), len(its))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]byte, len(its)*size)
	s.disp.run(len(its), func(i int) {
		if masks[i] != 0 {
			copy(out[i*size:], get(its[i]))
		}
	})
	return out, nil
}

// Len returns the number of live entries.
func (s *Store) Len() int { return s.table.Len() }

func (s *Store) NumBuckets() int { return s.table.NumBuckets() }

// Capacity returns the slot capacity, MaxKeys.
func (s *Store) Capacity() int { return s.table.Capacity() }

// Config returns the configuration with defaults applied.
func (s *Store) Config() Config { return s.cfg }

// ID identifies this store in logs, metrics and snapshots.
func (s *Store) ID() uuid.UUID { return s.id }

// Close releases the worker pool. Batches on a closed store fail with
// ErrClosed; closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.disp.close()
	loadFactorGauge.DeleteLabelValues(s.id.String())
	s.logger.Info("store closed", zap.Int("len", s.table.Len()))
	return nil
}

func clone[T any](s []T) []T {
	return append(make([]T, 0, len(s)), s...)
}
