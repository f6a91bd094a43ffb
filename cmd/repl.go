package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/thepudds/parhash"
)

var commands = []string{
	"put", "get", "del", "bulk", "find", "load", "buckets", "info", "save", "bench", "help", "quit",
}

type repl struct {
	store *parhash.Store
	out   io.Writer
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".parhash_history")
}

// Run reads commands until quit or EOF.
func (r *repl) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()
	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(func(line string) []string {
		var out []string
		for _, c := range commands {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				out = append(out, c)
			}
		}
		return out
	})
	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}
	defer r.saveHistory()

	cfg := r.store.Config()
	fmt.Fprintf(r.out, "parhash %s (max_keys=%d, key_size=%d, value_size=%d, buckets=%d)\n",
		r.store.ID(), cfg.MaxKeys, cfg.KeySize, cfg.ValueSize, r.store.NumBuckets())
	fmt.Fprintln(r.out, "Type 'help' for available commands.")

	for {
		line, err := r.liner.Prompt("parhash> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)
		quit, err := r.exec(line)
		if err != nil {
			fmt.Fprintln(r.out, "error:", err)
		}
		if quit {
			return nil
		}
	}
}

func (r *repl) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

// exec runs one command line.
func (r *repl) exec(line string) (quit bool, err error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]
	switch cmd {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		r.help()
	case "put":
		err = r.put(args)
	case "get":
		err = r.get(args)
	case "del", "delete":
		err = r.del(args)
	case "bulk":
		err = r.bulk(args)
	case "find":
		err = r.find(args)
	case "load":
		fmt.Fprintf(r.out, "load factor %.4f (%d/%d)\n",
			r.store.ComputeLoadFactor(), r.store.Len(), r.store.Capacity())
	case "buckets":
		r.buckets()
	case "info":
		r.info()
	case "save":
		if len(args) != 1 {
			return false, errors.New("usage: save <path>")
		}
		err = r.store.WriteSnapshot(args[0])
	case "bench":
		err = r.bench(args)
	default:
		err = fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
	}
	return false, err
}

func (r *repl) help() {
	fmt.Fprint(r.out, `Commands:
  put <key> <value>     insert one entry
  get <key>             look up one key
  del <key>             remove one key
  find <key>...         look up several keys in one batch
  bulk <n> [start]      insert keys start..start+n-1 with value key*2
  load                  show the load factor
  buckets               show the chain length distribution
  info                  show the store configuration
  save <path>           write a snapshot
  bench <n>             time insert, search and remove of n fresh keys
  help                  show this help
  quit                  exit
`)
}

func (r *repl) put(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: put <key> <value>")
	}
	k, err := parseInts(args[:1])
	if err != nil {
		return err
	}
	v, err := parseInts(args[1:])
	if err != nil {
		return err
	}
	cfg := r.store.Config()
	its, masks, err := r.store.Insert(encodeInts(k, int(cfg.KeySize)), encodeInts(v, int(cfg.ValueSize)), 1)
	if err != nil {
		return err
	}
	switch {
	case masks[0] == 1:
		fmt.Fprintf(r.out, "ok (slot %d)\n", its[0])
	case its[0] != parhash.NilIterator:
		fmt.Fprintf(r.out, "duplicate, existing value %d (slot %d)\n", decodeInt(r.store.Value(its[0])), its[0])
	default:
		fmt.Fprintln(r.out, "table full")
	}
	return nil
}

func (r *repl) get(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}
	return r.find(args)
}

func (r *repl) find(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: find <key>...")
	}
	keys, err := parseInts(args)
	if err != nil {
		return err
	}
	its, masks, err := r.store.Search(encodeInts(keys, int(r.store.Config().KeySize)), len(keys))
	if err != nil {
		return err
	}
	for i, k := range keys {
		if masks[i] == 0 {
			fmt.Fprintf(r.out, "%d: not found\n", k)
			continue
		}
		fmt.Fprintf(r.out, "%d: %d (slot %d)\n", k, decodeInt(r.store.Value(its[i])), its[i])
	}
	return nil
}

func (r *repl) del(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: del <key>...")
	}
	keys, err := parseInts(args)
	if err != nil {
		return err
	}
	masks, err := r.store.Remove(encodeInts(keys, int(r.store.Config().KeySize)), len(keys))
	if err != nil {
		return err
	}
	for i, k := range keys {
		if masks[i] == 1 {
			fmt.Fprintf(r.out, "%d: removed\n", k)
		} else {
			fmt.Fprintf(r.out, "%d: not found\n", k)
		}
	}
	return nil
}

func (r *repl) bulk(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: bulk <n> [start]")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return fmt.Errorf("bad count %q", args[0])
	}
	var start int64
	if len(args) == 2 {
		if start, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			return fmt.Errorf("bad start %q", args[1])
		}
	}
	began := time.Now()
	inserted, err := r.insertRange(start, n)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "inserted %d of %d in %v\n", inserted, n, time.Since(began).Round(time.Microsecond))
	return nil
}

// insertRange inserts keys start..start+n-1 with value key*2 in batches of
// at most MaxKeys and returns how many were new.
func (r *repl) insertRange(start int64, n int) (int, error) {
	cfg := r.store.Config()
	inserted := 0
	for done := 0; done < n; {
		batch := min(n-done, int(cfg.MaxKeys))
		keys, values := make([]int64, batch), make([]int64, batch)
		for i := range keys {
			keys[i] = start + int64(done+i)
			values[i] = keys[i] * 2
		}
		_, masks, err := r.store.Insert(encodeInts(keys, int(cfg.KeySize)), encodeInts(values, int(cfg.ValueSize)), batch)
		if err != nil {
			return inserted, err
		}
		inserted += countMask(masks)
		done += batch
	}
	return inserted, nil
}

func (r *repl) buckets() {
	counts := r.store.CountElemsPerBucket()
	hist := make(map[int]int)
	maxLen, total := 0, 0
	for _, c := range counts {
		hist[c]++
		total += c
		maxLen = max(maxLen, c)
	}
	lens := make([]int, 0, len(hist))
	for l := range hist {
		lens = append(lens, l)
	}
	sort.Ints(lens)
	fmt.Fprintf(r.out, "%d buckets, %d entries, mean %.2f, max %d\n",
		len(counts), total, float64(total)/float64(len(counts)), maxLen)
	for _, l := range lens {
		fmt.Fprintf(r.out, "  len %4d: %d buckets\n", l, hist[l])
	}
}

func (r *repl) info() {
	cfg := r.store.Config()
	fmt.Fprintf(r.out, "id:             %s\n", r.store.ID())
	fmt.Fprintf(r.out, "device:         %s\n", cfg.Device)
	fmt.Fprintf(r.out, "max keys:       %d\n", cfg.MaxKeys)
	fmt.Fprintf(r.out, "key/value size: %d/%d (slot %d)\n", cfg.KeySize, cfg.ValueSize, cfg.KVPairSize)
	fmt.Fprintf(r.out, "buckets:        %d\n", r.store.NumBuckets())
	fmt.Fprintf(r.out, "workers/grain:  %d/%d\n", cfg.Workers, cfg.Grain)
	fmt.Fprintf(r.out, "entries:        %d\n", r.store.Len())
}

func (r *repl) bench(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: bench <n>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return fmt.Errorf("bad count %q", args[0])
	}
	cfg := r.store.Config()
	if n > int(cfg.MaxKeys) {
		return fmt.Errorf("bench count %d exceeds max keys %d", n, cfg.MaxKeys)
	}
	// far away from the keys bulk uses
	keys := make([]int64, n)
	for i := range keys {
		keys[i] = 1<<30 + int64(i)
	}
	kb := encodeInts(keys, int(cfg.KeySize))
	vb := encodeInts(keys, int(cfg.ValueSize))

	report := func(op string, ok int, d time.Duration) {
		fmt.Fprintf(r.out, "%-7s %8d ok  %12v  %10.0f keys/s\n", op, ok, d.Round(time.Microsecond), float64(n)/d.Seconds())
	}
	t := time.Now()
	_, masks, err := r.store.Insert(kb, vb, n)
	if err != nil {
		return err
	}
	report("insert", countMask(masks), time.Since(t))

	t = time.Now()
	if _, masks, err = r.store.Search(kb, n); err != nil {
		return err
	}
	report("search", countMask(masks), time.Since(t))

	t = time.Now()
	if masks, err = r.store.Remove(kb, n); err != nil {
		return err
	}
	report("remove", countMask(masks), time.Since(t))
	return nil
}

func parseInts(args []string) ([]int64, error) {
	out := make([]int64, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(a, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad integer %q", a)
		}
		out[i] = v
	}
	return out, nil
}

// encodeInts packs vs into size-byte little endian fields.
func encodeInts(vs []int64, size int) []byte {
	buf := make([]byte, len(vs)*size)
	var tmp [8]byte
	for i, v := range vs {
		binary.LittleEndian.PutUint64(tmp[:], uint64(v))
		copy(buf[i*size:(i+1)*size], tmp[:])
	}
	return buf
}

// decodeInt reverses encodeInts for one field, sign extending fields
// narrower than 8 bytes.
func decodeInt(b []byte) int64 {
	var tmp [8]byte
	n := copy(tmp[:], b)
	if n > 0 && n < 8 && b[n-1]&0x80 != 0 {
		for i := n; i < 8; i++ {
			tmp[i] = 0xff
		}
	}
	return int64(binary.LittleEndian.Uint64(tmp[:]))
}

func countMask(masks []uint8) int {
	n := 0
	for _, m := range masks {
		n += int(m)
	}
	return n
}
