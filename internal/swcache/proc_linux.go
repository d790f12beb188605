//go:build linux

package swcache

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// memoryUsage is what the stats line reports about the process itself.
type memoryUsage struct {
	RSS uint64
	// Rollup holds /proc/self/smaps_rollup in bytes, keyed by field name
	// (Rss, Pss, Anonymous, ...). Nil when unavailable.
	Rollup map[string]uint64
}

// readMemoryUsage is best-effort; ok is false when /proc/self/statm cannot
// be read.
func readMemoryUsage() (memoryUsage, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return memoryUsage{}, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return memoryUsage{}, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return memoryUsage{}, false
	}
	return memoryUsage{
		RSS:    pages * uint64(os.Getpagesize()),
		Rollup: readSmapsRollup("/proc/self/smaps_rollup"),
	}, true
}

func readSmapsRollup(path string) map[string]uint64 {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	out := map[string]uint64{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// "Anonymous:      1234 kB"
		key, rest, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(key)] = kb << 10
	}
	if sc.Err() != nil || len(out) == 0 {
		return nil
	}
	return out
}
