package names

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The cache file is line oriented, one record per line, tab separated:
//
//	id \t username \t display \t first \t last \t default \t expires \t next_update
//
// Timestamps are unix seconds. Malformed lines are skipped on import so a
// truncated file from a crashed session still warm-starts the rest.

const cacheFieldCount = 8

// ExportFile writes the cache in the warm-start format. Placeholder records
// and records long past expiry are excluded.
func (c *Cache) ExportFile(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxUnrefreshed)
	bw := bufio.NewWriter(w)
	for id, entry := range c.entries {
		if entry.IsTemporary || entry.Expires.Before(cutoff) {
			continue
		}
		flag := "0"
		if entry.IsDefault {
			flag = "1"
		}
		_, err := fmt.Fprintf(bw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			id,
			sanitize(entry.Username),
			sanitize(entry.DisplayName),
			sanitize(entry.LegacyFirst),
			sanitize(entry.LegacyLast),
			flag,
			entry.Expires.Unix(),
			entry.NextUpdate.Unix(),
		)
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ImportFile loads a previously exported cache. Expired records are imported
// too: Lookup will hand them out once while scheduling a refresh.
func (c *Cache) ImportFile(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	loaded := 0
	for scanner.Scan() {
		entry, id, ok := parseCacheLine(scanner.Text())
		if !ok {
			continue
		}
		c.mu.Lock()
		c.entries[id] = entry
		c.mu.Unlock()
		loaded++
	}
	if err := scanner.Err(); err != nil {
		return loaded, err
	}
	c.mu.Lock()
	c.metrics.SetCachedNames(len(c.entries))
	c.mu.Unlock()
	c.log.Info().Int("loaded", loaded).Msg("imported name cache")
	return loaded, nil
}

func parseCacheLine(line string) (Name, uuid.UUID, bool) {
	fields := strings.Split(line, "\t")
	if len(fields) != cacheFieldCount {
		return Name{}, uuid.Nil, false
	}
	id, err := uuid.Parse(fields[0])
	if err != nil || id == uuid.Nil {
		return Name{}, uuid.Nil, false
	}
	expires, err1 := strconv.ParseInt(fields[6], 10, 64)
	next, err2 := strconv.ParseInt(fields[7], 10, 64)
	if err1 != nil || err2 != nil {
		return Name{}, uuid.Nil, false
	}
	return Name{
		Username:    fields[1],
		DisplayName: fields[2],
		LegacyFirst: fields[3],
		LegacyLast:  fields[4],
		IsDefault:   fields[5] == "1",
		Expires:     time.Unix(expires, 0),
		NextUpdate:  time.Unix(next, 0),
	}, id, true
}

// Tabs and newlines would corrupt the framing; names never legitimately
// contain them.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return ' '
		default:
			return r
		}
	}, s)
}
