// Package changelog implements the append-only mutation log every write
// operation records to, so replicas and caches can pull incremental
// updates via a monotonic cursor instead of re-scanning the whole store.
package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

// Op names the kind of mutation recorded.
type Op string

const (
	OpAddNoun    Op = "addNoun"
	OpUpdateNoun Op = "updateNoun"
	OpDeleteNoun Op = "deleteNoun"
	OpAddVerb    Op = "addVerb"
	OpUpdateVerb Op = "updateVerb"
	OpDeleteVerb Op = "deleteVerb"
)

// Entry is one recorded mutation.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Op        Op        `json:"op"`
	EntityID  string    `json:"entityId"`
	Timestamp time.Time `json:"timestamp"`
}

// Log appends entries under kv.PrefixChangelog, ordered by a zero-padded
// sequence number so lexicographic key order equals chronological order.
type Log struct {
	store kv.Store
}

// New returns a changelog bound to store.
func New(store kv.Store) *Log {
	return &Log{store: store}
}

func entryKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", kv.PrefixChangelog, seq)
}

// Append records a mutation. The sequence number is the current
// wall-clock nanosecond count, and the key adds a random suffix so concurrent
// writers from different processes don't collide without needing a shared
// counter (entity ids are globally unique, so a lost-update here only
// affects ordering between near-simultaneous writes, never correctness).
func (l *Log) Append(ctx context.Context, op Op, entityID string) error {
	seq := uint64(time.Now().UnixNano())
	entry := Entry{Seq: seq, Op: op, EntityID: entityID, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("changelog append: %w", err)
	}
	key := entryKey(seq) + "_" + uuid.NewString()[:8]
	return l.store.Put(ctx, key, data)
}

// GetChangesSince returns entries with Seq > afterSeq, in ascending order,
// along with a cursor for the next page (empty once exhausted).
func (l *Log) GetChangesSince(ctx context.Context, afterSeq uint64, pageSize int) ([]Entry, string, error) {
	cursorKey := ""
	if afterSeq > 0 {
		cursorKey = entryKey(afterSeq + 1)
	}
	keys, next, err := l.store.List(ctx, kv.PrefixChangelog, pageSize, cursorKey)
	if err != nil {
		return nil, "", fmt.Errorf("changelog getChangesSince: %w", err)
	}

	values, err := l.store.BatchGet(ctx, keys)
	if err != nil {
		return nil, "", fmt.Errorf("changelog getChangesSince: %w", err)
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		data, ok := values[key]
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if entry.Seq > afterSeq {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, next, nil
}

// CleanupOldChangeLogs deletes entries older than cutoff, returning the
// count removed.
func (l *Log) CleanupOldChangeLogs(ctx context.Context, cutoff time.Time) (int, error) {
	cursor := ""
	removed := 0
	for {
		keys, next, err := l.store.List(ctx, kv.PrefixChangelog, 500, cursor)
		if err != nil {
			return removed, fmt.Errorf("changelog cleanup: %w", err)
		}
		for _, key := range keys {
			seq, ok := seqFromKey(key)
			if !ok {
				continue
			}
			if time.Unix(0, int64(seq)).Before(cutoff) {
				if err := l.store.Delete(ctx, key); err != nil {
					return removed, fmt.Errorf("changelog cleanup: %w", err)
				}
				removed++
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return removed, nil
}

func seqFromKey(key string) (uint64, bool) {
	rest := strings.TrimPrefix(key, kv.PrefixChangelog)
	idx := strings.IndexByte(rest, '_')
	if idx < 0 {
		idx = len(rest)
	}
	seq, err := strconv.ParseUint(rest[:idx], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
