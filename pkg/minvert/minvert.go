// Package minvert implements the inverted metadata index: compressed
// bitmaps keyed by (field, value), automatic temporal bucketing, and text
// tokenization for free-text queries (spec.md §4.4).
package minvert

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/mozillazg/go-pinyin"

	"github.com/liliang-cn/triplestore/pkg/kv"
)

// textField is the pseudo-field under which tokenized free text is
// indexed, so getIdsForTextQuery can look up word bitmaps the same way
// getIds looks up metadata field bitmaps.
const textField = "_text"

// temporalFieldPattern matches field names spec.md §4.4 treats as
// timestamps, regardless of caller-declared type.
var temporalFieldPattern = regexp.MustCompile(`(?i)(time|date|timestamp|modified|created|accessed|updated)`)

// bucketWidthMillis is the temporal bucket width: 1 minute.
const bucketWidthMillis = 60000

// maxFreeTextBytes is the size above which a string value is treated as a
// free-text blob and excluded from exact-value indexing (it is still
// eligible for tokenized text indexing via IndexText).
const maxFreeTextBytes = 256

// Config controls field inclusion and chunk sizing.
type Config struct {
	// ExcludedFields are never exact-value indexed. "id" is always
	// excluded in addition to whatever is listed here.
	ExcludedFields map[string]bool
	// MaxValuesPerChunk bounds how many (value -> bitmap) postings are
	// persisted per chunk before a field rolls over to a new chunk index.
	MaxValuesPerChunk int
}

// DefaultConfig returns the spec.md §4.4 defaults.
func DefaultConfig() Config {
	return Config{ExcludedFields: map[string]bool{}, MaxValuesPerChunk: 256}
}

func (c Config) excluded(field string) bool {
	return field == "id" || c.ExcludedFields[field]
}

// FieldValue is one equality term in a getIdsForMultipleFields query.
type FieldValue struct {
	Field string
	Value string
}

// Index is the in-memory bitmap posting store. It is a cache: durable
// state lives in `_system/mindex/<field>/<chunkIx>` chunks, and Load
// reconstructs this structure from there.
type Index struct {
	mu     sync.RWMutex
	store  kv.Store
	config Config

	postings   map[string]map[string]*roaring.Bitmap // field -> value key -> ids
	nextChunk  map[string]int
	dirtyField map[string]bool
}

// New returns an empty index over store.
func New(store kv.Store, config Config) *Index {
	return &Index{
		store:      store,
		config:     config,
		postings:   make(map[string]map[string]*roaring.Bitmap),
		nextChunk:  make(map[string]int),
		dirtyField: make(map[string]bool),
	}
}

// bucketKey renders a numeric value of a temporal field as its bucket. It
// reports false for a non-temporal field or a non-numeric value.
func bucketKey(field string, value any) (string, bool) {
	if !temporalFieldPattern.MatchString(field) {
		return "", false
	}
	f, ok := numericValue(value)
	if !ok {
		return "", false
	}
	bucket := int64(f/bucketWidthMillis) * bucketWidthMillis
	return strconv.FormatInt(bucket, 10), true
}

func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// valueKey normalizes a metadata value into the string key a bitmap is
// stored against, or false if the value isn't indexable as an exact term
// (a free-text blob, per spec.md §4.4's exclusion heuristic).
func valueKey(field string, value any) (string, bool) {
	if bucket, ok := bucketKey(field, value); ok {
		return bucket, true
	}
	switch v := value.(type) {
	case string:
		if len(strings.TrimSpace(v)) > maxFreeTextBytes {
			return "", false
		}
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64, float32, int, int64:
		f, _ := numericValue(v)
		return strconv.FormatFloat(f, 'g', -1, 64), true
	default:
		return "", false
	}
}

func (idx *Index) postingsFor(field, value string) *roaring.Bitmap {
	byValue, ok := idx.postings[field]
	if !ok {
		byValue = make(map[string]*roaring.Bitmap)
		idx.postings[field] = byValue
	}
	bm, ok := byValue[value]
	if !ok {
		bm = roaring.New()
		byValue[value] = bm
	}
	return bm
}

// Add indexes id against every eligible field in fields, applying
// temporal bucketing and the free-text exclusion heuristic.
func (idx *Index) Add(id uint32, fields map[string]any) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for field, value := range fields {
		if idx.config.excluded(field) {
			continue
		}
		key, ok := valueKey(field, value)
		if !ok {
			continue
		}
		idx.postingsFor(field, key).Add(id)
		idx.dirtyField[field] = true
	}
}

// Remove clears id from every bitmap it was indexed under for fields.
func (idx *Index) Remove(id uint32, fields map[string]any) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for field, value := range fields {
		if idx.config.excluded(field) {
			continue
		}
		key, ok := valueKey(field, value)
		if !ok {
			continue
		}
		if byValue, ok := idx.postings[field]; ok {
			if bm, ok := byValue[key]; ok {
				bm.Remove(id)
				idx.dirtyField[field] = true
			}
		}
	}
}

// GetIds returns the ids recorded against field=value.
func (idx *Index) GetIds(field, value string) []uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	bm, ok := idx.postings[field][value]
	if !ok {
		return nil
	}
	return bm.ToArray()
}

// GetIdsInRange unions the bitmaps of every temporal bucket whose
// boundary falls within [from, to]. Per spec.md §4.4, exact inclusion at
// the edge buckets is a post-filter the caller applies once it hydrates
// the candidate ids' real field values, since the bucket itself only
// guarantees membership to 1-minute granularity.
func (idx *Index) GetIdsInRange(field string, from, to int64) []uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	byValue, ok := idx.postings[field]
	if !ok {
		return nil
	}
	fromBucket := (from / bucketWidthMillis) * bucketWidthMillis
	toBucket := (to / bucketWidthMillis) * bucketWidthMillis

	union := roaring.New()
	for key, bm := range byValue {
		bucket, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		if bucket >= fromBucket && bucket <= toBucket {
			union.Or(bm)
		}
	}
	return union.ToArray()
}

// GetIdsForMultipleFields returns the AND intersection of every term's
// posting list, short-circuiting to empty the moment any term is empty.
func (idx *Index) GetIdsForMultipleFields(terms []FieldValue) []uint32 {
	if len(terms) == 0 {
		return nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var acc *roaring.Bitmap
	for _, term := range terms {
		bm, ok := idx.postings[term.Field][term.Value]
		if !ok {
			return nil
		}
		if acc == nil {
			acc = bm.Clone()
			continue
		}
		acc.And(bm)
		if acc.IsEmpty() {
			return nil
		}
	}
	if acc == nil {
		return nil
	}
	return acc.ToArray()
}

// GetFilterValues returns the distinct indexed values for field, sorted,
// for faceting/UI purposes.
func (idx *Index) GetFilterValues(field string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	byValue, ok := idx.postings[field]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(byValue))
	for value := range byValue {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

// pinyinArgs configures single-tone, non-tonemarked romanization so CJK
// tokens and their pinyin augmentation hash identically regardless of
// tone variants the caller typed.
var pinyinArgs = func() pinyin.Args {
	args := pinyin.NewArgs()
	args.Style = pinyin.Normal
	return args
}()

// Tokenize lowercases text, strips punctuation, drops words under two
// characters and dedupes, per spec.md §4.4's text tokenization step. Each
// run of Han characters is replaced by the pinyin syllables of its
// characters, one token per character ("音书" yields "yin" and "shu"), and
// the two-character minimum does not apply to those syllables. The Han
// characters themselves are not emitted and a run's syllables are never
// joined, so "yin" matches "音书" but "Yinshu" does not.
func Tokenize(text string) []string {
	var words []string
	var cjk []rune
	flushCJK := func() {
		if len(cjk) == 0 {
			return
		}
		for _, syllables := range pinyin.Pinyin(string(cjk), pinyinArgs) {
			words = append(words, syllables...)
		}
		cjk = cjk[:0]
	}

	var cur strings.Builder
	flushWord := func() {
		if cur.Len() >= 2 {
			words = append(words, strings.ToLower(cur.String()))
		}
		cur.Reset()
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			cur.WriteRune(r)
		default:
			flushCJK()
			flushWord()
		}
	}
	flushCJK()
	flushWord()

	return dedupe(words)
}

func dedupe(words []string) []string {
	seen := make(map[string]bool, len(words))
	out := words[:0]
	for _, w := range words {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

func hashWord(word string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(word))
	return strconv.FormatUint(uint64(int32(h.Sum32())), 10)
}

// IndexText tokenizes text and adds id to the posting list for each
// distinct token hash, backing getIdsForTextQuery.
func (idx *Index) IndexText(id uint32, text string) {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, word := range tokens {
		idx.postingsFor(textField, hashWord(word)).Add(id)
	}
	idx.dirtyField[textField] = true
}

// GetIdsForTextQuery tokenizes the query the same way IndexText does,
// looks up each token's posting list, and returns ids ranked by number
// of matched tokens (descending), ties broken by ascending id.
func (idx *Index) GetIdsForTextQuery(text string) []uint32 {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	idx.mu.RLock()
	byValue := idx.postings[textField]
	matches := make(map[uint32]int)
	for _, word := range tokens {
		bm, ok := byValue[hashWord(word)]
		if !ok {
			continue
		}
		for _, id := range bm.ToArray() {
			matches[id]++
		}
	}
	idx.mu.RUnlock()

	ids := make([]uint32, 0, len(matches))
	for id := range matches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if matches[ids[i]] != matches[ids[j]] {
			return matches[ids[i]] > matches[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// chunkBlob is the persisted shape of one immutable chunk: a batch of
// (value -> bitmap) postings for a single field, plus a summary per
// spec.md §4.4 ("cardinality, min/max id").
type chunkBlob struct {
	Postings []postingEntry `json:"postings"`
}

type postingEntry struct {
	Value       string `json:"value"`
	Bitmap      []byte `json:"bitmap"`
	Cardinality uint64 `json:"cardinality"`
	MinID       uint32 `json:"minId"`
	MaxID       uint32 `json:"maxId"`
}

func encodeChunk(blob chunkBlob) ([]byte, error) {
	return json.Marshal(blob)
}

func decodeChunk(data []byte) (chunkBlob, error) {
	var blob chunkBlob
	err := json.Unmarshal(data, &blob)
	return blob, err
}

func chunkKey(field string, chunkIx int) string {
	return fmt.Sprintf("%s%s/%06d", kv.PrefixMindex, field, chunkIx)
}

// Flush persists every field with pending changes as a fresh set of
// immutable chunks (the in-memory postings map is the "mutable tail";
// flushing snapshots it out as chunkKey(field, N), then rotates N).
func (idx *Index) Flush(ctx context.Context) error {
	idx.mu.Lock()
	dirty := make([]string, 0, len(idx.dirtyField))
	for field := range idx.dirtyField {
		dirty = append(dirty, field)
	}
	idx.mu.Unlock()

	for _, field := range dirty {
		if err := idx.flushField(ctx, field); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) flushField(ctx context.Context, field string) error {
	idx.mu.Lock()
	byValue := idx.postings[field]
	entries := make([]postingEntry, 0, len(byValue))
	for value, bm := range byValue {
		data, err := bm.MarshalBinary()
		if err != nil {
			idx.mu.Unlock()
			return fmt.Errorf("minvert flush %s: marshal %q: %w", field, value, err)
		}
		entries = append(entries, postingEntry{
			Value:       value,
			Bitmap:      data,
			Cardinality: bm.GetCardinality(),
			MinID:       minOr0(bm),
			MaxID:       maxOr0(bm),
		})
	}
	chunkSize := idx.config.MaxValuesPerChunk
	if chunkSize <= 0 {
		chunkSize = 256
	}
	startChunk := idx.nextChunk[field]
	idx.mu.Unlock()

	chunkIx := startChunk
	for offset := 0; offset < len(entries) || (offset == 0 && len(entries) == 0); offset += chunkSize {
		end := offset + chunkSize
		if end > len(entries) {
			end = len(entries)
		}
		blob := chunkBlob{Postings: entries[offset:end]}
		data, err := encodeChunk(blob)
		if err != nil {
			return fmt.Errorf("minvert flush %s chunk %d: %w", field, chunkIx, err)
		}
		if err := idx.store.Put(ctx, chunkKey(field, chunkIx), data); err != nil {
			return fmt.Errorf("minvert flush %s chunk %d: %w", field, chunkIx, err)
		}
		chunkIx++
		if len(entries) == 0 {
			break
		}
	}

	idx.mu.Lock()
	idx.nextChunk[field] = chunkIx
	delete(idx.dirtyField, field)
	idx.mu.Unlock()
	return nil
}

func minOr0(bm *roaring.Bitmap) uint32 {
	if bm.IsEmpty() {
		return 0
	}
	return bm.Minimum()
}

func maxOr0(bm *roaring.Bitmap) uint32 {
	if bm.IsEmpty() {
		return 0
	}
	return bm.Maximum()
}

// Load rebuilds the index from every persisted chunk under a set of
// known field names. Fields are not self-describing in the KV namespace
// beyond their chunk prefix, so the caller (the root Store façade, which
// already tracks which metadata fields it indexes) supplies the list.
func (idx *Index) Load(ctx context.Context, fields []string) error {
	for _, field := range fields {
		if err := idx.loadField(ctx, field); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) loadField(ctx context.Context, field string) error {
	prefix := kv.PrefixMindex + field + "/"
	cursor := ""
	maxChunk := -1
	byValue := make(map[string]*roaring.Bitmap)

	for {
		keys, next, err := idx.store.List(ctx, prefix, 200, cursor)
		if err != nil {
			return fmt.Errorf("minvert load %s: list: %w", field, err)
		}
		if len(keys) > 0 {
			values, err := idx.store.BatchGet(ctx, keys)
			if err != nil {
				return fmt.Errorf("minvert load %s: batch get: %w", field, err)
			}
			for _, key := range keys {
				data, ok := values[key]
				if !ok {
					continue
				}
				blob, err := decodeChunk(data)
				if err != nil {
					return fmt.Errorf("minvert load %s chunk %s: %w", field, key, err)
				}
				for _, entry := range blob.Postings {
					bm := roaring.New()
					if err := bm.UnmarshalBinary(entry.Bitmap); err != nil {
						return fmt.Errorf("minvert load %s chunk %s value %q: %w", field, key, entry.Value, err)
					}
					if existing, ok := byValue[entry.Value]; ok {
						existing.Or(bm)
					} else {
						byValue[entry.Value] = bm
					}
				}
				if ix, ok := chunkIndexFromKey(key, prefix); ok && ix > maxChunk {
					maxChunk = ix
				}
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	idx.mu.Lock()
	if len(byValue) > 0 {
		idx.postings[field] = byValue
	}
	idx.nextChunk[field] = maxChunk + 1
	idx.mu.Unlock()
	return nil
}

func chunkIndexFromKey(key, prefix string) (int, bool) {
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(key[len(prefix):])
	if err != nil {
		return 0, false
	}
	return n, true
}
