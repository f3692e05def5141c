// Package highlight implements rich-text match highlighting (spec.md
// §4, scenario S5): locating both literal text matches and
// embedding-driven semantic matches inside arbitrary content, tagged
// with the structural category (title, content, ...) a pluggable
// content extractor assigns to each block.
package highlight

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/liliang-cn/triplestore/pkg/entity"
)

// ContentType steers which extractor runs when none is supplied
// explicitly.
type ContentType string

const (
	ContentPlain ContentType = "plain"
	ContentTipTap ContentType = "tiptap" // the {type,content:[...]} doc shape from scenario S5
)

// MatchType distinguishes a literal substring hit from a
// semantic (embedding-similarity) one.
type MatchType string

const (
	MatchText     MatchType = "text"
	MatchSemantic MatchType = "semantic"
)

// Granularity controls how much of a block's text becomes the matched
// span: a single word, its sentence, or the whole paragraph/block.
type Granularity string

const (
	GranularityWord      Granularity = "word"
	GranularitySentence  Granularity = "sentence"
	GranularityParagraph Granularity = "paragraph"
)

// Block is one unit of extracted plain text plus the structural
// category the extractor assigned it (e.g. "title", "content").
type Block struct {
	Text     string
	Category string
}

// ContentExtractor turns raw content (plain text, or a richer
// structured document) into flat, categorized text blocks.
type ContentExtractor func(raw string, contentType ContentType) ([]Block, error)

// Match is one highlighted span.
type Match struct {
	Text            string
	MatchType       MatchType
	ContentCategory string
	Score           float64
}

// Config tunes a Highlighter.
type Config struct {
	Granularity Granularity
	Threshold   float64       // minimum cosine similarity for a semantic match
	Timeout     time.Duration // spec.md §5: highlight calls carry a 10s timeout
}

// DefaultConfig returns word granularity, a 0.6 semantic threshold and
// the spec's 10s timeout.
func DefaultConfig() Config {
	return Config{
		Granularity: GranularityWord,
		Threshold:   0.6,
		Timeout:     10 * time.Second,
	}
}

// Embedder is the minimal surface Highlighter needs to score semantic
// matches; pkg/embedding.Service satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Highlighter finds text and semantic matches in content.
type Highlighter struct {
	embedder Embedder
	config   Config
}

// New returns a Highlighter. embedder may be nil, in which case every
// call degrades to text-only matching.
func New(embedder Embedder, config Config) *Highlighter {
	if config.Granularity == "" {
		config.Granularity = GranularityWord
	}
	if config.Threshold <= 0 {
		config.Threshold = DefaultConfig().Threshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Highlighter{embedder: embedder, config: config}
}

// Highlight finds matches for query inside text. contentType selects
// the default extractor when extractor is nil; an explicit extractor
// always takes precedence.
func (h *Highlighter) Highlight(ctx context.Context, query, text string, contentType ContentType, extractor ContentExtractor) ([]Match, error) {
	if extractor == nil {
		extractor = DefaultExtractor
	}
	if contentType == "" {
		contentType = detectContentType(text)
	}
	blocks, err := extractor(text, contentType)
	if err != nil {
		return nil, err
	}

	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	matches := make([]Match, 0, len(tokens))
	matched := make(map[string]bool, len(tokens))

	for _, block := range blocks {
		for _, tok := range tokens {
			if matched[tok] {
				continue
			}
			if span, ok := findLiteral(block.Text, tok, h.config.Granularity); ok {
				matches = append(matches, Match{Text: span, MatchType: MatchText, ContentCategory: block.Category, Score: 1})
				matched[tok] = true
			}
		}
	}

	remaining := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if !matched[tok] {
			remaining = append(remaining, tok)
		}
	}
	if len(remaining) > 0 && h.embedder != nil {
		semantic, err := h.semanticMatches(ctx, remaining, blocks)
		if err == nil {
			matches = append(matches, semantic...)
		}
		// Timeout or embedder failure degrades to text-only matching
		// (spec.md §5); the text matches already collected still return.
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

func (h *Highlighter) semanticMatches(ctx context.Context, tokens []string, blocks []Block) ([]Match, error) {
	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	matches := make([]Match, 0, len(tokens))
	for _, tok := range tokens {
		tokVec, err := h.embedder.Embed(ctx, tok)
		if err != nil {
			return matches, err
		}
		best := Match{}
		bestScore := h.config.Threshold
		for _, block := range blocks {
			for _, candidate := range granules(block.Text, h.config.Granularity) {
				candVec, err := h.embedder.Embed(ctx, candidate)
				if err != nil {
					return matches, err
				}
				score := float64(entity.CosineSimilarity(tokVec, candVec))
				if score > bestScore {
					bestScore = score
					best = Match{Text: candidate, MatchType: MatchSemantic, ContentCategory: block.Category, Score: score}
				}
			}
		}
		if best.Text != "" {
			matches = append(matches, best)
		}
	}
	return matches, nil
}

func tokenize(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(strings.ToLower(f), ".,!?;:\"'()")
		if f != "" && f != "the" && f != "a" && f != "an" {
			out = append(out, f)
		}
	}
	return out
}

func findLiteral(text, token string, granularity Granularity) (string, bool) {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, token)
	if idx < 0 {
		return "", false
	}
	switch granularity {
	case GranularityParagraph:
		return text, true
	case GranularitySentence:
		return sentenceAround(text, idx), true
	default:
		return wordAround(text, idx), true
	}
}

func granules(text string, granularity Granularity) []string {
	switch granularity {
	case GranularityParagraph:
		return []string{text}
	case GranularitySentence:
		return splitSentences(text)
	default:
		return strings.Fields(text)
	}
}

func wordAround(text string, byteIdx int) string {
	start := byteIdx
	for start > 0 && text[start-1] != ' ' {
		start--
	}
	end := byteIdx
	for end < len(text) && text[end] != ' ' {
		end++
	}
	return strings.Trim(text[start:end], ".,!?;:\"'()")
}

func sentenceAround(text string, byteIdx int) string {
	sentences := splitSentences(text)
	offset := 0
	for _, s := range sentences {
		if byteIdx >= offset && byteIdx < offset+len(s) {
			return strings.TrimSpace(s)
		}
		offset += len(s)
	}
	return strings.TrimSpace(text)
}

func splitSentences(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

func detectContentType(text string) ContentType {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return ContentTipTap
	}
	return ContentPlain
}

// tipTapNode mirrors the {type, content:[...], text} doc shape
// scenario S5 exercises (a minimal rich-text document tree).
type tipTapNode struct {
	Type    string       `json:"type"`
	Text    string       `json:"text"`
	Content []tipTapNode `json:"content"`
}

// DefaultExtractor handles plain text verbatim, and walks a tiptap-
// style JSON document tree into categorized blocks: heading nodes
// become "title", paragraph nodes become "content", anything else
// falls back to "content".
func DefaultExtractor(raw string, contentType ContentType) ([]Block, error) {
	if contentType != ContentTipTap {
		return []Block{{Text: raw, Category: "content"}}, nil
	}

	var doc tipTapNode
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return []Block{{Text: raw, Category: "content"}}, nil
	}

	var blocks []Block
	var walk func(n tipTapNode)
	walk = func(n tipTapNode) {
		category := categoryFor(n.Type)
		text := collectText(n)
		if text != "" {
			blocks = append(blocks, Block{Text: text, Category: category})
		}
		for _, child := range n.Content {
			if child.Type != "text" {
				walk(child)
			}
		}
	}
	walk(doc)
	return blocks, nil
}

func categoryFor(nodeType string) string {
	switch nodeType {
	case "heading", "title":
		return "title"
	default:
		return "content"
	}
}

func collectText(n tipTapNode) string {
	if n.Text != "" {
		return n.Text
	}
	var parts []string
	for _, child := range n.Content {
		if child.Type == "text" && child.Text != "" {
			parts = append(parts, child.Text)
		}
	}
	return strings.Join(parts, " ")
}
