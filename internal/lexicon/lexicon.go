// Package lexicon holds the keyword tables the conversation analyzers
// classify against. Tables are YAML data so they can be swapped or
// localized without touching code, and reloaded while running.
package lexicon

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Lexicon is the full set of tables
type Lexicon struct {
	Version    string          `yaml:"version"`
	Conflict   ConflictTables  `yaml:"conflict"`
	Flow       FlowTables      `yaml:"flow"`
	Commitment []string        `yaml:"commitment"`
	Sentiment  SentimentTables `yaml:"sentiment"`
}

// ConflictTables feed the conflict detector
type ConflictTables struct {
	Tension     []string `yaml:"tension"`
	Frustration []string `yaml:"frustration"`
	Escalation  []string `yaml:"escalation"`
}

// FlowTables feed message type classification
type FlowTables struct {
	Decision  []string `yaml:"decision"`
	Milestone []string `yaml:"milestone"`
	Task      []string `yaml:"task"`
}

// SentimentTables feed the sentiment rule condition
type SentimentTables struct {
	Positive []string `yaml:"positive"`
	Negative []string `yaml:"negative"`
}

// Default returns the built-in tables. The result is shared and must be
// treated as read-only.
func Default() *Lexicon {
	return builtin()
}

var builtin = sync.OnceValue(func() *Lexicon {
	lex, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("lexicon: embedded default is invalid: %v", err))
	}
	return lex
})

// Parse decodes and normalizes a YAML document
func Parse(data []byte) (*Lexicon, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}
	lex.normalize()
	if err := lex.Validate(); err != nil {
		return nil, err
	}
	return &lex, nil
}

// Load reads a lexicon file. An empty path yields the defaults.
func Load(path string) (*Lexicon, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Validate rejects tables an analyzer cannot work without
func (l *Lexicon) Validate() error {
	required := map[string][]string{
		"conflict.tension":     l.Conflict.Tension,
		"conflict.frustration": l.Conflict.Frustration,
		"conflict.escalation":  l.Conflict.Escalation,
		"flow.decision":        l.Flow.Decision,
		"flow.milestone":       l.Flow.Milestone,
		"flow.task":            l.Flow.Task,
		"commitment":           l.Commitment,
	}
	for name, entries := range required {
		if len(entries) == 0 {
			return fmt.Errorf("lexicon: table %s is empty", name)
		}
	}
	return nil
}

func (l *Lexicon) normalize() {
	for _, table := range []*[]string{
		&l.Conflict.Tension, &l.Conflict.Frustration, &l.Conflict.Escalation,
		&l.Flow.Decision, &l.Flow.Milestone, &l.Flow.Task,
		&l.Commitment,
		&l.Sentiment.Positive, &l.Sentiment.Negative,
	} {
		*table = normalizeTable(*table)
	}
}

// normalizeTable lowercases, trims and drops blank or repeated entries
func normalizeTable(entries []string) []string {
	seen := make(map[string]bool, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = normalizeText(strings.TrimSpace(e))
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

func normalizeText(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "’", "'"))
}

// -----------------------------------------------------------------------------
// Matching
// -----------------------------------------------------------------------------

// Text is a message prepared for repeated lexicon lookups
type Text struct {
	lower  string
	tokens map[string]struct{}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-'
}

// Prepare lowercases and tokenizes a message text
func Prepare(s string) Text {
	lower := normalizeText(s)
	fields := strings.FieldsFunc(lower, func(r rune) bool { return !isWordRune(r) })
	tokens := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		tokens[strings.Trim(f, "'-")] = struct{}{}
		tokens[f] = struct{}{}
	}
	return Text{lower: lower, tokens: tokens}
}

// Lower returns the normalized text
func (t Text) Lower() string { return t.lower }

// Has reports whether the entry occurs. Single words must match a whole
// token; phrases and entries with punctuation match as substrings.
func (t Text) Has(entry string) bool {
	if entry == "" {
		return false
	}
	if isWord(entry) {
		_, ok := t.tokens[entry]
		return ok
	}
	return strings.Contains(t.lower, entry)
}

// Hits returns the distinct entries that occur in the text
func (t Text) Hits(entries []string) []string {
	var hits []string
	for _, e := range entries {
		if t.Has(e) {
			hits = append(hits, e)
		}
	}
	return hits
}

// Count returns the number of distinct entries that occur in the text
func (t Text) Count(entries []string) int {
	n := 0
	for _, e := range entries {
		if t.Has(e) {
			n++
		}
	}
	return n
}

// Any reports whether at least one entry occurs
func (t Text) Any(entries []string) bool {
	for _, e := range entries {
		if t.Has(e) {
			return true
		}
	}
	return false
}

func isWord(s string) bool {
	for _, r := range s {
		if !isWordRune(r) {
			return false
		}
	}
	return true
}

// -----------------------------------------------------------------------------
// Provider
// -----------------------------------------------------------------------------

// Provider hands out the current lexicon and lets a watcher swap it
type Provider struct {
	current atomic.Pointer[Lexicon]
}

// NewProvider creates a provider seeded with lex (defaults when nil)
func NewProvider(lex *Lexicon) *Provider {
	if lex == nil {
		lex = Default()
	}
	p := &Provider{}
	p.current.Store(lex)
	return p
}

// Get returns the current lexicon
func (p *Provider) Get() *Lexicon {
	return p.current.Load()
}

// Set replaces the current lexicon
func (p *Provider) Set(lex *Lexicon) {
	if lex != nil {
		p.current.Store(lex)
	}
}
