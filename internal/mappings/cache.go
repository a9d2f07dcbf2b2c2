package mappings

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"morada/internal/model"
)

// Loader abstracts the DB access the cache needs. The store satisfies
// this; tests provide fakes.
type Loader interface {
	ActiveFieldMappings(ctx context.Context) ([]model.FieldMapping, error)
	ActiveCharacterMappings(ctx context.Context) ([]model.CharacterMapping, error)
}

// tokenCandidate is one (full source key, target field) pair reachable
// from a token of the source key.
type tokenCandidate struct {
	source string
	target string
}

// Cache holds the field-name and character/currency mapping tables,
// refreshed from the DB with a TTL. Lookups are safe for concurrent
// use; refreshes are serialized and double-checked so concurrent
// readers trigger at most one load.
//
// When the DB load fails the cache falls back to the built-in defaults
// and still advances the refresh timestamp, so an unavailable DB does
// not cause a retry storm.
type Cache struct {
	loader Loader
	ttl    time.Duration
	logger *slog.Logger

	mu sync.RWMutex

	fields     map[string]string
	features   map[string]string
	tokenIndex map[string][]tokenCandidate
	fieldsAt   time.Time

	currencies    map[string]string
	currencyOrder []string
	characters    map[string]string
	charsAt       time.Time
}

func NewCache(loader Loader, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		loader: loader,
		ttl:    ttl,
		logger: logger,
	}
}

// Preload warms both caches. Called at startup so the first job does
// not race the first DB hit. Load failures are tolerated; the caches
// fall back to defaults.
func (c *Cache) Preload(ctx context.Context) {
	c.ensureFields(ctx)
	c.ensureCharacters(ctx)
}

// FieldTarget resolves a raw HTML label to a canonical field key.
// The label is matched via the token inverted index: each token of the
// label narrows the candidate set, and a candidate only wins when its
// full source key is a substring of the label.
func (c *Cache) FieldTarget(ctx context.Context, label string) (string, bool) {
	c.ensureFields(ctx)

	needle := strings.ToLower(strings.TrimSpace(label))
	if needle == "" {
		return "", false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if target, ok := c.fields[needle]; ok {
		return target, true
	}

	for _, token := range strings.Fields(needle) {
		for _, cand := range c.tokenIndex[token] {
			if strings.Contains(needle, cand.source) {
				return cand.target, true
			}
		}
	}
	return "", false
}

// FeatureTarget resolves a feature keyword (e.g. "garagem") to its
// boolean slot. Matching is by substring over the feature keys.
func (c *Cache) FeatureTarget(ctx context.Context, label string) (string, bool) {
	c.ensureFields(ctx)

	needle := strings.ToLower(strings.TrimSpace(label))
	if needle == "" {
		return "", false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if target, ok := c.features[needle]; ok {
		return target, true
	}
	for source, target := range c.features {
		if strings.Contains(needle, source) {
			return target, true
		}
	}
	return "", false
}

// Currency scans raw for a known currency symbol or code and returns
// the ISO-4217 code. Longer symbols are tried first so "R$" wins over
// "$"; the case-sensitive pass precedes the lowered one. Defaults to
// EUR when nothing matches.
func (c *Cache) Currency(ctx context.Context, raw string) string {
	c.ensureCharacters(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, symbol := range c.currencyOrder {
		if strings.Contains(raw, symbol) {
			return c.currencies[symbol]
		}
	}
	lowered := strings.ToLower(raw)
	for _, symbol := range c.currencyOrder {
		if strings.Contains(lowered, symbol) {
			return c.currencies[symbol]
		}
	}
	return "EUR"
}

// FixCharacters applies the character mappings (mojibake patches,
// symbol normalization) to s.
func (c *Cache) FixCharacters(ctx context.Context, s string) string {
	c.ensureCharacters(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()

	for from, to := range c.characters {
		if strings.Contains(s, from) {
			s = strings.ReplaceAll(s, from, to)
		}
	}
	return s
}

func (c *Cache) fieldsFresh() bool {
	return len(c.fields) > 0 && time.Since(c.fieldsAt) < c.ttl
}

func (c *Cache) charsFresh() bool {
	return len(c.currencies) > 0 && time.Since(c.charsAt) < c.ttl
}

func (c *Cache) ensureFields(ctx context.Context) {
	c.mu.RLock()
	fresh := c.fieldsFresh()
	c.mu.RUnlock()
	if fresh {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Double check: another goroutine may have refreshed while we
	// waited for the lock.
	if c.fieldsFresh() {
		return
	}

	fields := make(map[string]string)
	features := make(map[string]string)

	loaded := false
	if c.loader != nil {
		rows, err := c.loader.ActiveFieldMappings(ctx)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("field mappings load failed, using defaults", "error", err)
			}
		} else {
			for _, m := range rows {
				source := strings.ToLower(strings.TrimSpace(m.SourceName))
				switch m.MappingType {
				case model.MappingFeature:
					features[source] = m.TargetField
				default:
					fields[source] = m.TargetField
				}
			}
			loaded = len(fields) > 0 || len(features) > 0
		}
	}

	if !loaded {
		fields = defaultFieldMap()
		features = defaultFeatureMap()
	}

	c.fields = fields
	c.features = features
	c.tokenIndex = buildTokenIndex(fields)
	// Advance the timestamp on fallback too, so a dead DB is retried
	// once per TTL instead of on every lookup.
	c.fieldsAt = time.Now()
}

func (c *Cache) ensureCharacters(ctx context.Context) {
	c.mu.RLock()
	fresh := c.charsFresh()
	c.mu.RUnlock()
	if fresh {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.charsFresh() {
		return
	}

	currencies := defaultCurrencyMap()
	characters := make(map[string]string)

	loaded := false
	if c.loader != nil {
		rows, err := c.loader.ActiveCharacterMappings(ctx)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("character mappings load failed, using defaults", "error", err)
			}
		} else {
			for _, m := range rows {
				switch m.Category {
				case "currency":
					currencies[m.SourceChars] = m.TargetChars
				default:
					characters[m.SourceChars] = m.TargetChars
				}
			}
			loaded = len(rows) > 0
		}
	}

	if !loaded {
		characters = defaultCharacterMap()
	}

	c.currencies = currencies
	c.currencyOrder = orderSymbols(currencies)
	c.characters = characters
	c.charsAt = time.Now()
}

// orderSymbols sorts currency symbols longest-first (ties broken
// lexicographically) so substring scans are deterministic.
func orderSymbols(currencies map[string]string) []string {
	symbols := make([]string, 0, len(currencies))
	for s := range currencies {
		symbols = append(symbols, s)
	}
	sort.Slice(symbols, func(i, j int) bool {
		if len(symbols[i]) != len(symbols[j]) {
			return len(symbols[i]) > len(symbols[j])
		}
		return symbols[i] < symbols[j]
	})
	return symbols
}

// buildTokenIndex maps each whitespace token of every source key to
// the candidates containing it, so multi-word labels resolve without
// scanning every key.
func buildTokenIndex(fields map[string]string) map[string][]tokenCandidate {
	index := make(map[string][]tokenCandidate)
	for source, target := range fields {
		for _, token := range strings.Fields(source) {
			index[token] = append(index[token], tokenCandidate{source: source, target: target})
		}
	}
	return index
}
