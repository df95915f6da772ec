// Package pricing turns token usage into cost and enforces spending ceilings.
//
// All money is fixed-point (shopspring/decimal) so long sessions accumulate
// without floating point drift.
package pricing

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var million = decimal.NewFromInt(1_000_000)

// ModelPricing holds per-million-token costs in USD.
//
// A zero Reasoning price bills reasoning tokens at the Output rate; zero
// CacheRead and CacheWrite prices bill at the Input rate.
type ModelPricing struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	Reasoning  decimal.Decimal
	CacheRead  decimal.Decimal
	CacheWrite decimal.Decimal

	// LongContextThreshold switches to LongContext once input + cache-read
	// tokens of a single call exceed it. Zero disables the tier.
	LongContextThreshold int64
	LongContext          *ModelPricing
}

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Known model family pricing as of Oct 2026. Add new families as needed.
var knownModels = map[string]ModelPricing{
	// Gemini
	"gemini-2.5-pro": {
		Input: usd("1.25"), Output: usd("10.00"), CacheRead: usd("0.31"),
		LongContextThreshold: 200_000,
		LongContext:          &ModelPricing{Input: usd("2.50"), Output: usd("15.00"), CacheRead: usd("0.625")},
	},
	"gemini-2.5-flash":      {Input: usd("0.30"), Output: usd("2.50"), CacheRead: usd("0.075")},
	"gemini-2.5-flash-lite": {Input: usd("0.10"), Output: usd("0.40"), CacheRead: usd("0.025")},
	"gemini-2.0-flash":      {Input: usd("0.10"), Output: usd("0.40"), CacheRead: usd("0.025")},
	// Anthropic
	"claude-sonnet-4": {
		Input: usd("3.00"), Output: usd("15.00"), CacheRead: usd("0.30"), CacheWrite: usd("3.75"),
		LongContextThreshold: 200_000,
		LongContext:          &ModelPricing{Input: usd("6.00"), Output: usd("22.50"), CacheRead: usd("0.60"), CacheWrite: usd("7.50")},
	},
	"claude-opus-4":    {Input: usd("15.00"), Output: usd("75.00"), CacheRead: usd("1.50"), CacheWrite: usd("18.75")},
	"claude-haiku-4":   {Input: usd("1.00"), Output: usd("5.00"), CacheRead: usd("0.10"), CacheWrite: usd("1.25")},
	"claude-3-5-haiku": {Input: usd("0.80"), Output: usd("4.00"), CacheRead: usd("0.08"), CacheWrite: usd("1.00")},
	// OpenAI
	"gpt-4o":       {Input: usd("2.50"), Output: usd("10.00"), CacheRead: usd("1.25")},
	"gpt-4o-mini":  {Input: usd("0.15"), Output: usd("0.60"), CacheRead: usd("0.075")},
	"gpt-4.1":      {Input: usd("2.00"), Output: usd("8.00"), CacheRead: usd("0.50")},
	"gpt-4.1-mini": {Input: usd("0.40"), Output: usd("1.60"), CacheRead: usd("0.10")},
	"gpt-5":        {Input: usd("1.25"), Output: usd("10.00"), CacheRead: usd("0.125")},
	"gpt-5-mini":   {Input: usd("0.25"), Output: usd("2.00"), CacheRead: usd("0.025")},
	"o3":           {Input: usd("2.00"), Output: usd("8.00"), CacheRead: usd("0.50")},
	"o4-mini":      {Input: usd("1.10"), Output: usd("4.40"), CacheRead: usd("0.275")},
}

// familyPrefixes maps a model name prefix to the family billed when no
// table key is contained in the model name.
var familyPrefixes = []struct {
	prefix string
	family string
}{
	{"gemini-", "gemini-2.5-flash"},
	{"claude-", "claude-sonnet-4"},
	{"gpt-", "gpt-4o"},
	{"o1", "o3"},
	{"o3", "o3"},
	{"o4", "o4-mini"},
}

// Table resolves model names to prices.
type Table struct {
	models   map[string]ModelPricing
	keys     []string // longest first, for containment matching
	fallback ModelPricing
}

// DefaultTable returns the built-in pricing table. Unknown models are
// billed at zero.
func DefaultTable() *Table {
	return NewTable(nil, ModelPricing{})
}

// NewTable builds a table from the built-in families plus overrides.
// Override keys replace built-in entries of the same name.
func NewTable(overrides map[string]ModelPricing, fallback ModelPricing) *Table {
	models := make(map[string]ModelPricing, len(knownModels)+len(overrides))
	for k, v := range knownModels {
		models[k] = v
	}
	for k, v := range overrides {
		models[strings.ToLower(strings.TrimSpace(k))] = v
	}
	keys := make([]string, 0, len(models))
	for k := range models {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return &Table{models: models, keys: keys, fallback: fallback}
}

// Lookup resolves model to a price: exact name, then the longest family key
// contained in the name, then a family prefix, then the fallback. The second
// return value names the matched family ("" for the fallback).
func (t *Table) Lookup(model string) (ModelPricing, string) {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return t.fallback, ""
	}
	if p, ok := t.models[name]; ok {
		return p, name
	}
	for _, k := range t.keys {
		if strings.Contains(name, k) {
			return t.models[k], k
		}
	}
	for _, fp := range familyPrefixes {
		if strings.HasPrefix(name, fp.prefix) {
			if p, ok := t.models[fp.family]; ok {
				return p, fp.family
			}
		}
	}
	return t.fallback, ""
}

// Cost is the priced breakdown of one usage record.
type Cost struct {
	Model       string
	Family      string
	LongContext bool
	Input       decimal.Decimal
	Output      decimal.Decimal
	Reasoning   decimal.Decimal
	CacheRead   decimal.Decimal
	CacheWrite  decimal.Decimal
	Total       decimal.Decimal
}

// Calculate prices usage for model.
func (t *Table) Calculate(usage Usage, model string) Cost {
	p, family := t.Lookup(model)
	c := Cost{Model: model, Family: family}
	if p.LongContext != nil && p.LongContextThreshold > 0 &&
		usage.Input+usage.CacheRead > p.LongContextThreshold {
		p = *p.LongContext
		c.LongContext = true
	}

	reasoning := p.Reasoning
	if reasoning.IsZero() {
		reasoning = p.Output
	}
	cacheRead := p.CacheRead
	if cacheRead.IsZero() {
		cacheRead = p.Input
	}
	cacheWrite := p.CacheWrite
	if cacheWrite.IsZero() {
		cacheWrite = p.Input
	}

	c.Input = perMillion(usage.Input, p.Input)
	c.Output = perMillion(usage.Output, p.Output)
	c.Reasoning = perMillion(usage.Reasoning, reasoning)
	c.CacheRead = perMillion(usage.CacheRead, cacheRead)
	c.CacheWrite = perMillion(usage.CacheWrite, cacheWrite)
	c.Total = c.Input.Add(c.Output).Add(c.Reasoning).Add(c.CacheRead).Add(c.CacheWrite)
	return c
}

func perMillion(tokens int64, rate decimal.Decimal) decimal.Decimal {
	if tokens <= 0 || rate.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Mul(rate).Div(million)
}

var defaultTable = DefaultTable()

// Calculate prices usage for model with the built-in table.
func Calculate(usage Usage, model string) Cost {
	return defaultTable.Calculate(usage, model)
}
