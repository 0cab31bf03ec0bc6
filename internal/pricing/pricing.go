// Package pricing maps model identifiers to per-token rates and turns token
// counts into charged cents.
package pricing

import (
	"fmt"
	"math/big"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rate is the upstream list price in microdollars per 1M tokens.
type Rate struct {
	InputMicros  int64 `yaml:"input_micros"`
	OutputMicros int64 `yaml:"output_micros"`
}

// Usage is the token breakdown reported by the upstream for one request.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// EffectiveInputTokens normalizes cache tokens to plain input tokens: a cache
// write costs 1.25x and a cache read 0.10x, each rounded up.
func EffectiveInputTokens(u Usage) int64 {
	return u.InputTokens + ceilDiv(u.CacheCreationTokens*5, 4) + ceilDiv(u.CacheReadTokens, 10)
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Table is safe for concurrent reads once built.
type Table struct {
	rates map[string]Rate
}

// DefaultRates are Anthropic list prices.
var DefaultRates = map[string]Rate{
	"claude-opus-4-6":   {InputMicros: 5_000_000, OutputMicros: 25_000_000},
	"claude-opus-4-5":   {InputMicros: 5_000_000, OutputMicros: 25_000_000},
	"claude-opus-4-1":   {InputMicros: 15_000_000, OutputMicros: 75_000_000},
	"claude-opus-4":     {InputMicros: 15_000_000, OutputMicros: 75_000_000},
	"claude-sonnet-4-5": {InputMicros: 3_000_000, OutputMicros: 15_000_000},
	"claude-sonnet-4":   {InputMicros: 3_000_000, OutputMicros: 15_000_000},
	"claude-3-7-sonnet": {InputMicros: 3_000_000, OutputMicros: 15_000_000},
	"claude-haiku-4-5":  {InputMicros: 1_000_000, OutputMicros: 5_000_000},
	"claude-3-5-haiku":  {InputMicros: 800_000, OutputMicros: 4_000_000},
	"claude-3-haiku":    {InputMicros: 250_000, OutputMicros: 1_250_000},
}

func NewTable(rates map[string]Rate) *Table {
	t := &Table{rates: make(map[string]Rate, len(rates))}
	for model, r := range rates {
		t.rates[strings.ToLower(model)] = r
	}
	return t
}

func Default() *Table {
	return NewTable(DefaultRates)
}

// snapshotSuffix matches the date stamp on pinned model versions.
var snapshotSuffix = regexp.MustCompile(`-\d{8}$`)

// Lookup resolves a model identifier. A dated snapshot such as
// "claude-sonnet-4-5-20250929" falls back to its undated name; any other
// unknown identifier is unpriced.
func (t *Table) Lookup(model string) (Rate, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return Rate{}, false
	}
	if r, ok := t.rates[model]; ok {
		return r, true
	}
	if loc := snapshotSuffix.FindStringIndex(model); loc != nil {
		r, ok := t.rates[model[:loc[0]]]
		return r, ok
	}
	return Rate{}, false
}

var (
	microsPerDollarPerMillion = big.NewInt(1_000_000 * 1_000_000 / 100) // rate*tokens -> cents
	basisPoints               = big.NewInt(10_000)
)

// Cost returns the charged cents for usage at the given markup (in basis
// points, 10000 = 1x), rounded up. ok is false when the model has no price.
func (t *Table) Cost(model string, u Usage, markupBP int64) (cents int64, ok bool) {
	rate, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	return CostFor(rate, u, markupBP), true
}

// CostFor computes ceil((in/1e6*inRate + out/1e6*outRate) * markup * 100)
// with exact integer arithmetic.
func CostFor(rate Rate, u Usage, markupBP int64) int64 {
	in := big.NewInt(EffectiveInputTokens(u))
	in.Mul(in, big.NewInt(rate.InputMicros))
	out := big.NewInt(max(u.OutputTokens, 0))
	out.Mul(out, big.NewInt(rate.OutputMicros))

	num := new(big.Int).Add(in, out)
	num.Mul(num, big.NewInt(markupBP))

	den := new(big.Int).Mul(microsPerDollarPerMillion, basisPoints)
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Int64()
}

// Models lists registered identifiers, sorted.
func (t *Table) Models() []string {
	out := make([]string, 0, len(t.rates))
	for m := range t.rates {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

type fileFormat struct {
	Models map[string]Rate `yaml:"models"`
}

// LoadFile merges rates from a YAML file over the table:
//
//	models:
//	  claude-sonnet-4-5:
//	    input_micros: 3000000
//	    output_micros: 15000000
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse pricing file: %w", err)
	}
	for model, r := range f.Models {
		if r.InputMicros < 0 || r.OutputMicros < 0 {
			return fmt.Errorf("pricing for %s: negative rate", model)
		}
		t.rates[strings.ToLower(model)] = r
	}
	return nil
}
