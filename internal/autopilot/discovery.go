package autopilot

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"perp-risk-agent/internal/exchange"
)

// Candidate is one trade expression proposed by discovery.
type Candidate struct {
	Symbol           string        `json:"symbol" yaml:"symbol"`
	Side             exchange.Side `json:"side" yaml:"side"`
	SignalClass      string        `json:"signal_class,omitempty" yaml:"signal_class"`
	MarketRegime     string        `json:"market_regime,omitempty" yaml:"market_regime"`
	VolatilityBucket string        `json:"volatility_bucket,omitempty" yaml:"volatility_bucket"`
	LiquidityBucket  string        `json:"liquidity_bucket,omitempty" yaml:"liquidity_bucket"`
	ExpectedEdge     float64       `json:"expected_edge" yaml:"expected_edge"`
	Confidence       float64       `json:"confidence" yaml:"confidence"`
	Fingerprint      string        `json:"fingerprint,omitempty" yaml:"fingerprint"`
}

// Normalize upper-cases symbol and side.
func (c Candidate) Normalize() Candidate {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.Side = exchange.Side(strings.ToUpper(strings.TrimSpace(string(c.Side))))
	return c
}

// Validate reports why a candidate cannot be traded.
func (c Candidate) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("candidate has no symbol")
	}
	if !c.Side.Valid() {
		return fmt.Errorf("candidate %s has invalid side %q", c.Symbol, c.Side)
	}
	if math.IsNaN(c.ExpectedEdge) || math.IsInf(c.ExpectedEdge, 0) {
		return fmt.Errorf("candidate %s has non-finite expected edge", c.Symbol)
	}
	return nil
}

// EffectiveConfidence returns the confidence used for leverage; values
// outside (0,1] count as full confidence.
func (c Candidate) EffectiveConfidence() float64 {
	if math.IsNaN(c.Confidence) || c.Confidence <= 0 || c.Confidence > 1 {
		return 1
	}
	return c.Confidence
}

// Discovery produces candidates for one scan.
type Discovery interface {
	Candidates(ctx context.Context) ([]Candidate, error)
}

// StaticDiscovery returns a fixed list that can be replaced at runtime.
type StaticDiscovery struct {
	mu         sync.RWMutex
	candidates []Candidate
}

// NewStaticDiscovery creates a discovery returning candidates.
func NewStaticDiscovery(candidates ...Candidate) *StaticDiscovery {
	return &StaticDiscovery{candidates: candidates}
}

// Set replaces the candidate list.
func (d *StaticDiscovery) Set(candidates []Candidate) {
	d.mu.Lock()
	d.candidates = candidates
	d.mu.Unlock()
}

func (d *StaticDiscovery) Candidates(ctx context.Context) ([]Candidate, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Candidate, len(d.candidates))
	copy(out, d.candidates)
	return out, nil
}

// FileDiscovery reads candidates from a JSON or YAML file on every call, so
// an operator or an external signal job can rewrite it between scans.
type FileDiscovery struct {
	path string
}

// NewFileDiscovery creates a discovery reading path.
func NewFileDiscovery(path string) *FileDiscovery {
	return &FileDiscovery{path: path}
}

type candidateFile struct {
	Candidates []Candidate `json:"candidates" yaml:"candidates"`
}

// Candidates parses the file. Both a bare list and {"candidates": [...]}
// are accepted.
func (d *FileDiscovery) Candidates(ctx context.Context) ([]Candidate, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, fmt.Errorf("read candidates file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	ext := strings.ToLower(filepath.Ext(d.path))
	isYAML := ext == ".yaml" || ext == ".yml"

	var list []Candidate
	if isYAML {
		if err := yaml.Unmarshal(data, &list); err != nil {
			var wrapped candidateFile
			if werr := yaml.Unmarshal(data, &wrapped); werr != nil {
				return nil, fmt.Errorf("parse candidates file %s: %w", d.path, err)
			}
			list = wrapped.Candidates
		}
		return list, nil
	}

	if err := json.Unmarshal(data, &list); err != nil {
		var wrapped candidateFile
		if werr := json.Unmarshal(data, &wrapped); werr != nil {
			return nil, fmt.Errorf("parse candidates file %s: %w", d.path, err)
		}
		list = wrapped.Candidates
	}
	return list, nil
}
