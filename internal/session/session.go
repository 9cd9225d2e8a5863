// Package session maps a timestamp to a liquidity session and the size
// weight applied to entries opened in it.
package session

import "time"

// Bucket is a liquidity session.
type Bucket string

const (
	Asia        Bucket = "asia"
	Europe      Bucket = "europe"
	EUUSOverlap Bucket = "eu_us_overlap"
	US          Bucket = "us"
	LateUS      Bucket = "late_us"
	Weekend     Bucket = "weekend"
)

// Buckets lists every session.
var Buckets = []Bucket{Asia, Europe, EUUSOverlap, US, LateUS, Weekend}

// Config holds per-bucket weights. Missing buckets use the defaults.
type Config struct {
	Weights map[Bucket]float64
}

// DefaultWeights are applied when a bucket has no configured weight.
var DefaultWeights = map[Bucket]float64{
	Asia:        0.75,
	Europe:      0.9,
	EUUSOverlap: 1.0,
	US:          0.9,
	LateUS:      0.6,
	Weekend:     0.5,
}

// BucketAt returns the session for t, evaluated in UTC.
func BucketAt(t time.Time) Bucket {
	u := t.UTC()
	if wd := u.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return Weekend
	}
	switch h := u.Hour(); {
	case h < 7:
		return Asia
	case h < 13:
		return Europe
	case h < 17:
		return EUUSOverlap
	case h < 21:
		return US
	default:
		return LateUS
	}
}

// WeightFor returns the configured weight for b clamped to (0,1].
func (c Config) WeightFor(b Bucket) float64 {
	w, ok := c.Weights[b]
	if !ok || w <= 0 {
		w = DefaultWeights[b]
	}
	if w <= 0 || w > 1 {
		return 1
	}
	return w
}

// Weigh returns the session bucket and weight for t.
func Weigh(t time.Time, cfg Config) (Bucket, float64) {
	b := BucketAt(t)
	return b, cfg.WeightFor(b)
}
