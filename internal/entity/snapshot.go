package entity

import "time"

// BucketSnapshot is one generation of day buckets for one window (a calendar day),
// one bucket set per fallback mode. Snapshots are immutable once published.
type BucketSnapshot struct {
	Window     Window
	Generation int64
	// SourceReadAt is when the builder started reading the source orders.
	SourceReadAt time.Time
	BuiltAt      time.Time
	Sets         map[FallbackMode][]AggregationBucket
}

// Rows is the number of buckets across all modes.
func (s *BucketSnapshot) Rows() int {
	n := 0
	for _, set := range s.Sets {
		n += len(set)
	}
	return n
}

// GenerationRef locates a persisted bucket generation.
type GenerationRef struct {
	Window     Window
	Generation int64
	Dir        string
	Files      []string
}
