package config

import "strings"

// normalize applies defaults and clamps after parsing. Out-of-range values
// are pulled back into their valid range rather than rejected so a partial
// config file still yields a runnable engine.
func (c *Config) normalize() {
	if c.MaxConcurrentQueries <= 0 {
		c.MaxConcurrentQueries = 4
	}
	if c.MaxConcurrentQueries > 64 {
		c.MaxConcurrentQueries = 64
	}
	if c.RetentionDays < 0 {
		c.RetentionDays = 0
	}

	e := &c.Embedding
	if e.BatchSize <= 0 {
		e.BatchSize = 32
	}
	if e.Dimension <= 0 {
		e.Dimension = 1024
	}
	e.Device = strings.ToLower(strings.TrimSpace(e.Device))
	switch e.Device {
	case "", "auto", "gpu", "cpu":
	default:
		e.Device = "auto"
	}
	if e.CPUOnly {
		e.Device = "cpu"
	}

	r := &c.Rerank
	if r.MaxCandidates <= 0 {
		r.MaxCandidates = 50
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 8
	}
	if r.APIBase == "" {
		r.APIBase = c.Embedding.APIBase
	}
	if r.APIKey == "" {
		r.APIKey = c.Embedding.APIKey
	}

	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 300
	}
	if c.Cache.MaxSizeMB <= 0 {
		c.Cache.MaxSizeMB = 8
	}

	ix := &c.Index
	if ix.SaveEvery <= 0 {
		ix.SaveEvery = 100
	}
	if ix.MemoryLimitMB <= 0 {
		ix.MemoryLimitMB = 1024
	}
	if ix.HNSWM < 2 {
		ix.HNSWM = 16
	}
	if ix.HNSWEF < 16 {
		ix.HNSWEF = 100
	}

	s := &c.Segmentation
	s.Strategy = strings.ToLower(strings.TrimSpace(s.Strategy))
	switch s.Strategy {
	case "time_only", "semantic_only", "hybrid", "adaptive":
	default:
		s.Strategy = "adaptive"
	}
	di := &s.DynamicInterval
	if di.MinMinutes <= 0 {
		di.MinMinutes = 5
	}
	if di.MaxMinutes < di.MinMinutes {
		di.MaxMinutes = 120
	}
	if di.BaseMinutes < di.MinMinutes {
		di.BaseMinutes = di.MinMinutes
	}
	if di.BaseMinutes > di.MaxMinutes {
		di.BaseMinutes = di.MaxMinutes
	}
	if s.SemanticThreshold.SimilarityCutoff <= 0 || s.SemanticThreshold.SimilarityCutoff >= 1 {
		s.SemanticThreshold.SimilarityCutoff = 0.55
	}
	if s.MaxSegmentMessages <= 0 {
		s.MaxSegmentMessages = 50
	}
	if s.MinSegmentMessages <= 0 {
		s.MinSegmentMessages = 3
	}
	if s.ActivityMultiplier <= 0 || s.ActivityMultiplier >= 1 {
		s.ActivityMultiplier = 0.7
	}
}
