package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/errs"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.VectorEnabled {
		t.Error("vector search disabled by default")
	}
	if cfg.Segmentation.Strategy != "adaptive" {
		t.Errorf("strategy = %q", cfg.Segmentation.Strategy)
	}
	if cfg.MaxConcurrentQueries != 4 {
		t.Errorf("max_concurrent_queries = %d", cfg.MaxConcurrentQueries)
	}
}

func TestLoad_ParsesAndNormalizes(t *testing.T) {
	raw := `
data_dir: /tmp/mem
vector_enabled: false
max_concurrent_queries: 9999
embedding:
  embedding_model: custom-model
  cpu_only: true
cache:
  enabled: true
  ttl_seconds: -5
text_segmentation:
  strategy: bogus
  dynamic_interval:
    min_minutes: 10
    max_minutes: 2
  semantic_threshold:
    similarity_cutoff: 7
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.VectorEnabled {
		t.Error("vector_enabled not honored")
	}
	if cfg.Embedding.Model != "custom-model" {
		t.Errorf("model = %q", cfg.Embedding.Model)
	}
	if cfg.Embedding.Device != "cpu" {
		t.Errorf("cpu_only did not force device, got %q", cfg.Embedding.Device)
	}
	if cfg.MaxConcurrentQueries != 64 {
		t.Errorf("concurrency not clamped: %d", cfg.MaxConcurrentQueries)
	}
	if cfg.Cache.TTLSeconds != 300 {
		t.Errorf("ttl not defaulted: %d", cfg.Cache.TTLSeconds)
	}
	if cfg.Segmentation.Strategy != "adaptive" {
		t.Errorf("bogus strategy kept: %q", cfg.Segmentation.Strategy)
	}
	if cfg.Segmentation.DynamicInterval.MaxMinutes < cfg.Segmentation.DynamicInterval.MinMinutes {
		t.Error("interval ordering not repaired")
	}
	if cut := cfg.Segmentation.SemanticThreshold.SimilarityCutoff; cut <= 0 || cut >= 1 {
		t.Errorf("cutoff not clamped: %v", cut)
	}
	if cfg.DatabasePath() != filepath.Join("/tmp/mem", "memory.db") {
		t.Errorf("database path = %q", cfg.DatabasePath())
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("bad yaml accepted")
	}
	var cerr *errs.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %T, want *errs.ConfigurationError", err)
	}
	if !errors.Is(err, errs.ErrMemorySystem) {
		t.Error("config error does not match ErrMemorySystem")
	}
}

func TestResolveProfile(t *testing.T) {
	cases := []struct {
		ram, cpus int
		want      string
	}{
		{32 * 1024, 16, "high_performance"},
		{8 * 1024, 4, "standard"},
		{4 * 1024, 2, "low_memory"},
		{2 * 1024, 1, "fallback"},
	}
	for _, tc := range cases {
		p, err := ResolveProfile(HardwareInfo{TotalRAMMB: tc.ram, CPUCount: tc.cpus})
		if err != nil {
			t.Fatalf("resolve(%d MB, %d cpus): %v", tc.ram, tc.cpus, err)
		}
		if p.Name != tc.want {
			t.Errorf("resolve(%d MB, %d cpus) = %s, want %s", tc.ram, tc.cpus, p.Name, tc.want)
		}
	}
}

func TestResolveProfile_Incompatible(t *testing.T) {
	_, err := ResolveProfile(HardwareInfo{TotalRAMMB: 256, CPUCount: 1})
	if err == nil {
		t.Fatal("no error for tiny host")
	}
	var herr *errs.HardwareIncompatibleError
	if !errors.As(err, &herr) {
		t.Fatalf("err = %T, want *errs.HardwareIncompatibleError", err)
	}
}

func TestApplyProfile_ExplicitValuesWin(t *testing.T) {
	cfg := Default()
	cfg.Profile = "low_memory"
	cfg.Embedding.Model = "my-own-endpoint-model"

	p, err := cfg.ApplyProfile()
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if p.Name != "low_memory" {
		t.Fatalf("profile = %s", p.Name)
	}
	if cfg.Embedding.Model != "my-own-endpoint-model" {
		t.Errorf("explicit model overwritten: %q", cfg.Embedding.Model)
	}
	if cfg.Embedding.Dimension != 384 {
		t.Errorf("dimension = %d, want profile value 384", cfg.Embedding.Dimension)
	}
	if cfg.Rerank.Enabled {
		t.Error("rerank stayed enabled on low_memory profile")
	}
}
