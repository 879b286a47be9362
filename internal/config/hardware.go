package config

import (
	"bufio"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/errs"
)

// HardwareInfo describes the detected host resources.
type HardwareInfo struct {
	TotalRAMMB int
	CPUCount   int
	// GPUMemoryMB is the accelerator memory budget made available to the
	// inference endpoint, taken from config rather than probed: the engine
	// talks to model servers over the wire and cannot see their devices.
	GPUMemoryMB int
}

// Profile fixes the model/resource choices for a hardware tier.
type Profile struct {
	Name           string
	EmbeddingModel string
	FallbackModel  string
	Dimension      int
	BatchSize      int
	IndexMemoryMB  int
	RerankEnabled  bool

	minRAMMB int
	minCPUs  int
}

// Profiles ordered best-first; ResolveProfile picks the first one whose
// minimums are satisfied.
var profiles = []Profile{
	{
		Name:           "high_performance",
		EmbeddingModel: "qwen3-embedding-0.6b",
		FallbackModel:  "paraphrase-multilingual-minilm-l12-v2",
		Dimension:      1024,
		BatchSize:      64,
		IndexMemoryMB:  2048,
		RerankEnabled:  true,
		minRAMMB:       16 * 1024,
		minCPUs:        8,
	},
	{
		Name:           "standard",
		EmbeddingModel: "qwen3-embedding-0.6b",
		FallbackModel:  "paraphrase-multilingual-minilm-l12-v2",
		Dimension:      1024,
		BatchSize:      32,
		IndexMemoryMB:  1024,
		RerankEnabled:  true,
		minRAMMB:       8 * 1024,
		minCPUs:        4,
	},
	{
		Name:           "low_memory",
		EmbeddingModel: "paraphrase-multilingual-minilm-l12-v2",
		FallbackModel:  "paraphrase-multilingual-minilm-l12-v2",
		Dimension:      384,
		BatchSize:      16,
		IndexMemoryMB:  256,
		RerankEnabled:  false,
		minRAMMB:       4 * 1024,
		minCPUs:        2,
	},
	{
		Name:           "fallback",
		EmbeddingModel: "paraphrase-multilingual-minilm-l12-v2",
		FallbackModel:  "paraphrase-multilingual-minilm-l12-v2",
		Dimension:      384,
		BatchSize:      8,
		IndexMemoryMB:  128,
		RerankEnabled:  false,
		minRAMMB:       1024,
		minCPUs:        1,
	},
}

// DetectHardware probes host RAM and CPU count.
func DetectHardware(gpuMemoryMB int) HardwareInfo {
	return HardwareInfo{
		TotalRAMMB:  totalRAMMB(),
		CPUCount:    runtime.NumCPU(),
		GPUMemoryMB: gpuMemoryMB,
	}
}

// ResolveProfile selects the best profile the hardware supports.
func ResolveProfile(hw HardwareInfo) (Profile, error) {
	for _, p := range profiles {
		if hw.TotalRAMMB >= p.minRAMMB && hw.CPUCount >= p.minCPUs {
			return p, nil
		}
	}
	return Profile{}, &errs.HardwareIncompatibleError{TotalRAMMB: hw.TotalRAMMB, CPUCount: hw.CPUCount}
}

// ProfileByName returns a named profile for explicit overrides.
func ProfileByName(name string) (Profile, bool) {
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// ApplyProfile resolves and applies a performance profile to the config.
// Explicit config values win over profile defaults only where the user
// set them away from the package defaults.
func (c *Config) ApplyProfile() (Profile, error) {
	var (
		p  Profile
		ok bool
	)
	if c.Profile != "" {
		p, ok = ProfileByName(c.Profile)
	}
	if !ok {
		hw := DetectHardware(c.Index.GPUMemoryLimitMB)
		resolved, err := ResolveProfile(hw)
		if err != nil {
			return Profile{}, err
		}
		p = resolved
		slog.Info("hardware profile resolved",
			"profile", p.Name,
			"ram_mb", hw.TotalRAMMB,
			"cpus", hw.CPUCount)
	}

	def := Default()
	if c.Embedding.Model == def.Embedding.Model {
		c.Embedding.Model = p.EmbeddingModel
	}
	if c.Embedding.FallbackModel == def.Embedding.FallbackModel {
		c.Embedding.FallbackModel = p.FallbackModel
	}
	if c.Embedding.Dimension == def.Embedding.Dimension {
		c.Embedding.Dimension = p.Dimension
	}
	if c.Embedding.BatchSize == def.Embedding.BatchSize {
		c.Embedding.BatchSize = p.BatchSize
	}
	if c.Index.MemoryLimitMB == def.Index.MemoryLimitMB {
		c.Index.MemoryLimitMB = p.IndexMemoryMB
	}
	if !p.RerankEnabled {
		c.Rerank.Enabled = false
	}
	c.Profile = p.Name
	return p, nil
}

// totalRAMMB reads total memory from /proc/meminfo, returning a
// conservative default on platforms without it.
func totalRAMMB() int {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 8 * 1024
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			break
		}
		return kb / 1024
	}
	return 8 * 1024
}
