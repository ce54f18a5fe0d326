// Package coreconfig loads and merges the repair core's configuration.
// There is no process-wide mutable config state: a CoreConfig value is
// constructed once (via Load or Default) and passed into the Repair
// Manager constructor; components that need a subset receive typed
// slices of it.
package coreconfig

import (
	"encoding/json"
	"fmt"
	"os"

	"dario.cat/mergo"

	"github.com/sessionmend/sessionmend/internal/coreerrors"
)

// RankingConfig controls Repair Engine candidate scoring.
type RankingConfig struct {
	WeightContent         float64 `json:"weightContent"`
	WeightTemporal        float64 `json:"weightTemporal"`
	WeightRole            float64 `json:"weightRole"`
	TemporalWindowSeconds int     `json:"temporalWindowSeconds"`
	MinScoreFloor         float64 `json:"minScoreFloor"`
	MaxCandidates         int     `json:"maxCandidates"`
}

// CorruptionConfig controls Analyzer corruption scoring.
type CorruptionConfig struct {
	WeightMissingParent        float64  `json:"weightMissingParent"`
	WeightTimestampViolation   float64  `json:"weightTimestampViolation"`
	WeightDisconnectedSidechain float64 `json:"weightDisconnectedSidechain"`
	WeightContentMarker        float64  `json:"weightContentMarker"`
	Markers                    []string `json:"markers"`
}

// DedupConfig controls the Duplicate Detector's OOM guard.
type DedupConfig struct {
	MaxDuplicateBlocks int `json:"maxDuplicateBlocks"`
}

// StorageConfig selects and configures the persistence provider.
type StorageConfig struct {
	BackupRoot           string `json:"backupRoot"`
	StateRoot            string `json:"stateRoot"`
	EventStoreDSN        string `json:"eventStoreDsn"`
	BackupRetentionCount int    `json:"backupRetentionCount"`
}

// ReplayConfig controls Event-Store Provider replay/caching behavior.
type ReplayConfig struct {
	CacheTTLSeconds   int  `json:"cacheTtlSeconds"`
	DegradedFailFast  bool `json:"degradedFailFast"`
}

// RepairConfig controls repair validation policy left open by the spec.
type RepairConfig struct {
	// AllowedRoleTransitions, when non-empty, restricts which
	// old-role -> new-role transitions a repair_role event may apply.
	// Empty means "all transitions allowed" (the spec's default since
	// the source text explicitly defers this decision).
	AllowedRoleTransitions map[string][]string `json:"allowedRoleTransitions,omitempty"`
}

// CoreConfig is the complete, immutable configuration for one Repair
// Manager instance.
type CoreConfig struct {
	Ranking    RankingConfig    `json:"ranking"`
	Corruption CorruptionConfig `json:"corruption"`
	Dedup      DedupConfig      `json:"dedup"`
	Storage    StorageConfig    `json:"storage"`
	Replay     ReplayConfig     `json:"replay"`
	Repair     RepairConfig     `json:"repair"`
}

// Default returns the configuration defaults enumerated in the external
// interfaces contract.
func Default() *CoreConfig {
	return &CoreConfig{
		Ranking: RankingConfig{
			WeightContent:         0.5,
			WeightTemporal:        0.3,
			WeightRole:            0.2,
			TemporalWindowSeconds: 300,
			MinScoreFloor:         0.2,
			MaxCandidates:         5,
		},
		Corruption: CorruptionConfig{
			WeightMissingParent:         0.40,
			WeightTimestampViolation:    0.20,
			WeightDisconnectedSidechain: 0.30,
			WeightContentMarker:         0.10,
			Markers:                     []string{"[resume failed]", "<<RESUME_INCOMPLETE>>"},
		},
		Dedup: DedupConfig{
			MaxDuplicateBlocks: 10000,
		},
		Storage: StorageConfig{
			BackupRetentionCount: 10,
		},
		Replay: ReplayConfig{
			CacheTTLSeconds:  300,
			DegradedFailFast: false,
		},
	}
}

// Load reads a JSON configuration file at path and merges it over
// Default(), exactly as the teacher's internal/config.Load merges
// goclaw.json over code defaults using dario.cat/mergo. A missing file
// is not an error: Default() is returned unchanged.
func Load(path string) (*CoreConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, coreerrors.Wrap(err, coreerrors.KindConfigError, "failed to read config file")
	}

	var loaded CoreConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.KindConfigError, "failed to parse config file")
	}

	if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.KindConfigError, "failed to merge config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the internal consistency rules the external-interfaces
// contract requires (ranking weights sum to 1.0 within epsilon).
func (c *CoreConfig) Validate() error {
	const epsilon = 1e-6
	sum := c.Ranking.WeightContent + c.Ranking.WeightTemporal + c.Ranking.WeightRole
	if diff := sum - 1.0; diff > epsilon || diff < -epsilon {
		return coreerrors.Newf(coreerrors.KindConfigError,
			"ranking weights must sum to 1.0 (got %.4f)", sum)
	}
	return nil
}

// String renders a compact summary, useful for startup logging.
func (c *CoreConfig) String() string {
	return fmt.Sprintf("ranking{content=%.2f temporal=%.2f role=%.2f} storage{backup=%q state=%q dsn=%q}",
		c.Ranking.WeightContent, c.Ranking.WeightTemporal, c.Ranking.WeightRole,
		c.Storage.BackupRoot, c.Storage.StateRoot, c.Storage.EventStoreDSN)
}
