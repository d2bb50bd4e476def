package vinyl

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is a package-level singleton, mirroring the one-validator-per-process
// convention the rest of the engine uses for its request structs.
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Config holds the scheduler's tunable knobs.
type Config struct {
	// WriteThreads is the total size of the combined dump+compact worker
	// pools. Must be > 1: one thread alone cannot host both pools.
	WriteThreads int `yaml:"write_threads" validate:"gt=1"`

	// BloomFalsePositiveRate is the default bloom filter FPR for new runs,
	// overridable per LSM tree via PolicyOverrides.
	BloomFalsePositiveRate float64 `yaml:"bloom_fpr" validate:"gt=0,lt=1"`

	// PageSize is the default on-disk page size in bytes for the run writer.
	PageSize int `yaml:"page_size" validate:"gt=0"`

	// MaxRunsPerLevel bounds compaction fan-in.
	MaxRunsPerLevel int `yaml:"max_runs_per_level" validate:"gt=0"`

	// DeferredDeleteBatchMax is VY_DEFERRED_DELETE_BATCH_MAX.
	DeferredDeleteBatchMax int `yaml:"deferred_delete_batch_max" validate:"gt=0"`

	// MaxInProgressBatches is MAX_IN_PROGRESS: the backpressure threshold.
	MaxInProgressBatches int `yaml:"max_in_progress_batches" validate:"gt=0"`

	// YieldLoops is the number of appended statements between cooperative
	// yield/cancellation checks in the run writer.
	YieldLoops int `yaml:"yield_loops" validate:"gt=0"`

	// ThrottleMin/ThrottleMax clamp the error-throttle backoff.
	ThrottleMin time.Duration `yaml:"throttle_min" validate:"required"`
	ThrottleMax time.Duration `yaml:"throttle_max" validate:"required"`

	// DataDir is where metadata-log segments and run files live.
	DataDir string `yaml:"data_dir" validate:"required"`

	// PolicyOverrides lets individual LSM trees deviate from the defaults
	// above (bloom FPR, page size, run-count ceiling). Keyed by LSM tree
	// name.
	PolicyOverrides map[string]PolicyOverride `yaml:"policy_overrides"`
}

// PolicyOverride narrows Config's defaults to one LSM tree.
type PolicyOverride struct {
	BloomFalsePositiveRate *float64 `yaml:"bloom_fpr"`
	PageSize               *int     `yaml:"page_size"`
	MaxRunsPerLevel        *int     `yaml:"max_runs_per_level"`
}

// DefaultConfig returns the scheduler defaults used when no YAML overrides
// are supplied.
func DefaultConfig(dataDir string) Config {
	return Config{
		WriteThreads:           4,
		BloomFalsePositiveRate: 0.01,
		PageSize:               4096,
		MaxRunsPerLevel:        4,
		DeferredDeleteBatchMax: 100,
		MaxInProgressBatches:   10,
		YieldLoops:             32,
		ThrottleMin:            1 * time.Second,
		ThrottleMax:            60 * time.Second,
		DataDir:                dataDir,
	}
}

// LoadConfig reads and validates a YAML config file, filling in defaults
// for anything the file leaves zero.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig("")

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the struct tags above and a couple of cross-field rules
// the tags can't express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}
	if c.ThrottleMin > c.ThrottleMax {
		return fmt.Errorf("invalid scheduler config: throttle_min %s exceeds throttle_max %s", c.ThrottleMin, c.ThrottleMax)
	}
	return nil
}

// policyFor resolves the effective bloom FPR / page size / run-count ceiling
// for a given LSM tree name, applying any PolicyOverride.
func (c Config) policyFor(name string) Policy {
	p := Policy{
		BloomFPR:        c.BloomFalsePositiveRate,
		PageSize:        c.PageSize,
		MaxRunsPerLevel: c.MaxRunsPerLevel,
	}
	override, ok := c.PolicyOverrides[name]
	if !ok {
		return p
	}
	if override.BloomFalsePositiveRate != nil {
		p.BloomFPR = *override.BloomFalsePositiveRate
	}
	if override.PageSize != nil {
		p.PageSize = *override.PageSize
	}
	if override.MaxRunsPerLevel != nil {
		p.MaxRunsPerLevel = *override.MaxRunsPerLevel
	}
	return p
}

// Policy is the per-LSM-tree policy snapshot a task carries.
type Policy struct {
	BloomFPR        float64
	PageSize        int
	MaxRunsPerLevel int
}
