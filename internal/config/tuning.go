package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/agriscan/node/internal/fsutil"
	"github.com/agriscan/node/internal/security"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root tuning configuration, read at startup
// from an operator-supplied JSON file. The /api/config endpoints serve
// the user preferences, not this struct. Every field
// is a pointer so a partial JSON document — or none at all — still
// yields a fully usable config via the Get* accessors.
type TuningConfig struct {
	// Acquisition cadence and batching.
	SampleCadenceS *int `json:"sample_cadence_s,omitempty"`
	BatchSize      *int `json:"batch_size,omitempty"`

	// Site parameters.
	RootDepthCM    *float64 `json:"root_depth_cm,omitempty"`
	SimulationMode *bool    `json:"simulation_mode,omitempty"`

	// Calibration / QC thresholds.
	ThetaMin     *float64 `json:"theta_min,omitempty"`
	ThetaMax     *float64 `json:"theta_max,omitempty"`
	SpikeZThresh *float64 `json:"spike_z_thresh,omitempty"`
	StuckEps     *float64 `json:"stuck_eps,omitempty"`
	StuckMinHold *int     `json:"stuck_min_hold,omitempty"`
	TempMin      *float64 `json:"temp_min_c,omitempty"`
	TempMax      *float64 `json:"temp_max_c,omitempty"`

	// Wetting-event and plateau detection.
	WetJumpThresh       *float64 `json:"wet_jump_thresh,omitempty"`
	MinEventSeparationS *int64   `json:"min_event_separation_s,omitempty"`
	SlopeWindowS        *int64   `json:"slope_window_s,omitempty"`
	SMin                *float64 `json:"s_min,omitempty"`
	HoldHours           *float64 `json:"hold_hours,omitempty"`

	// Auto-calibration.
	NInit            *int     `json:"n_init,omitempty"`
	PostEventIgnoreS *int64   `json:"post_event_ignore_s,omitempty"`
	FCUpdateLambda   *float64 `json:"fc_update_lambda,omitempty"`
	EtaRefill        *float64 `json:"eta_refill,omitempty"`
	RefillWindowS    *int64   `json:"refill_window_s,omitempty"`
	EventTarget      *int     `json:"event_target,omitempty"`

	// Status hysteresis.
	RefillHysteresis *float64 `json:"refill_hysteresis,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file supplied by an
// operator (a CLI flag or a config management tool), so path is
// validated against path traversal before ever touching the
// filesystem. Fields omitted from the JSON file retain their default
// values, so partial configs are safe. Equivalent to LoadTuningConfigFS
// with the real OS filesystem.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	return LoadTuningConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadTuningConfigFS loads a TuningConfig through fsys, so tests can
// substitute fsutil.MemoryFileSystem for the on-disk file. path must
// resolve within the working directory or the system temp directory.
func LoadTuningConfigFS(fsys fsutil.FileSystem, path string) (*TuningConfig, error) {
	if err := security.ValidateExportPath(filepath.Clean(path)); err != nil {
		return nil, fmt.Errorf("config path rejected: %w", err)
	}
	return readTuningConfig(fsys, path)
}

func readTuningConfig(fsys fsutil.FileSystem, path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath. It searches for the file in the current directory
// and common parent directories, so it bypasses the operator-path
// validation LoadTuningConfig applies: these candidates are fixed
// constants, not attacker- or operator-supplied input. Panics if the
// file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	fsys := fsutil.OSFileSystem{}
	for _, path := range candidates {
		if cfg, err := readTuningConfig(fsys, path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are internally consistent.
func (c *TuningConfig) Validate() error {
	if c.SampleCadenceS != nil && *c.SampleCadenceS <= 0 {
		return fmt.Errorf("sample_cadence_s must be positive, got %d", *c.SampleCadenceS)
	}
	if c.BatchSize != nil && *c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", *c.BatchSize)
	}
	if c.RootDepthCM != nil && *c.RootDepthCM <= 0 {
		return fmt.Errorf("root_depth_cm must be positive, got %f", *c.RootDepthCM)
	}
	if c.ThetaMin != nil && c.ThetaMax != nil && *c.ThetaMin >= *c.ThetaMax {
		return fmt.Errorf("theta_min must be less than theta_max")
	}
	if c.SpikeZThresh != nil && *c.SpikeZThresh <= 0 {
		return fmt.Errorf("spike_z_thresh must be positive, got %f", *c.SpikeZThresh)
	}
	return nil
}

func (c *TuningConfig) GetSampleCadenceS() int {
	if c.SampleCadenceS == nil {
		return 900 // 15 minutes
	}
	return *c.SampleCadenceS
}

func (c *TuningConfig) GetBatchSize() int {
	if c.BatchSize == nil {
		return 6
	}
	return *c.BatchSize
}

func (c *TuningConfig) GetRootDepthCM() float64 {
	if c.RootDepthCM == nil {
		return 30.0
	}
	return *c.RootDepthCM
}

func (c *TuningConfig) GetSimulationMode() bool {
	if c.SimulationMode == nil {
		return false
	}
	return *c.SimulationMode
}

func (c *TuningConfig) GetThetaMin() float64 {
	if c.ThetaMin == nil {
		return 0
	}
	return *c.ThetaMin
}

func (c *TuningConfig) GetThetaMax() float64 {
	if c.ThetaMax == nil {
		return 0.50
	}
	return *c.ThetaMax
}

func (c *TuningConfig) GetSpikeZThresh() float64 {
	if c.SpikeZThresh == nil {
		return 6.0
	}
	return *c.SpikeZThresh
}

func (c *TuningConfig) GetStuckEps() float64 {
	if c.StuckEps == nil {
		return 0.001
	}
	return *c.StuckEps
}

func (c *TuningConfig) GetStuckMinHold() int {
	if c.StuckMinHold == nil {
		return 10
	}
	return *c.StuckMinHold
}

func (c *TuningConfig) GetTempMin() float64 {
	if c.TempMin == nil {
		return -10.0
	}
	return *c.TempMin
}

func (c *TuningConfig) GetTempMax() float64 {
	if c.TempMax == nil {
		return 60.0
	}
	return *c.TempMax
}

func (c *TuningConfig) GetWetJumpThresh() float64 {
	if c.WetJumpThresh == nil {
		return 0.02
	}
	return *c.WetJumpThresh
}

func (c *TuningConfig) GetMinEventSeparationS() int64 {
	if c.MinEventSeparationS == nil {
		return 12 * 3600
	}
	return *c.MinEventSeparationS
}

func (c *TuningConfig) GetSlopeWindowS() int64 {
	if c.SlopeWindowS == nil {
		return 2 * 3600
	}
	return *c.SlopeWindowS
}

func (c *TuningConfig) GetSMin() float64 {
	if c.SMin == nil {
		return 0.0005
	}
	return *c.SMin
}

func (c *TuningConfig) GetHoldHours() float64 {
	if c.HoldHours == nil {
		return 8.0
	}
	return *c.HoldHours
}

func (c *TuningConfig) GetNInit() int {
	if c.NInit == nil {
		return 96
	}
	return *c.NInit
}

func (c *TuningConfig) GetPostEventIgnoreS() int64 {
	if c.PostEventIgnoreS == nil {
		return 3600
	}
	return *c.PostEventIgnoreS
}

func (c *TuningConfig) GetFCUpdateLambda() float64 {
	if c.FCUpdateLambda == nil {
		return 0.25
	}
	return *c.FCUpdateLambda
}

func (c *TuningConfig) GetEtaRefill() float64 {
	if c.EtaRefill == nil {
		return 0.5
	}
	return *c.EtaRefill
}

func (c *TuningConfig) GetRefillWindowS() int64 {
	if c.RefillWindowS == nil {
		return 30 * 24 * 3600
	}
	return *c.RefillWindowS
}

func (c *TuningConfig) GetEventTarget() int {
	if c.EventTarget == nil {
		return 8
	}
	return *c.EventTarget
}

func (c *TuningConfig) GetRefillHysteresis() float64 {
	if c.RefillHysteresis == nil {
		return 0.01
	}
	return *c.RefillHysteresis
}

// GetSampleCadence returns the sample cadence as a time.Duration.
func (c *TuningConfig) GetSampleCadence() time.Duration {
	return time.Duration(c.GetSampleCadenceS()) * time.Second
}
