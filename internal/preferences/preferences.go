// Package preferences persists the small user-facing preferences file
// written during the onboarding flow: the farmer's crop and
// soil choice, root depth, and device identity. Unlike TuningConfig
// this file is meant to be hand-edited or set once via the setup UI,
// not tuned at runtime.
package preferences

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agriscan/node/internal/security"
)

// Preferences is the on-disk user-preferences document.
type Preferences struct {
	OnboardingComplete bool    `json:"onboarding_complete"`
	DeviceName         string  `json:"device_name"`
	RootDepthCM        float64 `json:"root_depth_cm"`
	Crop               string  `json:"crop"`
	Soil               string  `json:"soil"`
	SetupDate          string  `json:"setup_date,omitempty"`
	PlantingTS         int64   `json:"planting_ts,omitempty"`
	FarmerName         string  `json:"farmer_name,omitempty"`
	Notes              string  `json:"notes,omitempty"`
}

// Defaults returns the preferences document for a node that has not yet
// completed onboarding.
func Defaults() Preferences {
	return Preferences{
		OnboardingComplete: false,
		DeviceName:         "agriscan-node",
		RootDepthCM:        30.0,
		Crop:               "generic",
		Soil:               "loam",
	}
}

// Load reads preferences from path, returning Defaults() if the file does
// not yet exist (first boot, before onboarding).
func Load(path string) (Preferences, error) {
	if err := security.ValidateExportPath(filepath.Clean(path)); err != nil {
		return Preferences{}, fmt.Errorf("preferences path rejected: %w", err)
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Defaults(), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("read preferences file: %w", err)
	}
	var p Preferences
	if err := json.Unmarshal(data, &p); err != nil {
		return Preferences{}, fmt.Errorf("parse preferences file: %w", err)
	}
	return p, nil
}

// Save writes preferences to path as indented JSON, creating parent
// directories as needed.
func Save(path string, p Preferences) error {
	if err := security.ValidateExportPath(filepath.Clean(path)); err != nil {
		return fmt.Errorf("preferences path rejected: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create preferences directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write preferences file: %w", err)
	}
	return nil
}
