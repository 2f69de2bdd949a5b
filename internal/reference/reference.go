// Package reference loads the crop and soil-texture lookup table read
// once at boot. It supplies the van Genuchten defaults and
// root-depth hints a node falls back to before auto-calibration has
// produced its own fit.
package reference

import (
	"encoding/json"
	"fmt"

	"github.com/agriscan/node/internal/fsutil"
	"github.com/agriscan/node/internal/hydraulics"
	"github.com/agriscan/node/internal/security"
)

// SoilTexture names one entry of the built-in soil lookup table.
type SoilTexture struct {
	Name   string             `json:"name"`
	Params hydraulics.Params  `json:"params"`
}

// Crop names one entry of the built-in crop lookup table.
type Crop struct {
	Name              string  `json:"name"`
	DefaultRootDepthCM float64 `json:"default_root_depth_cm"`
	AllowableDepletion float64 `json:"allowable_depletion"` // fraction of TAW (p) before stress
}

// Table is the full reference dataset read at boot.
type Table struct {
	Soils []SoilTexture `json:"soils"`
	Crops []Crop        `json:"crops"`
}

// Default returns the built-in table, used when no reference file is
// supplied or the file fails to parse.
func Default() Table {
	return Table{
		Soils: []SoilTexture{
			{Name: "sand", Params: hydraulics.Params{ThetaR: 0.045, ThetaS: 0.43, Alpha: 0.145, N: 2.68, Ks: 712.8}},
			{Name: "sandy_loam", Params: hydraulics.Params{ThetaR: 0.065, ThetaS: 0.41, Alpha: 0.075, N: 1.89, Ks: 106.1}},
			{Name: "loam", Params: hydraulics.Loam()},
			{Name: "silt_loam", Params: hydraulics.Params{ThetaR: 0.067, ThetaS: 0.45, Alpha: 0.020, N: 1.41, Ks: 45.0}},
			{Name: "clay_loam", Params: hydraulics.Params{ThetaR: 0.095, ThetaS: 0.41, Alpha: 0.019, N: 1.31, Ks: 6.2}},
			{Name: "clay", Params: hydraulics.Params{ThetaR: 0.068, ThetaS: 0.38, Alpha: 0.008, N: 1.09, Ks: 2.0}},
		},
		Crops: []Crop{
			{Name: "tomato", DefaultRootDepthCM: 45, AllowableDepletion: 0.40},
			{Name: "maize", DefaultRootDepthCM: 100, AllowableDepletion: 0.55},
			{Name: "lettuce", DefaultRootDepthCM: 20, AllowableDepletion: 0.30},
			{Name: "grape", DefaultRootDepthCM: 120, AllowableDepletion: 0.45},
			{Name: "generic", DefaultRootDepthCM: 30, AllowableDepletion: 0.50},
		},
	}
}

// Load reads a reference table from a JSON file at path, falling back to
// the compiled-in Default if the file does not exist. Equivalent to
// LoadFS with the real OS filesystem.
func Load(path string) (Table, error) {
	return LoadFS(fsutil.OSFileSystem{}, path)
}

// LoadFS reads a reference table through fsys, so tests can substitute
// fsutil.MemoryFileSystem for the on-disk file. path must resolve
// within the working directory or the system temp directory.
func LoadFS(fsys fsutil.FileSystem, path string) (Table, error) {
	if err := security.ValidateExportPath(path); err != nil {
		return Table{}, fmt.Errorf("reference path rejected: %w", err)
	}
	if !fsys.Exists(path) {
		return Default(), nil
	}
	data, err := fsys.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read reference file: %w", err)
	}
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("parse reference file: %w", err)
	}
	if len(t.Soils) == 0 {
		t.Soils = Default().Soils
	}
	if len(t.Crops) == 0 {
		t.Crops = Default().Crops
	}
	return t, nil
}

// Soil looks up a soil texture by name, falling back to loam if unknown.
func (t Table) Soil(name string) hydraulics.Params {
	for _, s := range t.Soils {
		if s.Name == name {
			return s.Params
		}
	}
	return hydraulics.Loam()
}

// CropByName looks up a crop by name, falling back to "generic" if unknown.
func (t Table) CropByName(name string) Crop {
	for _, c := range t.Crops {
		if c.Name == name {
			return c
		}
	}
	for _, c := range t.Crops {
		if c.Name == "generic" {
			return c
		}
	}
	return Crop{Name: "generic", DefaultRootDepthCM: 30, AllowableDepletion: 0.50}
}
