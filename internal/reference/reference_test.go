package reference

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultTableHasLoamAndGeneric(t *testing.T) {
	tbl := Default()
	require.NotEmpty(t, tbl.Soils)
	require.NotEmpty(t, tbl.Crops)

	loam := tbl.Soil("loam")
	require.InDelta(t, 0.43, loam.ThetaS, 1e-9)
}

func TestSoilFallsBackToLoamWhenUnknown(t *testing.T) {
	tbl := Default()
	got := tbl.Soil("does-not-exist")
	require.InDelta(t, 0.43, got.ThetaS, 1e-9)
}

func TestCropByNameFallsBackToGeneric(t *testing.T) {
	tbl := Default()
	got := tbl.CropByName("does-not-exist")
	require.Equal(t, "generic", got.Name)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	tbl, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, Default(), tbl)
}

func TestLoadParsesCustomFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reference.json")
	body := `{"soils":[{"name":"custom","params":{"theta_r":0.05,"theta_s":0.40,"alpha":0.03,"n":1.5,"ks":10}}],"crops":[{"name":"generic","default_root_depth_cm":30,"allowable_depletion":0.5}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	tbl, err := Load(path)
	require.NoError(t, err)
	custom := tbl.Soil("custom")
	require.InDelta(t, 0.40, custom.ThetaS, 1e-9)
}
