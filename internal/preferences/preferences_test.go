package preferences

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), p)
	require.False(t, p.OnboardingComplete)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "preferences.json")
	p := Preferences{
		OnboardingComplete: true,
		DeviceName:         "north-field-3",
		RootDepthCM:        45,
		Crop:               "tomato",
		Soil:               "clay_loam",
		FarmerName:         "Ada",
	}
	require.NoError(t, Save(path, p))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preferences.json")
	require.NoError(t, Save(path, Defaults()))
	updated := Defaults()
	updated.Crop = "maize"
	require.NoError(t, Save(path, updated))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "maize", got.Crop)
}
