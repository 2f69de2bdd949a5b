package probe

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
)

func TestFixtureSourceLoopsReadings(t *testing.T) {
	src := NewFixtureSource([]Reading{
		{Raw: 100, TempC: 20},
		{Raw: 200, TempC: 21},
	})
	ctx := context.Background()

	r1, err := src.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, Reading{Raw: 100, TempC: 20}, r1)

	r2, err := src.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, Reading{Raw: 200, TempC: 21}, r2)

	r3, err := src.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, Reading{Raw: 100, TempC: 20}, r3, "must loop back to the first reading")
}

func TestFixtureSourceRejectsEmptySequence(t *testing.T) {
	src := NewFixtureSource(nil)
	_, err := src.Read(context.Background())
	require.Error(t, err)
}

func TestFixtureSourceRespectsCancellation(t *testing.T) {
	src := NewFixtureSource([]Reading{{Raw: 1, TempC: 1}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Read(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoadFixtureFileParsesJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fixture.json")
	body, err := json.Marshal([]Reading{{Raw: 500, TempC: 18.5}, {Raw: 510, TempC: 18.6}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	src, err := LoadFixtureFile(path)
	require.NoError(t, err)
	r, err := src.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, Reading{Raw: 500, TempC: 18.5}, r)
}

func TestLoadFixtureFileRejectsMissingFile(t *testing.T) {
	_, err := LoadFixtureFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLoadFixtureFileRejectsEmptyArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))
	_, err := LoadFixtureFile(path)
	require.Error(t, err)
}

// fakeADC is a minimal ADCDevice stand-in for PeriphSource tests.
type fakeADC struct {
	raw int
	err error
}

func (f *fakeADC) ReadRaw() (int, error) {
	return f.raw, f.err
}

// fakeThermal implements physic.SenseEnv the way ds18b20.Dev and
// aht20.Dev do, without touching real hardware.
type fakeThermal struct {
	tempC float64
	err   error
}

func (f *fakeThermal) Sense(e *physic.Env) error {
	if f.err != nil {
		return f.err
	}
	e.Temperature = physic.Temperature(f.tempC*float64(physic.Kelvin)) + physic.ZeroCelsius
	return nil
}

func (f *fakeThermal) SenseContinuous(time.Duration) (<-chan physic.Env, error) {
	return nil, nil
}

func (f *fakeThermal) Precision(e *physic.Env) {}

var _ physic.SenseEnv = &fakeThermal{}

func TestPeriphSourceCombinesADCAndThermal(t *testing.T) {
	src := NewPeriphSource(&fakeADC{raw: 2048}, &fakeThermal{tempC: 22.5})
	r, err := src.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2048, r.Raw)
	require.InDelta(t, 22.5, r.TempC, 0.01)
}

func TestPeriphSourcePropagatesADCError(t *testing.T) {
	src := NewPeriphSource(&fakeADC{err: context.DeadlineExceeded}, &fakeThermal{tempC: 20})
	_, err := src.Read(context.Background())
	require.Error(t, err)
}

func TestNewI2CADCReadsRegisterOverBus(t *testing.T) {
	bus := i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x48, W: nil, R: []byte{0x08, 0x00}},
		},
	}
	adc := NewI2CADC(&bus, 0x48)
	raw, err := adc.ReadRaw()
	require.NoError(t, err)
	require.Equal(t, 0x0800, raw)
}

func TestPeriphSourceRespectsCancellation(t *testing.T) {
	src := NewPeriphSource(&fakeADC{raw: 1}, &fakeThermal{tempC: 20})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Read(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
