package pipeline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agriscan/node/internal/acquisition"
	"github.com/agriscan/node/internal/autocal"
	"github.com/agriscan/node/internal/calibration"
	"github.com/agriscan/node/internal/db"
	"github.com/agriscan/node/internal/events"
	"github.com/agriscan/node/internal/hydraulics"
	"github.com/agriscan/node/internal/model"
	"github.com/agriscan/node/internal/timeutil"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *db.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.db")
	store, err := db.NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() Config {
	ev := events.Config{
		WetJumpThresh:       0.02,
		MinEventSeparationS: 0,
		SlopeWindowS:        3600,
		SMin:                0.0005,
		HoldHours:           1,
		HoldMinSamples:      2,
	}
	ac := autocal.Config{
		NInit:            3,
		PostEventIgnoreS: 0,
		FCUpdateLambda:   0.25,
		EtaRefill:        0.5,
		RefillWindowS:    100000,
		EventTarget:      2,
		Events:           ev,
	}
	return Config{
		Calibration:      calibration.DefaultConfig(),
		Events:           ev,
		Autocal:          ac,
		Soil:             hydraulics.Loam(),
		RootDepthCM:      30,
		RefillHysteresis: 0.01,
		RingCapacity:     100,
		BatchSize:        2,
	}
}

func tick(raw int, tempC float64, ts int64, seq int64) acquisition.Tick {
	return acquisition.Tick{Raw: raw, TempC: tempC, Timestamp: ts, Seq: seq}
}

func TestProcessReachesBaselineMonitoringAfterNInit(t *testing.T) {
	store := openTestStore(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	ctx := New(testConfig(), clock, store)

	s1, err := ctx.Process(tick(450, 20, 0, 1))
	require.NoError(t, err)
	require.Equal(t, 0.0, s1.ThetaFC, "field capacity must not be set before NInit samples")

	_, err = ctx.Process(tick(450, 20, 900, 2))
	require.NoError(t, err)

	s3, err := ctx.Process(tick(450, 20, 1800, 3))
	require.NoError(t, err)

	state, _ := ctx.AutocalState()
	require.Equal(t, model.StateBaselineMonitor, state)
	require.InDelta(t, hydraulics.Loam().FieldCapacity(), s3.ThetaFC, 1e-9)
}

func TestProcessDetectsWettingEventAndPersistsIt(t *testing.T) {
	store := openTestStore(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	ctx := New(testConfig(), clock, store)

	for i, ts := range []int64{0, 900, 1800} {
		_, err := ctx.Process(tick(450, 20, ts, int64(i+1)))
		require.NoError(t, err)
	}

	s4, err := ctx.Process(tick(850, 20, 2700, 4))
	require.NoError(t, err)
	require.InDelta(t, 0.40, s4.Theta, 1e-9)

	state, _ := ctx.AutocalState()
	require.Equal(t, model.StateWettingEvent, state)

	evs, err := store.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, model.EventWetting, evs[0].EventType)
	require.InDelta(t, 0.30, evs[0].DeltaTheta, 1e-9)
}

func TestProcessBatchesSamplesAndFlushOnDemand(t *testing.T) {
	store := openTestStore(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	ctx := New(testConfig(), clock, store)

	for i, ts := range []int64{0, 900, 1800, 2700} {
		_, err := ctx.Process(tick(450, 20, ts, int64(i+1)))
		require.NoError(t, err)
	}

	samples, err := store.RecentSamples(10)
	require.NoError(t, err)
	require.Len(t, samples, 4, "two full batches of size 2 must already be flushed")

	_, err = ctx.Process(tick(450, 20, 3600, 5))
	require.NoError(t, err)

	samples, err = store.RecentSamples(10)
	require.NoError(t, err)
	require.Len(t, samples, 4, "an odd fifth sample must stay pending until Flush")

	require.NoError(t, ctx.Flush())

	samples, err = store.RecentSamples(10)
	require.NoError(t, err)
	require.Len(t, samples, 5)
}

func TestProcessPersistsCalibrationVersionOnStateChange(t *testing.T) {
	store := openTestStore(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	ctx := New(testConfig(), clock, store)

	_, ok, err := store.LatestCalibration()
	require.NoError(t, err)
	require.False(t, ok)

	for i, ts := range []int64{0, 900, 1800} {
		_, err := ctx.Process(tick(450, 20, ts, int64(i+1)))
		require.NoError(t, err)
	}

	cal, ok, err := store.LatestCalibration()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.StateBaselineMonitor, cal.State)
}

func TestSeedOverridesInitialFieldCapacity(t *testing.T) {
	store := openTestStore(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	ctx := New(testConfig(), clock, store)
	ctx.Seed(0.33, 0.20)

	s1, err := ctx.Process(tick(450, 20, 0, 1))
	require.NoError(t, err)
	require.InDelta(t, 0.33, s1.ThetaFC, 1e-9)
	require.InDelta(t, 0.20, s1.ThetaRefill, 1e-9)
}
