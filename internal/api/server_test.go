package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"github.com/agriscan/node/internal/pipeline"
	"github.com/agriscan/node/internal/preferences"
	"github.com/agriscan/node/internal/reference"
	"github.com/agriscan/node/internal/testutil"
	"github.com/agriscan/node/internal/timeutil"
	"github.com/stretchr/testify/require"
)

func acquisitionTick(raw int, tempC float64, ts int64, seq int64) acquisition.Tick {
	return acquisition.Tick{Raw: raw, TempC: tempC, Timestamp: ts, Seq: seq}
}

func testPipelineConfig() pipeline.Config {
	ev := events.Config{
		WetJumpThresh:       0.02,
		MinEventSeparationS: 0,
		SlopeWindowS:        3600,
		SMin:                0.0005,
		HoldHours:           1,
		HoldMinSamples:      2,
	}
	return pipeline.Config{
		Calibration: calibration.DefaultConfig(),
		Events:      ev,
		Autocal: autocal.Config{
			NInit:            3,
			PostEventIgnoreS: 0,
			FCUpdateLambda:   0.25,
			EtaRefill:        0.5,
			RefillWindowS:    100000,
			EventTarget:      2,
			Events:           ev,
		},
		Soil:             hydraulics.Loam(),
		RootDepthCM:      30,
		RefillHysteresis: 0.01,
		RingCapacity:     100,
		BatchSize:        1,
	}
}

func newTestServer(t *testing.T) (*Server, *pipeline.Context) {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "agriscan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
	pl := pipeline.New(testPipelineConfig(), clock, store)

	prefsPath := filepath.Join(t.TempDir(), "preferences.json")
	require.NoError(t, preferences.Save(prefsPath, preferences.Preferences{
		OnboardingComplete: true,
		DeviceName:         "test-node",
		RootDepthCM:        30,
		Crop:               "tomato",
		Soil:               "loam",
	}))

	s := NewServer(pl, store, clock, prefsPath, reference.Default())
	return s, pl
}

func TestHandleCurrentBeforeAnySample(t *testing.T) {
	s, _ := newTestServer(t)
	req := testutil.NewTestRequest(http.MethodGet, "/api/current")
	rec := testutil.NewTestRecorder()
	s.Handler().ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestHandleCurrentReturnsLatestSample(t *testing.T) {
	s, pl := newTestServer(t)
	_, err := pl.Process(acquisitionTick(450, 20, 1_700_000_000, 1))
	require.NoError(t, err)

	req := testutil.NewTestRequest(http.MethodGet, "/api/current")
	rec := testutil.NewTestRecorder()
	s.Handler().ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got CurrentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "tomato", got.Crop)
	require.InDelta(t, 0.10, got.Theta, 1e-9)
}

func TestHandleSeriesStreamsAscendingPoints(t *testing.T) {
	s, pl := newTestServer(t)
	for i, ts := range []int64{1_700_000_000, 1_700_000_900, 1_700_001_800} {
		_, err := pl.Process(acquisitionTick(450, 20, ts, int64(i+1)))
		require.NoError(t, err)
	}

	req := testutil.NewTestRequest(http.MethodGet, "/api/series?start=1700000000&end=1700002000")
	rec := testutil.NewTestRecorder()
	s.Handler().ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var points []SeriesPoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Len(t, points, 3)
	require.Less(t, points[0].Timestamp, points[1].Timestamp)
}

func TestHandleSeriesRejectsBadRange(t *testing.T) {
	s, _ := newTestServer(t)
	req := testutil.NewTestRequest(http.MethodGet, "/api/series?start=abc")
	rec := testutil.NewTestRecorder()
	s.Handler().ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestHandleDiagnosticsReportsCalibrationStatus(t *testing.T) {
	s, pl := newTestServer(t)
	for i, ts := range []int64{1_700_000_000, 1_700_000_900, 1_700_001_800} {
		_, err := pl.Process(acquisitionTick(450, 20, ts, int64(i+1)))
		require.NoError(t, err)
	}

	req := testutil.NewTestRequest(http.MethodGet, "/api/diagnostics")
	rec := testutil.NewTestRecorder()
	s.Handler().ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var diag DiagnosticsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diag))
	require.GreaterOrEqual(t, diag.Calibration.Confidence, 0.0)
	require.Equal(t, "OK", diag.Sensors.SoilStatus)
	require.Equal(t, 0, diag.Errors24h)
}

func TestHandleConfigRoundTrips(t *testing.T) {
	s, _ := newTestServer(t)

	getReq := testutil.NewTestRequest(http.MethodGet, "/api/config")
	getRec := testutil.NewTestRecorder()
	s.Handler().ServeHTTP(getRec, getReq)
	testutil.AssertStatusCode(t, getRec.Code, http.StatusOK)

	var prefs preferences.Preferences
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &prefs))
	prefs.Crop = "maize"

	body, err := json.Marshal(prefs)
	require.NoError(t, err)
	postReq := httptest.NewRequest(http.MethodPost, "/api/config", bytes.NewReader(body))
	postRec := testutil.NewTestRecorder()
	s.Handler().ServeHTTP(postRec, postReq)
	testutil.AssertStatusCode(t, postRec.Code, http.StatusOK)

	getReq2 := testutil.NewTestRequest(http.MethodGet, "/api/config")
	getRec2 := testutil.NewTestRecorder()
	s.Handler().ServeHTTP(getRec2, getReq2)
	var reloaded preferences.Preferences
	require.NoError(t, json.Unmarshal(getRec2.Body.Bytes(), &reloaded))
	require.Equal(t, "maize", reloaded.Crop)
}

func TestHandleLogEventAppendsManualEvent(t *testing.T) {
	s, _ := newTestServer(t)

	body, err := json.Marshal(LogEventRequest{EventType: model.EventWetting, Notes: "manual irrigation"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/log_event", bytes.NewReader(body))
	rec := testutil.NewTestRecorder()
	s.Handler().ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusCreated)

	var ev model.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	require.Equal(t, model.EventWetting, ev.EventType)
}

func TestHandleLogEventRejectsMissingType(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/log_event", bytes.NewReader([]byte(`{}`)))
	rec := testutil.NewTestRecorder()
	s.Handler().ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}
