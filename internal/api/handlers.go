package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/agriscan/node/internal/agriscanerr"
	"github.com/agriscan/node/internal/db"
	"github.com/agriscan/node/internal/httputil"
	"github.com/agriscan/node/internal/model"
	"github.com/agriscan/node/internal/preferences"
)

// CurrentResponse is the GET /api/current payload: the latest processed
// sample decorated with the crop context a raw model.Sample doesn't carry.
type CurrentResponse struct {
	Timestamp   int64          `json:"timestamp"`
	Theta       float64        `json:"theta"`
	PsiKPa      float64        `json:"psi_kpa"`
	Status      model.Status   `json:"status"`
	Urgency     model.Urgency  `json:"urgency"`
	Confidence  float64        `json:"confidence"`
	ThetaFC     float64        `json:"theta_fc"`
	ThetaRefill float64        `json:"theta_refill"`
	Stage       string         `json:"stage"`
	Crop        string         `json:"crop"`
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	latest, ok := s.pipeline.Latest()
	if !ok {
		httputil.NotFound(w, "no samples recorded yet")
		return
	}

	prefs, err := preferences.Load(s.prefsPath)
	if err != nil {
		captureError(r, agriscanerr.New(agriscanerr.KindConfiguration, err))
		httputil.InternalServerError(w, "failed to load preferences")
		return
	}
	crop := s.refTable.CropByName(prefs.Crop)

	httputil.WriteJSONOK(w, CurrentResponse{
		Timestamp:   latest.Timestamp,
		Theta:       latest.Theta,
		PsiKPa:      latest.PsiKPa,
		Status:      latest.Status,
		Urgency:     latest.Urgency,
		Confidence:  latest.Confidence,
		ThetaFC:     latest.ThetaFC,
		ThetaRefill: latest.ThetaRefill,
		// No growth-stage curve is modeled yet, only a single
		// allowable-depletion fraction per crop.
		Stage: "n/a",
		Crop:  crop.Name,
	})
}

// SeriesPoint is one row of the GET /api/series response.
type SeriesPoint struct {
	Timestamp int64   `json:"timestamp"`
	Theta     float64 `json:"theta"`
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	start, err := parseEpochParam(q, "start", 0)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	end, err := parseEpochParam(q, "end", time.Now().Unix())
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if end < start {
		httputil.BadRequest(w, "end must not be before start")
		return
	}

	limit := db.DefaultRangeRowCap
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	fmt.Fprint(w, "[")
	enc := json.NewEncoder(w)
	first := true
	streamErr := s.store.SamplesInRange(start, end, limit, func(smp model.Sample) bool {
		if !first {
			fmt.Fprint(w, ",")
		}
		first = false
		_ = enc.Encode(SeriesPoint{Timestamp: smp.Timestamp, Theta: smp.Theta})
		if flusher != nil {
			flusher.Flush()
		}
		return true
	})
	fmt.Fprint(w, "]")
	if streamErr != nil {
		// Headers are already sent; nothing left to do but log it.
		captureError(r, agriscanerr.New(agriscanerr.KindStorage, streamErr))
	}
}

func parseEpochParam(q map[string][]string, key string, def int64) (int64, error) {
	raw := ""
	if vals, ok := q[key]; ok && len(vals) > 0 {
		raw = vals[0]
	}
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a unix epoch seconds integer", key)
	}
	return v, nil
}

// StorageDiagnostics reports the state of the local database file.
type StorageDiagnostics struct {
	Status             string  `json:"status"`
	FreeGB             float64 `json:"free_gb"`
	LastWriteSecondsAgo int64  `json:"last_write_seconds_ago"`
}

// SensorDiagnostics reports the raw sensor health observed by the
// auto-calibration machine's QC pass.
type SensorDiagnostics struct {
	SoilStatus         string  `json:"soil_status"`
	SoilLastRaw        int     `json:"soil_last_raw"`
	TempStatus         string  `json:"temp_status"`
	TempLastC          float64 `json:"temp_last_c"`
	FailureRatePercent float64 `json:"failure_rate_percent"`
}

// SystemDiagnostics reports node-level resource and uptime information.
type SystemDiagnostics struct {
	UptimeHours          float64 `json:"uptime_hours"`
	MemoryFreeKB         uint64  `json:"memory_free_kb"`
	LastReadingSecondsAgo int64  `json:"last_reading_seconds_ago"`
}

// CalibrationDiagnostics summarizes the auto-calibration machine's progress.
type CalibrationDiagnostics struct {
	Status         string  `json:"status"`
	Confidence     float64 `json:"confidence"`
	EventsCaptured int     `json:"events_captured"`
}

// DiagnosticsResponse is the full GET /api/diagnostics payload.
type DiagnosticsResponse struct {
	Storage       StorageDiagnostics     `json:"storage"`
	Sensors       SensorDiagnostics      `json:"sensors"`
	System        SystemDiagnostics      `json:"system"`
	Calibration   CalibrationDiagnostics `json:"calibration"`
	Errors24h     int                    `json:"errors_24h"`
	LastErrorKind string                 `json:"last_error_kind,omitempty"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	now := s.clock.Now()
	latest, haveLatest := s.pipeline.Latest()

	lastReadingAgo := int64(-1)
	soilLastRaw := 0
	tempLastC := 0.0
	soilStatus := "UNKNOWN"
	tempStatus := "UNKNOWN"
	if haveLatest {
		lastReadingAgo = now.Unix() - latest.Timestamp
		soilLastRaw = latest.Raw
		tempLastC = latest.TempC
		soilStatus = "OK"
		tempStatus = "OK"
		if latest.HasFlag(model.QCOutOfBounds) || latest.HasFlag(model.QCSpike) || latest.HasFlag(model.QCStuck) {
			soilStatus = "DEGRADED"
		}
		if latest.HasFlag(model.QCTempOutOfRange) {
			tempStatus = "DEGRADED"
		}
	}

	qcPass, qcTotal := s.pipeline.QCStats()
	failureRate := 0.0
	if qcTotal > 0 {
		failureRate = 100.0 * float64(qcTotal-qcPass) / float64(qcTotal)
	}

	_, confidence := s.pipeline.AutocalState()
	calStatus := "Learning"
	switch {
	case confidence >= 0.65:
		calStatus = "Calibrated"
	case confidence >= 0.35:
		calStatus = "Calibrating"
	}

	lastWriteAgo := lastReadingAgo

	httputil.WriteJSONOK(w, DiagnosticsResponse{
		Storage: StorageDiagnostics{
			Status:              storageStatus(s.store),
			FreeGB:              diskFreeGB(),
			LastWriteSecondsAgo: lastWriteAgo,
		},
		Sensors: SensorDiagnostics{
			SoilStatus:         soilStatus,
			SoilLastRaw:        soilLastRaw,
			TempStatus:         tempStatus,
			TempLastC:          tempLastC,
			FailureRatePercent: failureRate,
		},
		System: SystemDiagnostics{
			UptimeHours:           now.Sub(s.startedAt).Hours(),
			MemoryFreeKB:          memoryFreeKB(),
			LastReadingSecondsAgo: lastReadingAgo,
		},
		Calibration: CalibrationDiagnostics{
			Status:         calStatus,
			Confidence:     confidence,
			EventsCaptured: s.pipeline.EventsCaptured(),
		},
		Errors24h:     s.countErrors24h(now),
		LastErrorKind: s.lastErrorKind(),
	})
}

func storageStatus(store *db.DB) string {
	if store == nil {
		return "UNAVAILABLE"
	}
	if err := store.Ping(); err != nil {
		return "UNAVAILABLE"
	}
	return "OK"
}

// diskFreeGB reports free space on the filesystem hosting the working
// directory. syscall.Statfs is used directly rather than shelling out to
// df, since this runs on every diagnostics request rather than as an
// occasional operator command.
func diskFreeGB() float64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(".", &stat); err != nil {
		return 0
	}
	bytesFree := stat.Bavail * uint64(stat.Bsize)
	return float64(bytesFree) / (1024 * 1024 * 1024)
}

func memoryFreeKB() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return (m.Sys - m.HeapInuse) / 1024
}

// handleConfig serves and accepts the farmer-facing onboarding
// preferences document: GET returns the current preferences (or the
// defaults, if onboarding has not run), POST replaces it wholesale.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		prefs, err := preferences.Load(s.prefsPath)
		if err != nil {
			captureError(r, agriscanerr.New(agriscanerr.KindConfiguration, err))
			httputil.InternalServerError(w, "failed to load preferences")
			return
		}
		httputil.WriteJSONOK(w, prefs)
	case http.MethodPost:
		var p preferences.Preferences
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			httputil.BadRequest(w, "invalid JSON body")
			return
		}
		if p.RootDepthCM <= 0 {
			httputil.BadRequest(w, "root_depth_cm must be positive")
			return
		}
		if err := preferences.Save(s.prefsPath, p); err != nil {
			captureError(r, agriscanerr.New(agriscanerr.KindConfiguration, err))
			httputil.InternalServerError(w, "failed to save preferences")
			return
		}
		httputil.WriteJSONOK(w, p)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// LogEventRequest is the POST /api/log_event body: a farmer-reported
// irrigation or observation note, appended to the event log alongside
// the pipeline's automatically detected events.
type LogEventRequest struct {
	EventType model.EventType `json:"event_type"`
	Notes     string          `json:"notes"`
}

func (s *Server) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req LogEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	if req.EventType == "" {
		httputil.BadRequest(w, "event_type is required")
		return
	}

	now := s.clock.Now().Unix()
	meta := ""
	if req.Notes != "" {
		b, _ := json.Marshal(map[string]string{"notes": req.Notes, "source": "manual"})
		meta = string(b)
	}
	ev := model.Event{
		ID:        newEventID(now),
		TsStart:   now,
		TsEnd:     now,
		EventType: req.EventType,
		Metadata:  meta,
	}
	if err := s.store.InsertEvent(ev); err != nil {
		captureError(r, agriscanerr.New(agriscanerr.KindStorage, err))
		httputil.InternalServerError(w, "failed to record event")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, ev)
}

var eventIDMu sync.Mutex
var eventIDSeq int64

// newEventID mints a monotonic manual-event ID without pulling in
// google/uuid for what is, unlike the auto-detected events, a low-volume
// farmer-triggered path where collisions need only be avoided within a
// single process.
func newEventID(ts int64) string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	eventIDSeq++
	return fmt.Sprintf("manual-%d-%d", ts, eventIDSeq)
}

// recordError and countErrors24h track a rolling count of server-side
// failures for the diagnostics endpoint's errors_24h field. When err
// carries an agriscanerr.Kind, it is also remembered as the most recent
// fault kind, surfaced in the diagnostics response.
func (s *Server) recordError(status int, at time.Time, err error) {
	if status < 500 && err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.errTimestamps = append(s.errTimestamps, at)
	if kind, ok := agriscanerr.KindOf(err); ok {
		s.lastErrKind = string(kind)
	}
}

func (s *Server) lastErrorKind() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErrKind
}

func (s *Server) countErrors24h(now time.Time) int {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	cutoff := now.Add(-24 * time.Hour)
	kept := s.errTimestamps[:0]
	count := 0
	for _, ts := range s.errTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
			count++
		}
	}
	s.errTimestamps = kept
	return count
}
