// Command agriscand is the node's always-on process: it drives the
// acquisition loop against either real hardware or a replayed fixture,
// feeds every tick through the pipeline, and serves the HTTP API used
// by the field unit's display and by farmers checking in remotely.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/aht20"
	"periph.io/x/host/v3"

	"github.com/agriscan/node/internal/acquisition"
	"github.com/agriscan/node/internal/api"
	"github.com/agriscan/node/internal/autocal"
	"github.com/agriscan/node/internal/calibration"
	"github.com/agriscan/node/internal/config"
	"github.com/agriscan/node/internal/db"
	"github.com/agriscan/node/internal/events"
	"github.com/agriscan/node/internal/hydraulics"
	"github.com/agriscan/node/internal/pipeline"
	"github.com/agriscan/node/internal/preferences"
	"github.com/agriscan/node/internal/probe"
	"github.com/agriscan/node/internal/reference"
	"github.com/agriscan/node/internal/timeutil"
	"github.com/agriscan/node/internal/version"
)

const shutdownTimeout = 5 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print the build version and exit")
	dev := flag.Bool("dev", false, "run against a replayed fixture instead of real hardware")
	listen := flag.String("listen", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "agriscan.db", "path to the sqlite database file")
	tuningPath := flag.String("tuning", "", "path to a tuning config JSON file overriding the defaults")
	refPath := flag.String("reference", "", "path to a crop/soil reference table JSON file")
	prefsPath := flag.String("prefs", "preferences.json", "path to the onboarding preferences file")
	fixturePath := flag.String("fixture", "", "path to a JSON fixture file of probe readings (--dev mode)")
	adcAddr := flag.Int("adc-i2c-addr", 0x48, "I2C address of the capacitance-probe ADC")
	flag.Parse()

	if *showVersion {
		fmt.Printf("agriscand %s (commit %s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if flag.Arg(0) == "migrate" {
		db.RunMigrateCommand(flag.Args()[1:], *dbPath)
		return
	}

	if err := run(*dev, *listen, *dbPath, *tuningPath, *refPath, *prefsPath, *fixturePath, *adcAddr); err != nil {
		log.Fatalf("agriscand: %v", err)
	}
}

func run(dev bool, listen, dbPath, tuningPath, refPath, prefsPath, fixturePath string, adcAddr int) error {
	log.Printf("agriscand %s (commit %s) starting", version.Version, version.GitSHA)

	tuning := config.EmptyTuningConfig()
	if tuningPath != "" {
		loaded, err := config.LoadTuningConfig(tuningPath)
		if err != nil {
			return fmt.Errorf("load tuning config: %w", err)
		}
		tuning = loaded
	}

	refTable := reference.Default()
	if refPath != "" {
		loaded, err := reference.Load(refPath)
		if err != nil {
			return fmt.Errorf("load reference table: %w", err)
		}
		refTable = loaded
	}

	prefs, err := preferences.Load(prefsPath)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}

	store, err := db.NewDB(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	clock := timeutil.RealClock{}
	pipelineCfg := buildPipelineConfig(tuning, refTable, prefs)
	pl := pipeline.New(pipelineCfg, clock, store)
	seedPipeline(pl, refTable, prefs)

	history, err := store.RecentSamples(pipelineCfg.RingCapacity)
	if err != nil {
		return fmt.Errorf("load sample history: %w", err)
	}
	pl.SeedHistory(history)

	source, err := buildProbeSource(dev, fixturePath, adcAddr)
	if err != nil {
		return fmt.Errorf("build probe source: %w", err)
	}
	defer source.Close()

	loop := acquisition.New(clock, source, tuning.GetSampleCadence())
	server := api.NewServer(pl, store, clock, prefsPath, refTable)

	mux := http.NewServeMux()
	store.AttachAdminRoutes(mux)
	mux.Handle("/api/", server.Handler())

	httpServer := &http.Server{
		Addr:    listen,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("acquisition loop stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case tick := <-loop.C():
				if _, err := pl.Process(tick); err != nil {
					log.Printf("pipeline: process tick failed: %v", err)
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("agriscand: listening on %s", listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("agriscand: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}

	if err := pl.Flush(); err != nil {
		log.Printf("pipeline: final flush failed: %v", err)
	}

	wg.Wait()
	log.Println("agriscand: graceful shutdown complete")
	return nil
}

// buildPipelineConfig assembles a pipeline.Config from the tuning
// overrides, the crop/soil reference table, and the farmer's onboarding
// preferences, following the precedence tuning > preferences > table
// defaults for anything the operator has not explicitly overridden.
func buildPipelineConfig(tuning *config.TuningConfig, refTable reference.Table, prefs preferences.Preferences) pipeline.Config {
	soil := refTable.Soil(prefs.Soil)

	rootDepth := prefs.RootDepthCM
	if tuning.RootDepthCM != nil {
		rootDepth = tuning.GetRootDepthCM()
	}
	if rootDepth <= 0 {
		rootDepth = refTable.CropByName(prefs.Crop).DefaultRootDepthCM
	}

	ev := events.Config{
		WetJumpThresh:       tuning.GetWetJumpThresh(),
		MinEventSeparationS: tuning.GetMinEventSeparationS(),
		SlopeWindowS:        tuning.GetSlopeWindowS(),
		SMin:                tuning.GetSMin(),
		HoldHours:           tuning.GetHoldHours(),
		HoldMinSamples:      events.DefaultConfig().HoldMinSamples,
	}

	calCfg := calibration.DefaultConfig()
	calCfg.ThetaMin = tuning.GetThetaMin()
	calCfg.ThetaMax = tuning.GetThetaMax()
	calCfg.SpikeZThresh = tuning.GetSpikeZThresh()
	calCfg.StuckEps = tuning.GetStuckEps()
	calCfg.StuckMinHold = tuning.GetStuckMinHold()
	calCfg.TempMin = tuning.GetTempMin()
	calCfg.TempMax = tuning.GetTempMax()

	return pipeline.Config{
		Calibration: calCfg,
		Events:      ev,
		Autocal: autocal.Config{
			NInit:            tuning.GetNInit(),
			PostEventIgnoreS: tuning.GetPostEventIgnoreS(),
			FCUpdateLambda:   tuning.GetFCUpdateLambda(),
			EtaRefill:        tuning.GetEtaRefill(),
			RefillWindowS:    tuning.GetRefillWindowS(),
			EventTarget:      tuning.GetEventTarget(),
			SimulationMode:   tuning.GetSimulationMode(),
			Events:           ev,
		},
		Soil:             soil,
		RootDepthCM:      rootDepth,
		RefillHysteresis: tuning.GetRefillHysteresis(),
		RingCapacity:     pipeline.DefaultRingCapacity,
		BatchSize:        tuning.GetBatchSize(),
	}
}

// seedPipeline overrides the auto-calibration machine's van-Genuchten
// defaults with a field-capacity and refill-point estimate derived from
// the farmer's chosen crop and soil, so a freshly onboarded node starts
// with a sane status reading instead of waiting out NInit ticks with no
// refill point at all.
func seedPipeline(pl *pipeline.Context, refTable reference.Table, prefs preferences.Preferences) {
	soil := refTable.Soil(prefs.Soil)
	crop := refTable.CropByName(prefs.Crop)

	thetaFC := soil.FieldCapacity()
	thetaPWP := soil.PermanentWiltingPoint()
	thetaRefill := thetaFC - crop.AllowableDepletion*(thetaFC-thetaPWP)

	pl.Seed(thetaFC, thetaRefill)
}

// buildProbeSource wires up the acquisition source: a replayed fixture
// in --dev mode, or the real capacitance probe and ambient-temperature
// sensor over periph.io's i2c/spi buses otherwise.
func buildProbeSource(dev bool, fixturePath string, adcAddr int) (probe.Source, error) {
	if dev {
		if fixturePath != "" {
			return probe.LoadFixtureFile(fixturePath)
		}
		return devFixtureSource(), nil
	}

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}

	bus, err := i2creg.Open("")
	if err != nil {
		return nil, fmt.Errorf("open i2c bus: %w", err)
	}

	adc := probe.NewI2CADC(bus, uint16(adcAddr))

	thermal, err := aht20.NewI2C(bus, nil)
	if err != nil {
		return nil, fmt.Errorf("open aht20 thermal sensor: %w", err)
	}

	return probe.NewPeriphSource(adc, thermal), nil
}

// devFixtureSource returns a small synthetic reading sequence for --dev
// mode when no --fixture file is supplied: a flat plateau followed by a
// steady drydown, enough to exercise the pipeline and auto-calibration
// without any hardware or input file.
func devFixtureSource() *probe.FixtureSource {
	readings := make([]probe.Reading, 0, 48)
	for i := 0; i < 8; i++ {
		readings = append(readings, probe.Reading{Raw: 820, TempC: 21})
	}
	for i := 0; i < 40; i++ {
		raw := 820 - i*4
		if raw < 420 {
			raw = 420
		}
		readings = append(readings, probe.Reading{Raw: raw, TempC: 21})
	}
	return probe.NewFixtureSource(readings)
}
