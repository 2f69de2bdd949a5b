// Package probe abstracts the physical sensor node: one raw ADC count
// from the capacitance probe, and one ambient temperature reading.
// Source has two implementations: PeriphSource drives real hardware
// over periph.io's i2c/spi/onewire buses, and FixtureSource replays a
// canned reading sequence for dev-mode and tests, mirroring the way
// the upstream sensor mux can be backed by a real port or a mock one.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/agriscan/node/internal/agriscanerr"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Reading is one raw acquisition from the probe, before calibration.
type Reading struct {
	Raw   int     // ADC count, typically 0-4095 for a 12-bit ADC
	TempC float64 // ambient/soil temperature in Celsius
}

// Source produces raw sensor readings. Implementations must be safe for
// concurrent use by a single acquisition goroutine calling Read
// repeatedly; they need not support concurrent callers.
type Source interface {
	Read(ctx context.Context) (Reading, error)
	Close() error
}

// ADCDevice is the minimal surface PeriphSource needs from the
// capacitance-probe ADC, whether it is wired over I²C or SPI.
type ADCDevice interface {
	ReadRaw() (int, error)
}

// SPI bus parameters for the capacitive-probe ADC, following the
// single base clock/mode/bits periph device drivers configure once at
// connect time.
const (
	spiFrequency = 1 * physic.MegaHertz
	spiMode      = spi.Mode3
	spiBits      = 8
)

// i2cADC adapts an i2c.Dev to ADCDevice by issuing a pure conversion
// read with no command byte, following the same Tx(nil, data) shape
// aht20 uses to read back its measurement registers.
type i2cADC struct {
	dev *i2c.Dev
}

// NewI2CADC wraps an I²C bus connection to an ADC at addr.
func NewI2CADC(bus i2c.Bus, addr uint16) ADCDevice {
	return &i2cADC{dev: &i2c.Dev{Bus: bus, Addr: addr}}
}

func (a *i2cADC) ReadRaw() (int, error) {
	data := make([]byte, 2)
	if err := a.dev.Tx(nil, data); err != nil {
		return 0, fmt.Errorf("adc read: %w", err)
	}
	return int(data[0])<<8 | int(data[1]), nil
}

// spiADC adapts a connected SPI port to ADCDevice by issuing a
// register-addressed read, the Tx(tx, rx)-then-combine pattern the
// adxl345 driver uses for its SPI transport.
type spiADC struct {
	c    conn.Conn
	addr byte // register address read on every conversion
}

// NewSPIADC wraps an SPI port connection to an ADC, reading register
// reg on every conversion.
func NewSPIADC(port spi.Port, reg byte) (ADCDevice, error) {
	c, err := port.Connect(spiFrequency, spiMode, spiBits)
	if err != nil {
		return nil, fmt.Errorf("connect spi adc: %w", err)
	}
	return &spiADC{c: c, addr: reg}, nil
}

func (a *spiADC) ReadRaw() (int, error) {
	tx := []byte{a.addr | 0x80, 0x00}
	rx := make([]byte, len(tx))
	if err := a.c.Tx(tx, rx); err != nil {
		return 0, fmt.Errorf("adc read: %w", err)
	}
	return int(rx[0])<<8 | int(rx[1]), nil
}

// PeriphSource reads the soil-moisture ADC and an ambient temperature
// sensor through periph.io/x/conn/v3. The thermal sensor is any device
// implementing physic.SenseEnv, the same convention periph's i2c/SPI
// environmental drivers (aht20, tmp102, hdc302x) already satisfy.
type PeriphSource struct {
	mu      sync.Mutex
	adc     ADCDevice
	thermal physic.SenseEnv
}

// NewPeriphSource builds a PeriphSource from an already-opened ADC and
// thermal sensor. Bus/device discovery (host.Init(), bus opening) is
// the caller's responsibility so that PeriphSource itself stays
// testable without real hardware.
func NewPeriphSource(adc ADCDevice, thermal physic.SenseEnv) *PeriphSource {
	return &PeriphSource{adc: adc, thermal: thermal}
}

func (p *PeriphSource) Read(ctx context.Context) (Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-ctx.Done():
		return Reading{}, ctx.Err()
	default:
	}

	raw, err := p.adc.ReadRaw()
	if err != nil {
		return Reading{}, agriscanerr.New(agriscanerr.KindTransientSensor, fmt.Errorf("read adc: %w", err))
	}

	var env physic.Env
	if err := p.thermal.Sense(&env); err != nil {
		return Reading{}, agriscanerr.New(agriscanerr.KindTransientSensor, fmt.Errorf("read thermal sensor: %w", err))
	}
	tempC := env.Temperature.Celsius()

	return Reading{Raw: raw, TempC: tempC}, nil
}

func (p *PeriphSource) Close() error {
	return nil
}

// FixtureSource replays a fixed sequence of readings, looping once
// exhausted. It exists for --dev mode and integration tests that need a
// deterministic probe without real hardware.
type FixtureSource struct {
	mu       sync.Mutex
	readings []Reading
	idx      int
}

// NewFixtureSource builds a FixtureSource from an in-memory sequence.
func NewFixtureSource(readings []Reading) *FixtureSource {
	return &FixtureSource{readings: readings}
}

// LoadFixtureFile reads a JSON array of Reading values from path.
func LoadFixtureFile(path string) (*FixtureSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture file: %w", err)
	}
	var readings []Reading
	if err := json.Unmarshal(data, &readings); err != nil {
		return nil, fmt.Errorf("parse fixture file: %w", err)
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("fixture file %s contains no readings", path)
	}
	return NewFixtureSource(readings), nil
}

func (f *FixtureSource) Read(ctx context.Context) (Reading, error) {
	select {
	case <-ctx.Done():
		return Reading{}, ctx.Err()
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.readings) == 0 {
		return Reading{}, fmt.Errorf("fixture source has no readings")
	}
	r := f.readings[f.idx%len(f.readings)]
	f.idx++
	return r, nil
}

func (f *FixtureSource) Close() error {
	return nil
}
