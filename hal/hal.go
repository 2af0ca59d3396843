// Package hal owns the SPI bus for the lifetime of a session. Exactly one
// transport is opened and it must be released with Close.
package hal

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/BertoldVdb/spieeprom/eepromsim"
	"github.com/BertoldVdb/spieeprom/periphspi"
	"github.com/BertoldVdb/spieeprom/spidev"
)

type Backend string

const (
	BackendSPIDev Backend = "spidev"
	BackendPeriph Backend = "periph"
	BackendSim    Backend = "sim"
)

var (
	ErrorClosed         = errors.New("bus has been released")
	ErrorUnknownBackend = errors.New("unknown backend")
	ErrorSPIViolated    = errors.New("SPI interface cannot handle transaction")
)

type Transport interface {
	Transfer(out []byte, in []byte) error
	MaxTransactionSize() int
	Close() error
}

type Config struct {
	Backend Backend
	Bus     string
	Mode    uint8
	SpeedHz uint32

	/* Only used by the sim backend */
	Sim eepromsim.Config
}

type HAL struct {
	mu     sync.Mutex
	dev    Transport
	name   string
	closed bool

	transactions int

	LogFunc func(format string, params ...any)
}

func (d *HAL) log(format string, params ...any) {
	if d.LogFunc != nil {
		d.LogFunc(format, params...)
	}
}

type simTransport struct {
	*eepromsim.Device
}

func (s simTransport) Transfer(out []byte, in []byte) error {
	return s.SPI(out, in)
}

func (s simTransport) MaxTransactionSize() int {
	return 0
}

func (s simTransport) Close() error {
	return nil
}

// Open claims the bus described by cfg.
func Open(cfg Config) (*HAL, error) {
	switch cfg.Backend {
	case BackendSPIDev, "":
		dev, err := spidev.New(cfg.Bus, cfg.Mode, cfg.SpeedHz)
		if err != nil {
			return nil, err
		}
		return New(dev, dev.Path()), nil

	case BackendPeriph:
		port, err := periphspi.New(cfg.Bus, cfg.Mode, cfg.SpeedHz)
		if err != nil {
			return nil, err
		}
		return New(port, port.String()), nil

	case BackendSim:
		simCfg := cfg.Sim
		if simCfg.Capacity == 0 {
			simCfg = eepromsim.LC512
		}
		return New(simTransport{eepromsim.New(simCfg)}, "sim:"+simCfg.Name), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrorUnknownBackend, cfg.Backend)
}

// New takes ownership of an already opened transport.
func New(t Transport, name string) *HAL {
	return &HAL{
		dev:  t,
		name: name,
	}
}

func (d *HAL) Name() string {
	return d.name
}

// Sim returns the emulated device when the sim backend is in use.
func (d *HAL) Sim() (*eepromsim.Device, bool) {
	s, ok := d.dev.(simTransport)
	if !ok {
		return nil, false
	}
	return s.Device, true
}

// SPI performs one chip-selected transaction. It has the signature of
// eeprom.SPIFunc.
func (d *HAL) SPI(out []byte, in []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrorClosed
	}

	if limit := d.dev.MaxTransactionSize(); limit > 0 && len(out)+len(in) > limit {
		return ErrorSPIViolated
	}

	d.transactions++
	err := d.dev.Transfer(out, in)

	hdr := out
	if len(hdr) > 4 {
		hdr = hdr[:4]
	}
	d.log("spi: %s out=%d in=%d err=%v", hex.EncodeToString(hdr), len(out), len(in), err)

	return err
}

// SPIMaxTransactionSize bounds out+in of a single transaction, zero means
// there is no limit.
func (d *HAL) SPIMaxTransactionSize() int {
	return d.dev.MaxTransactionSize()
}

func (d *HAL) Transactions() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.transactions
}

// Close releases the bus. Further transactions fail with ErrorClosed.
func (d *HAL) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	d.log("releasing %s after %d transactions", d.name, d.transactions)
	return d.dev.Close()
}
