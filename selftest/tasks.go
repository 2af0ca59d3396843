// Package selftest runs the bench validation of an attached EEPROM: identify,
// erase, verify the erase, write a pattern to every page, read it back and
// report miscompares.
package selftest

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/BertoldVdb/spieeprom/eeprom"
	"github.com/BertoldVdb/spieeprom/image"
	"github.com/BertoldVdb/spieeprom/pattern"
)

type Policy string

const (
	/* Read every page, fail at the end if anything differed */
	PolicyCollect Policy = "collect"

	/* Stop at the first page that differs */
	PolicyFailFast Policy = "failfast"

	/* Only log miscompares */
	PolicyIgnore Policy = "ignore"
)

type EraseCheck string

const (
	EraseCheckFull  EraseCheck = "full"
	EraseCheckFirst EraseCheck = "first"
)

var (
	ErrorEraseVerification = errors.New("erase verification failed")
	ErrorDataMiscompare    = errors.New("data miscompare")
	ErrorInterrupted       = errors.New("interrupted")
)

const (
	PhaseIdentify = "Identify"
	PhaseErase    = "Erase"
	PhaseVerify   = "Verify erase"
	PhaseWrite    = "Write"
	PhaseRead     = "Read back"
)

var Phases = []string{PhaseIdentify, PhaseErase, PhaseVerify, PhaseWrite, PhaseRead}

type Config struct {
	Pattern    pattern.Pattern
	Policy     Policy
	EraseCheck EraseCheck

	/* Miscompares kept in the report, zero keeps all of them */
	MaxReported int
}

var DefaultConfig = Config{
	Pattern:    pattern.Incrementing,
	Policy:     PolicyCollect,
	EraseCheck: EraseCheckFull,
}

// Progress receives per page updates, see termui.
type Progress interface {
	Phase(name string)
	Page(phase string, page int, ok bool)
	PhaseDone(name string)
	Stopped() bool
}

type Miscompare struct {
	Page     int
	Offset   int
	Expected byte
	Actual   byte
}

type Report struct {
	Device    eeprom.Device
	Signature byte
	Pattern   pattern.Pattern

	PagesWritten int
	PagesRead    int

	MiscompareCount int
	Miscompares     []Miscompare

	ExpectedCRC uint32
	ActualCRC   uint32

	EraseTime time.Duration
	WriteTime time.Duration
	ReadTime  time.Duration
}

func (r *Report) String() string {
	return fmt.Sprintf("%s: signature 0x%02x, pattern %s, %d pages written, %d pages read, %d miscompares, crc %08x/%08x, erase %v, write %v, read %v",
		r.Device.Name, r.Signature, r.Pattern, r.PagesWritten, r.PagesRead, r.MiscompareCount,
		r.ExpectedCRC, r.ActualCRC, r.EraseTime, r.WriteTime, r.ReadTime)
}

type Tasks struct {
	flash *eeprom.Flash
	cfg   Config

	report Report

	Progress Progress
	LogFunc  func(format string, params ...any)
}

func (t *Tasks) log(format string, params ...any) {
	if t.LogFunc != nil {
		t.LogFunc(format, params...)
	}
}

func New(flash *eeprom.Flash, cfg Config) (*Tasks, error) {
	if err := cfg.Pattern.Fill(0, nil); err != nil {
		return nil, err
	}

	switch cfg.Policy {
	case PolicyCollect, PolicyFailFast, PolicyIgnore:
	default:
		return nil, fmt.Errorf("unknown miscompare policy '%s'", cfg.Policy)
	}

	switch cfg.EraseCheck {
	case EraseCheckFull, EraseCheckFirst:
	default:
		return nil, fmt.Errorf("unknown erase check '%s'", cfg.EraseCheck)
	}

	return &Tasks{
		flash: flash,
		cfg:   cfg,
		report: Report{
			Device:  flash.Device(),
			Pattern: cfg.Pattern,
		},
	}, nil
}

func (t *Tasks) Report() *Report {
	return &t.report
}

func (t *Tasks) phase(name string) {
	t.log("%s", name)
	if t.Progress != nil {
		t.Progress.Phase(name)
	}
}

func (t *Tasks) phaseDone(name string) {
	if t.Progress != nil {
		t.Progress.PhaseDone(name)
	}
}

func (t *Tasks) page(phase string, page int, ok bool) error {
	if t.Progress == nil {
		return nil
	}

	t.Progress.Page(phase, page, ok)
	if t.Progress.Stopped() {
		return ErrorInterrupted
	}
	return nil
}

// Identify reads the signature. A wrong device ends the run before anything
// destructive is sent.
func (t *Tasks) Identify() error {
	t.phase(PhaseIdentify)

	err := t.flash.Identify()
	t.report.Signature = t.flash.Signature()
	if err != nil {
		return err
	}

	t.log("Found %s, signature 0x%02x", t.report.Device.Name, t.report.Signature)
	t.phaseDone(PhaseIdentify)
	return nil
}

func (t *Tasks) Erase() error {
	t.phase(PhaseErase)

	start := time.Now()
	if err := t.flash.EraseChip(); err != nil {
		return err
	}
	t.report.EraseTime = time.Since(start)

	t.phaseDone(PhaseErase)
	return nil
}

func (t *Tasks) VerifyErased() error {
	t.phase(PhaseVerify)

	dev := t.report.Device
	pages := dev.PageCount()
	length := int(dev.PageSize)
	if t.cfg.EraseCheck == EraseCheckFirst {
		pages = 1
		length = 1
	}

	erased := bytes.Repeat([]byte{0xFF}, length)
	buf := make([]byte, length)

	for p := 0; p < pages; p++ {
		if err := t.flash.ReadPage(p, buf); err != nil {
			return err
		}

		if !bytes.Equal(buf, erased) {
			for i, m := range buf {
				if m != 0xFF {
					return fmt.Errorf("%w: page %d byte %d is 0x%02x", ErrorEraseVerification, p, i, m)
				}
			}
		}

		if err := t.page(PhaseVerify, p, true); err != nil {
			return err
		}
	}

	t.phaseDone(PhaseVerify)
	return nil
}

func (t *Tasks) WriteAll() error {
	t.phase(PhaseWrite)

	dev := t.report.Device
	buf := make([]byte, dev.PageSize)

	start := time.Now()
	for p := 0; p < dev.PageCount(); p++ {
		if err := t.cfg.Pattern.Fill(p, buf); err != nil {
			return err
		}

		if err := t.flash.WritePage(p, buf); err != nil {
			return fmt.Errorf("page %d: %w", p, err)
		}
		t.report.PagesWritten++

		if err := t.page(PhaseWrite, p, true); err != nil {
			return err
		}
	}
	t.report.WriteTime = time.Since(start)

	t.phaseDone(PhaseWrite)
	return nil
}

func (t *Tasks) ReadAll() error {
	t.phase(PhaseRead)

	dev := t.report.Device
	pageSize := int(dev.PageSize)
	expected := make([]byte, dev.Capacity)
	actual := make([]byte, dev.Capacity)

	start := time.Now()
	for p := 0; p < dev.PageCount(); p++ {
		want := expected[p*pageSize : (p+1)*pageSize]
		got := actual[p*pageSize : (p+1)*pageSize]

		if err := t.cfg.Pattern.Fill(p, want); err != nil {
			return err
		}
		if err := t.flash.ReadPage(p, got); err != nil {
			return fmt.Errorf("page %d: %w", p, err)
		}
		t.report.PagesRead++

		ok := t.compare(p, want, got)
		if err := t.page(PhaseRead, p, ok); err != nil {
			return err
		}

		if !ok && t.cfg.Policy == PolicyFailFast {
			return fmt.Errorf("%w: page %d", ErrorDataMiscompare, p)
		}
	}
	t.report.ReadTime = time.Since(start)

	t.report.ExpectedCRC = image.Checksum(expected)
	t.report.ActualCRC = image.Checksum(actual)

	if t.report.MiscompareCount > 0 && t.cfg.Policy != PolicyIgnore {
		return fmt.Errorf("%w: %d bytes differ", ErrorDataMiscompare, t.report.MiscompareCount)
	}

	t.phaseDone(PhaseRead)
	return nil
}

func (t *Tasks) compare(page int, want []byte, got []byte) bool {
	if bytes.Equal(want, got) {
		return true
	}

	for i := range want {
		if want[i] == got[i] {
			continue
		}

		t.log("Data miscompare: page %d offset %d expected 0x%02x read 0x%02x", page, i, want[i], got[i])

		t.report.MiscompareCount++
		if t.cfg.MaxReported == 0 || len(t.report.Miscompares) < t.cfg.MaxReported {
			t.report.Miscompares = append(t.report.Miscompares, Miscompare{
				Page:     page,
				Offset:   i,
				Expected: want[i],
				Actual:   got[i],
			})
		}
	}

	return false
}

// Run executes every step in order and puts the device in deep power-down
// afterwards, whatever the outcome.
func (t *Tasks) Run() (report *Report, err error) {
	defer func() {
		if pdErr := t.flash.PowerDown(); pdErr != nil && err == nil {
			err = pdErr
		}
		report = &t.report
	}()

	steps := []func() error{t.Identify, t.Erase, t.VerifyErased, t.WriteAll, t.ReadAll}
	for _, m := range steps {
		if err := m(); err != nil {
			return nil, err
		}
	}

	t.log("Test complete: %s", t.report.String())
	return nil, nil
}
