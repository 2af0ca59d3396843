package selftest

import (
	"errors"
	"testing"

	"github.com/BertoldVdb/spieeprom/eeprom"
	"github.com/BertoldVdb/spieeprom/eepromsim"
	"github.com/BertoldVdb/spieeprom/pattern"
)

var fastPoll = eeprom.PollPolicy{MaxPolls: 10}

func newTestTasks(t *testing.T, simConfig eepromsim.Config, cfg Config) (*Tasks, *eeprom.Flash, *eepromsim.Device) {
	sim := eepromsim.New(simConfig)

	device := eeprom.LC512
	if simConfig.Capacity == eeprom.LC1024.Capacity {
		device = eeprom.LC1024
	}

	flash, err := eeprom.New(sim.SPI, device, 0)
	if err != nil {
		t.Fatal(err)
	}
	flash.SetPollPolicy(fastPoll, fastPoll)

	tasks, err := New(flash, cfg)
	if err != nil {
		t.Fatal(err)
	}

	return tasks, flash, sim
}

func prepare(t *testing.T, tasks *Tasks) {
	for _, m := range []func() error{tasks.Identify, tasks.Erase, tasks.VerifyErased, tasks.WriteAll} {
		if err := m(); err != nil {
			t.Fatal(err)
		}
	}
}

type recorder struct {
	phases []string
	done   []string
	pages  map[string]int
	bad    int
	stopAt int
}

func (r *recorder) Phase(name string) { r.phases = append(r.phases, name) }

func (r *recorder) PhaseDone(name string) { r.done = append(r.done, name) }

func (r *recorder) Page(phase string, page int, ok bool) {
	if r.pages == nil {
		r.pages = make(map[string]int)
	}
	r.pages[phase]++
	if !ok {
		r.bad++
	}
}

func (r *recorder) Stopped() bool {
	return r.stopAt > 0 && r.pages[PhaseWrite] >= r.stopAt
}

func TestEndToEnd(t *testing.T) {
	tasks, _, sim := newTestTasks(t, eepromsim.LC512, DefaultConfig)

	rec := &recorder{}
	tasks.Progress = rec

	report, err := tasks.Run()
	if err != nil {
		t.Fatal("Run failed:", err)
	}

	if report.PagesWritten != 512 || report.PagesRead != 512 {
		t.Error("Not every page was tested:", report.PagesWritten, report.PagesRead)
	}
	if report.MiscompareCount != 0 || len(report.Miscompares) != 0 {
		t.Error("Unexpected miscompares:", report.Miscompares)
	}
	if report.ExpectedCRC != report.ActualCRC {
		t.Errorf("CRC mismatch %08x != %08x", report.ExpectedCRC, report.ActualCRC)
	}
	if report.Signature != eeprom.SignatureMicrochip {
		t.Errorf("Signature 0x%02x", report.Signature)
	}

	mem := sim.Memory()
	for p := 0; p < 512; p++ {
		for i := 0; i < 128; i++ {
			if mem[p*128+i] != byte(i) {
				t.Fatalf("Page %d byte %d is 0x%02x", p, i, mem[p*128+i])
			}
		}
	}

	if !sim.PoweredDown() {
		t.Error("Device not powered down after the run")
	}
	if len(rec.done) != len(Phases) || rec.pages[PhaseRead] != 512 || rec.bad != 0 {
		t.Error("Progress not reported:", rec.done, rec.pages, rec.bad)
	}
}

func TestWrongDevice(t *testing.T) {
	cfg := eepromsim.LC512
	cfg.Signature = 0x13
	tasks, _, sim := newTestTasks(t, cfg, DefaultConfig)

	report, err := tasks.Run()
	if !errors.Is(err, eeprom.ErrorWrongDevice) {
		t.Fatal("Wrong device not detected:", err)
	}
	if report.Signature != 0x13 {
		t.Errorf("Signature 0x%02x not reported", report.Signature)
	}

	for _, m := range sim.Opcodes {
		if m == 0xC7 || m == 0x02 || m == 0x06 {
			t.Errorf("Opcode 0x%02x sent to the wrong device", m)
		}
	}
	if !sim.PoweredDown() {
		t.Error("Wrong device not powered down")
	}
}

func TestEraseVerification(t *testing.T) {
	tasks, flash, sim := newTestTasks(t, eepromsim.LC512, DefaultConfig)

	/* With a block protected the chip erase is ignored */
	if err := flash.Identify(); err != nil {
		t.Fatal(err)
	}
	if err := flash.WriteStatus(eeprom.StatusBP0); err != nil {
		t.Fatal(err)
	}

	_, err := tasks.Run()
	if !errors.Is(err, ErrorEraseVerification) {
		t.Fatal("Erase failure not detected:", err)
	}

	for _, m := range sim.Opcodes {
		if m == 0x02 {
			t.Fatal("Pages written after a failed erase")
		}
	}
}

func TestEraseCheckFirst(t *testing.T) {
	cfg := DefaultConfig
	cfg.EraseCheck = EraseCheckFirst
	tasks, _, sim := newTestTasks(t, eepromsim.LC512, cfg)

	for _, m := range []func() error{tasks.Identify, tasks.Erase} {
		if err := m(); err != nil {
			t.Fatal(err)
		}
	}

	/* Only byte 0 of page 0 is checked */
	sim.Memory()[1] = 0
	sim.Memory()[128] = 0
	if err := tasks.VerifyErased(); err != nil {
		t.Error("First byte check read more than one byte:", err)
	}

	sim.Memory()[0] = 0
	if err := tasks.VerifyErased(); !errors.Is(err, ErrorEraseVerification) {
		t.Error("Erase failure on byte 0 not detected:", err)
	}
}

func TestMiscompareCollect(t *testing.T) {
	tasks, _, sim := newTestTasks(t, eepromsim.LC512, DefaultConfig)
	prepare(t, tasks)

	sim.FlipBit(3*128+5, 0x10)
	sim.FlipBit(200*128+127, 0x01)

	err := tasks.ReadAll()
	if !errors.Is(err, ErrorDataMiscompare) {
		t.Fatal("Miscompare not reported:", err)
	}

	r := tasks.Report()
	if r.PagesRead != 512 || r.MiscompareCount != 2 {
		t.Error("Collect policy stopped early:", r.PagesRead, r.MiscompareCount)
	}

	want := Miscompare{Page: 3, Offset: 5, Expected: 5, Actual: 5 ^ 0x10}
	if len(r.Miscompares) != 2 || r.Miscompares[0] != want {
		t.Errorf("Miscompares: %+v", r.Miscompares)
	}
	if r.ExpectedCRC == r.ActualCRC {
		t.Error("Checksums equal despite corruption")
	}
}

func TestMiscompareFailFast(t *testing.T) {
	cfg := DefaultConfig
	cfg.Policy = PolicyFailFast
	tasks, _, sim := newTestTasks(t, eepromsim.LC512, cfg)
	prepare(t, tasks)

	sim.FlipBit(3*128, 0xff)
	sim.FlipBit(10*128, 0xff)

	if err := tasks.ReadAll(); !errors.Is(err, ErrorDataMiscompare) {
		t.Fatal("Miscompare not reported:", err)
	}
	if r := tasks.Report(); r.PagesRead != 4 || r.MiscompareCount != 1 {
		t.Error("Fail fast read", r.PagesRead, "pages and found", r.MiscompareCount, "miscompares")
	}
}

func TestMiscompareIgnore(t *testing.T) {
	cfg := DefaultConfig
	cfg.Policy = PolicyIgnore
	cfg.MaxReported = 1
	tasks, _, sim := newTestTasks(t, eepromsim.LC512, cfg)
	prepare(t, tasks)

	var logged int
	tasks.LogFunc = func(format string, params ...any) { logged++ }

	sim.FlipBit(0, 0xff)
	sim.FlipBit(1, 0xff)

	if err := tasks.ReadAll(); err != nil {
		t.Fatal("Ignore policy failed the run:", err)
	}

	r := tasks.Report()
	if r.MiscompareCount != 2 || len(r.Miscompares) != 1 {
		t.Error("Report limit not applied:", r.MiscompareCount, len(r.Miscompares))
	}
	if logged < 2 {
		t.Error("Miscompares were not logged")
	}
}

func TestUnresponsive(t *testing.T) {
	tasks, _, sim := newTestTasks(t, eepromsim.LC512, DefaultConfig)

	if err := tasks.Identify(); err != nil {
		t.Fatal(err)
	}
	sim.StuckBusy = true

	if err := tasks.Erase(); !errors.Is(err, eeprom.ErrorDeviceUnresponsive) {
		t.Error("Stuck device not detected:", err)
	}
}

func TestInterrupted(t *testing.T) {
	tasks, _, _ := newTestTasks(t, eepromsim.LC512, DefaultConfig)
	tasks.Progress = &recorder{stopAt: 10}

	report, err := tasks.Run()
	if err != ErrorInterrupted {
		t.Fatal("Run not interrupted:", err)
	}
	if report.PagesWritten != 10 {
		t.Error("Wrote", report.PagesWritten, "pages after stop request")
	}
}

func TestLC1024Pattern(t *testing.T) {
	cfg := DefaultConfig
	cfg.Pattern = pattern.PageIndex
	tasks, _, _ := newTestTasks(t, eepromsim.LC1024, cfg)

	report, err := tasks.Run()
	if err != nil {
		t.Fatal(err)
	}
	if report.PagesRead != 512 || report.Device.PageSize != 256 {
		t.Error("Wrong geometry used:", report.String())
	}
}

func TestInvalidConfig(t *testing.T) {
	flash, err := eeprom.New(eepromsim.New(eepromsim.LC512).SPI, eeprom.LC512, 0)
	if err != nil {
		t.Fatal(err)
	}

	for _, cfg := range []Config{
		{Pattern: "stripes", Policy: PolicyCollect, EraseCheck: EraseCheckFull},
		{Pattern: pattern.Zeros, Policy: "retry", EraseCheck: EraseCheckFull},
		{Pattern: pattern.Zeros, Policy: PolicyCollect, EraseCheck: "half"},
	} {
		if _, err := New(flash, cfg); err == nil {
			t.Errorf("Config %+v accepted", cfg)
		}
	}
}
