// spieeprom validates and programs Microchip 25LC512/25LC1024 SPI EEPROMs.
//
// The default command sequence of "spieeprom test" is the bench check:
// identify, erase, verify the erase, write every page, read every page back
// and compare.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BertoldVdb/spieeprom/eeprom"
	"github.com/BertoldVdb/spieeprom/eepromsim"
	"github.com/BertoldVdb/spieeprom/hal"
	"github.com/BertoldVdb/spieeprom/image"
	"github.com/BertoldVdb/spieeprom/pattern"
	"github.com/BertoldVdb/spieeprom/selftest"
	"github.com/BertoldVdb/spieeprom/spidev"
	"github.com/BertoldVdb/spieeprom/termui"
)

type options struct {
	backend    string
	bus        string
	deviceName string
	speed      uint32
	mode       uint8
	verbose    bool

	writePoll eeprom.PollPolicy
	erasePoll eeprom.PollPolicy
}

func (o *options) device() (eeprom.Device, error) {
	d, ok := eeprom.DeviceLookup(o.deviceName)
	if !ok {
		return d, fmt.Errorf("unknown device %q, choose one of %s", o.deviceName, strings.Join(eeprom.DeviceNames(), ", "))
	}
	return d, nil
}

func (o *options) openBus(d eeprom.Device) (*hal.HAL, error) {
	cfg := hal.Config{
		Backend: hal.Backend(o.backend),
		Bus:     o.bus,
		Mode:    o.mode,
		SpeedHz: o.speed,
		Sim:     eepromsim.LC512,
	}
	if d.Capacity == eeprom.LC1024.Capacity {
		cfg.Sim = eepromsim.LC1024
	}

	h, err := hal.Open(cfg)
	if err != nil {
		return nil, err
	}

	if o.verbose {
		h.LogFunc = log.Printf
	}
	return h, nil
}

// openFlash claims the bus and wraps it in a driver. With identify set a
// wrong device is rejected before the handle is returned.
func (o *options) openFlash(cmd *cobra.Command, identify bool) (*hal.HAL, *eeprom.Flash, error) {
	d, err := o.device()
	if err != nil {
		return nil, nil, err
	}

	h, err := o.openBus(d)
	if err != nil {
		return nil, nil, err
	}

	open := eeprom.New
	if identify {
		open = eeprom.Open
	}

	flash, err := open(h.SPI, d, h.SPIMaxTransactionSize())
	if err != nil {
		h.Close()
		return nil, nil, err
	}

	write, erase := flash.PollPolicy()
	flags := cmd.Flags()
	if flags.Changed("write-poll-interval") {
		write.Interval = o.writePoll.Interval
	}
	if flags.Changed("write-poll-max") {
		write.MaxPolls = o.writePoll.MaxPolls
	}
	if flags.Changed("erase-poll-interval") {
		erase.Interval = o.erasePoll.Interval
	}
	if flags.Changed("erase-poll-max") {
		erase.MaxPolls = o.erasePoll.MaxPolls
	}
	flash.SetPollPolicy(write, erase)

	log.Printf("Using %s on %s", d.Name, h.Name())
	return h, flash, nil
}

func imageHeader(d eeprom.Device) image.Header {
	return image.Header{Name: d.Name, Capacity: d.Capacity, PageSize: d.PageSize, AddrBytes: d.AddrBytes}
}

func decodeStatus(status uint8) string {
	var flags []string
	for _, m := range []struct {
		bit  uint8
		name string
	}{{eeprom.StatusWIP, "WIP"}, {eeprom.StatusWEL, "WEL"}, {eeprom.StatusBP0, "BP0"}, {eeprom.StatusBP1, "BP1"}, {eeprom.StatusWPEN, "WPEN"}} {
		if status&m.bit != 0 {
			flags = append(flags, m.name)
		}
	}
	return fmt.Sprintf("0x%02x [%s]", status, strings.Join(flags, " "))
}

func main() {
	log.SetFlags(log.Ltime)

	o := &options{}

	root := &cobra.Command{
		Use:           "spieeprom",
		Short:         "Test and program Microchip 25LC512/25LC1024 SPI EEPROMs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.backend, "backend", string(hal.BackendSPIDev), "bus backend: spidev, periph or sim")
	pf.StringVar(&o.bus, "bus", "/dev/spidev1.0", "spidev node, bus.cs pair or periph port name")
	pf.StringVar(&o.deviceName, "device", "25lc512", "device type: "+strings.Join(eeprom.DeviceNames(), ", "))
	pf.Uint32Var(&o.speed, "speed", 10000000, "SPI clock in Hz")
	pf.Uint8Var(&o.mode, "mode", 0, "SPI mode")
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "log every SPI transaction")
	pf.DurationVar(&o.writePoll.Interval, "write-poll-interval", time.Millisecond, "delay between status polls after a write")
	pf.IntVar(&o.writePoll.MaxPolls, "write-poll-max", 50, "status polls before a write is declared failed")
	pf.DurationVar(&o.erasePoll.Interval, "erase-poll-interval", time.Millisecond, "delay between status polls after an erase")
	pf.IntVar(&o.erasePoll.MaxPolls, "erase-poll-max", 100, "status polls before an erase is declared failed")

	root.AddCommand(testCommand(o), idCommand(o), statusCommand(o), eraseCommand(o),
		dumpCommand(o), restoreCommand(o), protectCommand(o), sleepCommand(o), listCommand())

	if err := root.Execute(); err != nil {
		log.Fatalln(err)
	}
}

func testCommand(o *options) *cobra.Command {
	var (
		patternName string
		policy      string
		eraseCheck  string
		maxReported int
		useUI       bool
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Erase, write every page with a pattern, read back and compare",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := pattern.Parse(patternName)
			if err != nil {
				return err
			}

			h, flash, err := o.openFlash(cmd, false)
			if err != nil {
				return err
			}
			defer h.Close()

			tasks, err := selftest.New(flash, selftest.Config{
				Pattern:     p,
				Policy:      selftest.Policy(policy),
				EraseCheck:  selftest.EraseCheck(eraseCheck),
				MaxReported: maxReported,
			})
			if err != nil {
				return err
			}

			var ui *termui.UI
			if useUI {
				d := flash.Device()
				ui, err = termui.New(" "+d.Name+" ", []string{
					fmt.Sprintf("Bus: %s  Pattern: %s  Policy: %s", h.Name(), p, policy),
					d.String(),
				}, d.PageCount())
				if err != nil {
					return fmt.Errorf("ui init: %w", err)
				}
				defer ui.Close()
				tasks.Progress = ui
			} else {
				tasks.LogFunc = log.Printf
			}

			report, err := tasks.Run()
			if ui != nil {
				verdict := "PASS"
				if err != nil {
					verdict = "FAIL: " + err.Error()
				}
				ui.SetStatus(verdict + "  (press q to exit)")
				for !ui.Stopped() {
					time.Sleep(50 * time.Millisecond)
				}
				ui.Close()

				for _, m := range report.Miscompares {
					log.Printf("Data miscompare: page %d offset %d expected 0x%02x read 0x%02x", m.Page, m.Offset, m.Expected, m.Actual)
				}
			}

			log.Println(report.String())
			return err
		},
	}

	cmd.Flags().StringVar(&patternName, "pattern", string(pattern.Incrementing), "test pattern")
	cmd.Flags().StringVar(&policy, "policy", string(selftest.PolicyCollect), "miscompare policy: collect, failfast or ignore")
	cmd.Flags().StringVar(&eraseCheck, "erase-check", string(selftest.EraseCheckFull), "erase verification: full or first")
	cmd.Flags().IntVar(&maxReported, "max-reported", 64, "miscompares kept in the report, 0 keeps all")
	cmd.Flags().BoolVar(&useUI, "ui", false, "show a fullscreen page map")

	return cmd
}

func idCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Release deep power-down and read the electronic signature",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, flash, err := o.openFlash(cmd, false)
			if err != nil {
				return err
			}
			defer h.Close()

			err = flash.Identify()
			if err != nil && !errors.Is(err, eeprom.ErrorWrongDevice) {
				return err
			}

			match := "matches"
			if err != nil {
				match = "does not match"
			}
			fmt.Printf("signature 0x%02x %s %s\n", flash.Signature(), match, flash.Device().Name)
			return err
		},
	}
}

func statusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Read and decode the status register",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, flash, err := o.openFlash(cmd, true)
			if err != nil {
				return err
			}
			defer h.Close()

			status, err := flash.ReadStatus()
			if err != nil {
				return err
			}
			fmt.Println(decodeStatus(status))
			return nil
		},
	}
}

func eraseCommand(o *options) *cobra.Command {
	var page, sector int

	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase the whole chip, one page or one sector",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, flash, err := o.openFlash(cmd, true)
			if err != nil {
				return err
			}
			defer h.Close()

			start := time.Now()
			switch {
			case page >= 0:
				err = flash.ErasePage(page)
			case sector >= 0:
				err = flash.EraseSector(sector)
			default:
				err = flash.EraseChip()
			}
			if err != nil {
				return err
			}

			log.Println("Erase finished in", time.Since(start))
			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", -1, "erase only this page")
	cmd.Flags().IntVar(&sector, "sector", -1, "erase only this sector")
	return cmd
}

func dumpCommand(o *options) *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Read the whole device into an image file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, flash, err := o.openFlash(cmd, true)
			if err != nil {
				return err
			}
			defer h.Close()

			d := flash.Device()
			contents := make([]byte, d.Capacity)
			if _, err := flash.Read(0, contents); err != nil {
				return err
			}

			img := image.Build(imageHeader(d), contents)
			if err := os.WriteFile(outFile, img, 0644); err != nil {
				return err
			}

			log.Printf("Wrote %d bytes, crc %08x", len(contents), image.Checksum(contents))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output image file")
	cmd.MarkFlagRequired("out")
	return cmd
}

func restoreCommand(o *options) *cobra.Command {
	var (
		inFile string
		verify bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Write an image file back to the device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := o.device()
			if err != nil {
				return err
			}

			img, err := os.ReadFile(inFile)
			if err != nil {
				return err
			}

			if err := image.Validate(img, imageHeader(d)); err != nil {
				return fmt.Errorf("%s: %w", inFile, err)
			}
			_, contents, err := image.Extract(img)
			if err != nil {
				return err
			}

			h, flash, err := o.openFlash(cmd, true)
			if err != nil {
				return err
			}
			defer h.Close()

			for p := 0; p < d.PageCount(); p++ {
				off := d.PageOffset(p)
				if err := flash.WritePage(p, contents[off:off+d.PageSize]); err != nil {
					return fmt.Errorf("page %d: %w", p, err)
				}
			}

			if verify {
				rb := make([]byte, d.Capacity)
				if _, err := flash.Read(0, rb); err != nil {
					return err
				}
				if !bytes.Equal(rb, contents) {
					return fmt.Errorf("%w: crc %08x, expected %08x", selftest.ErrorDataMiscompare, image.Checksum(rb), image.Checksum(contents))
				}
			}

			log.Printf("Restored %d pages", d.PageCount())
			return nil
		},
	}

	cmd.Flags().StringVarP(&inFile, "in", "i", "", "input image file")
	cmd.Flags().BoolVar(&verify, "verify", true, "read back and compare after writing")
	cmd.MarkFlagRequired("in")
	return cmd
}

func protectCommand(o *options) *cobra.Command {
	var (
		bp   uint8
		wpen bool
	)

	cmd := &cobra.Command{
		Use:   "protect",
		Short: "Set the block protection bits of the status register",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bp > 3 {
				return fmt.Errorf("--bp must be between 0 and 3")
			}

			h, flash, err := o.openFlash(cmd, true)
			if err != nil {
				return err
			}
			defer h.Close()

			status := bp << 2
			if wpen {
				status |= eeprom.StatusWPEN
			}
			if err := flash.WriteStatus(status); err != nil {
				return err
			}

			status, err = flash.ReadStatus()
			if err != nil {
				return err
			}
			fmt.Println(decodeStatus(status))
			return nil
		},
	}

	cmd.Flags().Uint8Var(&bp, "bp", 0, "protected blocks: 0 none, 1 upper quarter, 2 upper half, 3 all")
	cmd.Flags().BoolVar(&wpen, "wpen", false, "enable the WP pin")
	return cmd
}

func sleepCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sleep",
		Short: "Put the device in deep power-down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, flash, err := o.openFlash(cmd, false)
			if err != nil {
				return err
			}
			defer h.Close()

			return flash.PowerDown()
		},
	}
}

func listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List spidev nodes",
		RunE: func(_ *cobra.Command, _ []string) error {
			devs, err := spidev.FindDevices()
			if err != nil {
				return err
			}
			for _, m := range devs {
				fmt.Printf("%s\tbus %d cs %d\t%s\n", m.Path, m.Bus, m.CS, m.Driver)
			}
			return nil
		},
	}
}
