// Package eepromsim emulates a Microchip 25LC512/25LC1024 SPI EEPROM at the
// command level. It is a drop-in transport for eeprom.SPIFunc.
package eepromsim

import (
	"errors"
	"fmt"
)

var ErrorShortFrame = errors.New("frame shorter than command requires")

const (
	cmdWRSR  = 0x01
	cmdWRITE = 0x02
	cmdREAD  = 0x03
	cmdWRDI  = 0x04
	cmdRDSR  = 0x05
	cmdWREN  = 0x06
	cmdPE    = 0x42
	cmdRDID  = 0xAB
	cmdDPD   = 0xB9
	cmdCE    = 0xC7
	cmdSE    = 0xD8

	statusWIP  = 0x01
	statusWEL  = 0x02
	statusBP0  = 0x04
	statusBP1  = 0x08
	statusWPEN = 0x80
)

type Config struct {
	Name      string
	Signature byte

	Capacity   uint32
	PageSize   uint32
	SectorSize uint32
	AddrBytes  int

	/* Number of status reads that still report WIP after a write or erase */
	BusyPolls int
}

var (
	LC512  = Config{Name: "25LC512", Signature: 0x29, Capacity: 64 * 1024, PageSize: 128, SectorSize: 16 * 1024, AddrBytes: 2, BusyPolls: 2}
	LC1024 = Config{Name: "25LC1024", Signature: 0x29, Capacity: 128 * 1024, PageSize: 256, SectorSize: 32 * 1024, AddrBytes: 3, BusyPolls: 2}
)

type Device struct {
	Config

	mem    []byte
	status byte
	wel    bool
	busy   int
	asleep bool

	// StuckBusy makes the device report WIP forever and ignore commands.
	StuckBusy bool

	// Calls counts transactions, Opcodes records the first byte of each.
	Calls   int
	Opcodes []byte
}

// New returns a device whose array is all zero, so an erase is observable.
func New(c Config) *Device {
	return &Device{
		Config: c,
		mem:    make([]byte, c.Capacity),
	}
}

// Memory exposes the array itself, tests may modify it.
func (d *Device) Memory() []byte {
	return d.mem
}

// FlipBit xors the byte at offset with mask without a write cycle.
func (d *Device) FlipBit(offset uint32, mask byte) {
	d.mem[offset%d.Capacity] ^= mask
}

func (d *Device) PoweredDown() bool {
	return d.asleep
}

// Status returns the status register as RDSR would, without consuming a poll.
func (d *Device) Status() byte {
	s := d.status
	if d.wel {
		s |= statusWEL
	}
	if d.busy > 0 || d.StuckBusy {
		s |= statusWIP
	}
	return s
}

func (d *Device) address(out []byte) (uint32, error) {
	if len(out) < 1+d.AddrBytes {
		return 0, fmt.Errorf("%w: opcode 0x%02x needs %d address bytes", ErrorShortFrame, out[0], d.AddrBytes)
	}

	var addr uint32
	for _, m := range out[1 : 1+d.AddrBytes] {
		addr = addr<<8 | uint32(m)
	}
	return addr % d.Capacity, nil
}

func (d *Device) protected(addr uint32) bool {
	switch (d.status & (statusBP0 | statusBP1)) >> 2 {
	case 1:
		return addr >= d.Capacity/4*3
	case 2:
		return addr >= d.Capacity/2
	case 3:
		return true
	}
	return false
}

func (d *Device) startCycle() {
	d.busy = d.BusyPolls
	if d.busy == 0 {
		d.wel = false
	}
}

func (d *Device) fill(start uint32, length uint32) {
	for i := start; i < start+length; i++ {
		d.mem[i] = 0xFF
	}
}

func fillIn(in []byte, value byte) {
	for i := range in {
		in[i] = value
	}
}

// SPI executes one chip-select cycle.
func (d *Device) SPI(out []byte, in []byte) error {
	if len(out) == 0 {
		return ErrorShortFrame
	}

	d.Calls++
	d.Opcodes = append(d.Opcodes, out[0])

	/* MISO floats high for ignored commands */
	fillIn(in, 0xFF)

	if d.asleep && out[0] != cmdRDID {
		return nil
	}

	if d.busy > 0 || d.StuckBusy {
		if out[0] == cmdRDSR {
			fillIn(in, d.Status())
			if d.busy > 0 {
				d.busy--
				if d.busy == 0 {
					d.wel = false
				}
			}
		}
		return nil
	}

	switch out[0] {
	case cmdWREN:
		d.wel = true

	case cmdWRDI:
		d.wel = false

	case cmdRDSR:
		fillIn(in, d.Status())

	case cmdWRSR:
		if len(out) < 2 {
			return ErrorShortFrame
		}
		if !d.wel {
			return nil
		}
		d.status = out[1] & (statusBP0 | statusBP1 | statusWPEN)
		d.startCycle()

	case cmdREAD:
		addr, err := d.address(out)
		if err != nil {
			return err
		}
		for i := range in {
			in[i] = d.mem[(addr+uint32(i))%d.Capacity]
		}

	case cmdWRITE:
		addr, err := d.address(out)
		if err != nil {
			return err
		}
		if !d.wel {
			return nil
		}
		if d.protected(addr) {
			d.wel = false
			return nil
		}

		/* The address counter wraps inside the page */
		pageStart := addr - addr%d.PageSize
		for i, m := range out[1+d.AddrBytes:] {
			d.mem[pageStart+(addr%d.PageSize+uint32(i))%d.PageSize] = m
		}
		d.startCycle()

	case cmdPE, cmdSE:
		addr, err := d.address(out)
		if err != nil {
			return err
		}
		if !d.wel {
			return nil
		}
		if d.protected(addr) {
			d.wel = false
			return nil
		}

		size := d.PageSize
		if out[0] == cmdSE {
			size = d.SectorSize
		}
		d.fill(addr-addr%size, size)
		d.startCycle()

	case cmdCE:
		if !d.wel {
			return nil
		}
		if d.status&(statusBP0|statusBP1) != 0 {
			d.wel = false
			return nil
		}
		d.fill(0, d.Capacity)
		d.startCycle()

	case cmdRDID:
		d.asleep = false
		fillIn(in, d.Signature)

	case cmdDPD:
		d.asleep = true
	}

	return nil
}
