package eeprom

import (
	"fmt"
	"strings"
	"time"
)

const (
	opcodeWriteStatus  = 0x01
	opcodeWrite        = 0x02
	opcodeRead         = 0x03
	opcodeWriteDisable = 0x04
	opcodeReadStatus   = 0x05
	opcodeWriteEnable  = 0x06
	opcodePageErase    = 0x42
	opcodeReadID       = 0xAB
	opcodeDeepPowerDn  = 0xB9
	opcodeChipErase    = 0xC7
	opcodeSectorErase  = 0xD8
)

/* Status register bits */
const (
	StatusWIP  = 1 << 0
	StatusWEL  = 1 << 1
	StatusBP0  = 1 << 2
	StatusBP1  = 1 << 3
	StatusWPEN = 1 << 7
)

// SignatureMicrochip is the electronic signature returned by RDID on both
// the 25LC512 and the 25LC1024.
const SignatureMicrochip = 0x29

// PollPolicy bounds a busy wait. The first status read happens after
// InitialDelay, further reads are spaced by Interval. After MaxPolls reads
// with the WIP bit still set the operation fails.
type PollPolicy struct {
	InitialDelay time.Duration
	Interval     time.Duration
	MaxPolls     int
}

type Device struct {
	Name      string
	Signature byte

	Capacity   uint32
	PageSize   uint32
	SectorSize uint32
	AddrBytes  int

	WritePoll PollPolicy
	ErasePoll PollPolicy
}

func (d Device) PageCount() int {
	return int(d.Capacity / d.PageSize)
}

func (d Device) SectorCount() int {
	return int(d.Capacity / d.SectorSize)
}

// PageOffset returns the byte offset of the first byte of a page.
func (d Device) PageOffset(page int) uint32 {
	return uint32(page) * d.PageSize
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%d bytes, %d pages of %d bytes)", d.Name, d.Capacity, d.PageCount(), d.PageSize)
}

func (d Device) validate() error {
	if d.PageSize == 0 || d.Capacity == 0 || d.Capacity%d.PageSize != 0 {
		return fmt.Errorf("%s: capacity %d is not a multiple of page size %d", d.Name, d.Capacity, d.PageSize)
	}
	if d.SectorSize == 0 || d.Capacity%d.SectorSize != 0 || d.SectorSize%d.PageSize != 0 {
		return fmt.Errorf("%s: invalid sector size %d", d.Name, d.SectorSize)
	}
	if d.AddrBytes < 2 || d.AddrBytes > 3 {
		return fmt.Errorf("%s: unsupported address width %d", d.Name, d.AddrBytes)
	}
	if uint64(d.Capacity) > uint64(1)<<(8*d.AddrBytes) {
		return fmt.Errorf("%s: capacity does not fit in %d address bytes", d.Name, d.AddrBytes)
	}
	return nil
}

var (
	LC512 = Device{
		Name: "Microchip 25LC512", Signature: SignatureMicrochip,
		Capacity: 64 * 1024, PageSize: 128, SectorSize: 16 * 1024, AddrBytes: 2,

		// tWC is 5 ms max, a write usually finishes in about 3.7 ms
		WritePoll: PollPolicy{InitialDelay: 3300 * time.Microsecond, Interval: time.Millisecond, MaxPolls: 50},
		// tCE is 10 ms max
		ErasePoll: PollPolicy{InitialDelay: 6800 * time.Microsecond, Interval: time.Millisecond, MaxPolls: 100},
	}

	LC1024 = Device{
		Name: "Microchip 25LC1024", Signature: SignatureMicrochip,
		Capacity: 128 * 1024, PageSize: 256, SectorSize: 32 * 1024, AddrBytes: 3,

		// tWC is 6 ms max
		WritePoll: PollPolicy{InitialDelay: 3300 * time.Microsecond, Interval: time.Millisecond, MaxPolls: 60},
		// tCE is 10 ms max
		ErasePoll: PollPolicy{InitialDelay: 6800 * time.Microsecond, Interval: time.Millisecond, MaxPolls: 100},
	}
)

var devices = []Device{LC512, LC1024}

// DeviceLookup finds a device by a short name such as "25lc512".
func DeviceLookup(name string) (Device, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, m := range devices {
		short := strings.ToLower(strings.TrimPrefix(m.Name, "Microchip "))
		if name == short {
			return m, true
		}
	}
	return Device{}, false
}

// DeviceNames lists the short names accepted by DeviceLookup.
func DeviceNames() []string {
	var names []string
	for _, m := range devices {
		names = append(names, strings.ToLower(strings.TrimPrefix(m.Name, "Microchip ")))
	}
	return names
}
