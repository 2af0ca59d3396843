package eeprom

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrorWrongDevice         = errors.New("wrong device attached")
	ErrorNotIdentified       = errors.New("device has not been identified")
	ErrorPayloadTooLarge     = errors.New("payload exceeds page size")
	ErrorPageOutOfRange      = errors.New("page index out of range")
	ErrorAddressOutOfRange   = errors.New("address out of range")
	ErrorDeviceUnresponsive  = errors.New("device unresponsive")
	ErrorTransactionTooSmall = errors.New("transport cannot carry a single command frame")
)

// SPIFunc performs one chip-selected transaction: out is clocked to the
// device, then len(in) bytes are clocked back into in.
type SPIFunc func(out []byte, in []byte) error

type Flash struct {
	spi SPIFunc

	device    Device
	signature byte

	/* Destructive commands are refused until the signature matched */
	identified bool

	writePoll PollPolicy
	erasePoll PollPolicy
	sleep     func(time.Duration)

	maxBytesPerTransaction int
}

// New wraps a transport without touching the bus. maxBytesPerTransaction
// limits out+in per transaction, zero means unlimited.
func New(spi SPIFunc, device Device, maxBytesPerTransaction int) (*Flash, error) {
	if err := device.validate(); err != nil {
		return nil, err
	}
	if maxBytesPerTransaction > 0 && maxBytesPerTransaction < 2+device.AddrBytes {
		return nil, ErrorTransactionTooSmall
	}

	return &Flash{
		spi:       spi,
		device:    device,
		writePoll: device.WritePoll,
		erasePoll: device.ErasePoll,
		sleep:     time.Sleep,

		maxBytesPerTransaction: maxBytesPerTransaction,
	}, nil
}

// Open is New followed by Identify. Nothing is retried.
func Open(spi SPIFunc, device Device, maxBytesPerTransaction int) (*Flash, error) {
	f, err := New(spi, device, maxBytesPerTransaction)
	if err != nil {
		return nil, err
	}

	if err := f.Identify(); err != nil {
		return nil, err
	}

	return f, nil
}

func (f *Flash) Device() Device {
	return f.device
}

// Signature returns the last signature byte read from the device.
func (f *Flash) Signature() byte {
	return f.signature
}

// SetPollPolicy overrides the busy wait bounds of the device table.
func (f *Flash) SetPollPolicy(write PollPolicy, erase PollPolicy) {
	f.writePoll = write
	f.erasePoll = erase
}

func (f *Flash) PollPolicy() (write PollPolicy, erase PollPolicy) {
	return f.writePoll, f.erasePoll
}

func (f *Flash) frame(opcode byte, addr uint32, extra int) []byte {
	buf := make([]byte, 1+f.device.AddrBytes, 1+f.device.AddrBytes+extra)
	buf[0] = opcode
	putAddress(buf[1:], addr, f.device.AddrBytes)
	return buf
}

// ReadSignature releases the device from deep power-down and returns its
// electronic signature.
func (f *Flash) ReadSignature() (byte, error) {
	var result [1]byte
	if err := f.spi(f.frame(opcodeReadID, 0, 0), result[:]); err != nil {
		return 0, err
	}
	f.signature = result[0]
	return result[0], nil
}

// Identify reads the signature and compares it against the device table.
// A mismatch blocks every subsequent erase or write on this handle.
func (f *Flash) Identify() error {
	f.identified = false

	sig, err := f.ReadSignature()
	if err != nil {
		return err
	}
	if sig != f.device.Signature {
		return fmt.Errorf("%w: signature 0x%02x, expected 0x%02x for %s", ErrorWrongDevice, sig, f.device.Signature, f.device.Name)
	}

	f.identified = true
	return nil
}

func (f *Flash) Identified() bool {
	return f.identified
}

func (f *Flash) checkIdentified() error {
	if !f.identified {
		return ErrorNotIdentified
	}
	return nil
}

func (f *Flash) ReadStatus() (uint8, error) {
	var result [1]byte
	err := f.spi([]byte{opcodeReadStatus}, result[:])
	return result[0], err
}

// WriteEnable sets the write enable latch. The device clears it after every
// write or erase cycle.
func (f *Flash) WriteEnable() error {
	return f.spi([]byte{opcodeWriteEnable}, nil)
}

func (f *Flash) WriteDisable() error {
	return f.spi([]byte{opcodeWriteDisable}, nil)
}

// WaitIdle polls the status register until the WIP bit clears or the policy
// runs out of polls. The last status read is returned either way.
func (f *Flash) WaitIdle(p PollPolicy) (uint8, error) {
	maxPolls := p.MaxPolls
	if maxPolls < 1 {
		maxPolls = 1
	}

	f.delay(p.InitialDelay)

	var status uint8
	for i := 0; i < maxPolls; i++ {
		var err error
		if status, err = f.ReadStatus(); err != nil {
			return status, err
		}
		if status&StatusWIP == 0 {
			return status, nil
		}
		if i < maxPolls-1 {
			f.delay(p.Interval)
		}
	}

	return status, fmt.Errorf("%w: still busy after %d status polls", ErrorDeviceUnresponsive, maxPolls)
}

func (f *Flash) delay(d time.Duration) {
	if d > 0 {
		f.sleep(d)
	}
}

func (f *Flash) command(cmd []byte, p PollPolicy) error {
	if err := f.WriteEnable(); err != nil {
		return err
	}

	if err := f.spi(cmd, nil); err != nil {
		return err
	}

	_, err := f.WaitIdle(p)
	return err
}

// WriteStatus writes the block protection and WPEN bits.
func (f *Flash) WriteStatus(status uint8) error {
	if err := f.checkIdentified(); err != nil {
		return err
	}

	return f.command([]byte{opcodeWriteStatus, status}, f.writePoll)
}

// EraseChip sets every byte to 0xFF. It is ignored by the device if any
// block is write protected.
func (f *Flash) EraseChip() error {
	if err := f.checkIdentified(); err != nil {
		return err
	}

	return f.command([]byte{opcodeChipErase}, f.erasePoll)
}

func (f *Flash) ErasePage(page int) error {
	if err := f.checkIdentified(); err != nil {
		return err
	}
	if page < 0 || page >= f.device.PageCount() {
		return fmt.Errorf("%w: page %d", ErrorPageOutOfRange, page)
	}

	return f.command(f.frame(opcodePageErase, f.device.PageOffset(page), 0), f.writePoll)
}

func (f *Flash) EraseSector(sector int) error {
	if err := f.checkIdentified(); err != nil {
		return err
	}
	if sector < 0 || sector >= f.device.SectorCount() {
		return fmt.Errorf("%w: sector %d", ErrorAddressOutOfRange, sector)
	}

	return f.command(f.frame(opcodeSectorErase, uint32(sector)*f.device.SectorSize, 0), f.erasePoll)
}

// PowerDown puts the device in deep power-down. Only ReadSignature wakes it,
// so erase and write are refused again until the next Identify.
func (f *Flash) PowerDown() error {
	f.identified = false
	return f.spi([]byte{opcodeDeepPowerDn}, nil)
}

func (f *Flash) checkRange(offset uint32, length int) error {
	if uint64(offset)+uint64(length) > uint64(f.device.Capacity) {
		return fmt.Errorf("%w: 0x%x+%d exceeds %d bytes", ErrorAddressOutOfRange, offset, length, f.device.Capacity)
	}
	return nil
}

func (f *Flash) write(offset uint32, data []byte) (int, error) {
	/* A write wraps around inside the page, never cross it */
	if maxLen := pageCrossLength(offset, f.device.PageSize); len(data) > maxLen {
		data = data[:maxLen]
	}

	hdrLen := 1 + f.device.AddrBytes
	if f.maxBytesPerTransaction > 0 && len(data)+hdrLen > f.maxBytesPerTransaction {
		data = data[:f.maxBytesPerTransaction-hdrLen]
	}

	cmd := f.frame(opcodeWrite, offset, len(data))
	cmd = append(cmd, data...)

	if err := f.command(cmd, f.writePoll); err != nil {
		return 0, err
	}

	return len(data), nil
}

// WritePage programs up to one page starting at the first byte of the page.
func (f *Flash) WritePage(page int, data []byte) error {
	if len(data) > int(f.device.PageSize) {
		return fmt.Errorf("%w: %d > %d", ErrorPayloadTooLarge, len(data), f.device.PageSize)
	}
	if err := f.checkIdentified(); err != nil {
		return err
	}
	if page < 0 || page >= f.device.PageCount() {
		return fmt.Errorf("%w: page %d", ErrorPageOutOfRange, page)
	}

	_, err := completeIO(f.device.PageOffset(page), data, f.write)
	return err
}

// Write programs data at an arbitrary offset, splitting at page boundaries.
func (f *Flash) Write(offset uint32, data []byte) (int, error) {
	if err := f.checkIdentified(); err != nil {
		return 0, err
	}
	if err := f.checkRange(offset, len(data)); err != nil {
		return 0, err
	}

	return completeIO(offset, data, f.write)
}

func (f *Flash) read(offset uint32, data []byte) (int, error) {
	hdrLen := 1 + f.device.AddrBytes
	if f.maxBytesPerTransaction > 0 && len(data)+hdrLen > f.maxBytesPerTransaction {
		data = data[:f.maxBytesPerTransaction-hdrLen]
	}

	if err := f.spi(f.frame(opcodeRead, offset, 0), data); err != nil {
		return 0, err
	}

	return len(data), nil
}

// ReadPage reads len(buf) bytes from the start of a page. Reads never set
// the busy bit so there is no wait.
func (f *Flash) ReadPage(page int, buf []byte) error {
	if len(buf) > int(f.device.PageSize) {
		return fmt.Errorf("%w: %d > %d", ErrorPayloadTooLarge, len(buf), f.device.PageSize)
	}
	if page < 0 || page >= f.device.PageCount() {
		return fmt.Errorf("%w: page %d", ErrorPageOutOfRange, page)
	}

	_, err := completeIO(f.device.PageOffset(page), buf, f.read)
	return err
}

func (f *Flash) Read(offset uint32, data []byte) (int, error) {
	if err := f.checkRange(offset, len(data)); err != nil {
		return 0, err
	}

	return completeIO(offset, data, f.read)
}
