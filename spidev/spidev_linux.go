//go:build linux

package spidev

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	SPI_IOC_WR_MODE          = 0x40016b01
	SPI_IOC_WR_BITS_PER_WORD = 0x40016b03
	SPI_IOC_WR_MAX_SPEED_HZ  = 0x40046b04

	SPI_IOC_MESSAGE_BASE = 0x40006b00
)

// IOCTransfer mirrors struct spi_ioc_transfer from linux/spi/spidev.h.
type IOCTransfer struct {
	TxBuf          uint64 // user space address of data to send
	RxBuf          uint64 // user space address for received data
	Len            uint32 // length of tx and rx buffers in bytes
	SpeedHz        uint32 // temporary override of the clock
	DelayUsecs     uint16 // delay after the last bit before deselecting
	BitsPerWord    uint8  // temporary override of the word size
	CSChange       uint8  // deselect before the next transfer
	TxNbits        uint8
	RxNbits        uint8
	WordDelayUsecs uint8
	Pad            uint8
}

func spiIOCMessage(n int) uintptr {
	return SPI_IOC_MESSAGE_BASE | uintptr(n*int(unsafe.Sizeof(IOCTransfer{})))<<16
}

func (s *SPIDev) ioctlPtr(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (s *SPIDev) open() error {
	fd, err := unix.Open(s.Path(), unix.O_RDWR|unix.O_CLOEXEC, 0600)
	if err != nil {
		return err
	}

	/* Nobody else may talk to the chip while we hold the node */
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return fmt.Errorf("%s: %w", s.Path(), ErrorBusy)
		}
		return err
	}
	s.fd = fd

	mode := s.Mode
	bits := uint8(8)
	speed := s.SpeedHz

	if err := s.ioctlPtr(SPI_IOC_WR_MODE, unsafe.Pointer(&mode)); err != nil {
		s.Close()
		return fmt.Errorf("set mode: %w", err)
	}
	if err := s.ioctlPtr(SPI_IOC_WR_BITS_PER_WORD, unsafe.Pointer(&bits)); err != nil {
		s.Close()
		return fmt.Errorf("set bits per word: %w", err)
	}
	if err := s.ioctlPtr(SPI_IOC_WR_MAX_SPEED_HZ, unsafe.Pointer(&speed)); err != nil {
		s.Close()
		return fmt.Errorf("set speed: %w", err)
	}

	return nil
}

func (s *SPIDev) Close() error {
	if s.fd < 0 {
		return nil
	}

	fd := s.fd
	s.fd = -1

	return unix.Close(fd)
}

// Transfer sends out and then receives len(in) bytes while chip select stays
// asserted.
func (s *SPIDev) Transfer(out []byte, in []byte) error {
	if len(out)+len(in) > s.MaxTransfer {
		return ErrorTransferTooLarge
	}

	var xfer [2]IOCTransfer
	n := 0

	if len(out) > 0 {
		xfer[n] = IOCTransfer{
			TxBuf:       uint64(uintptr(unsafe.Pointer(&out[0]))),
			Len:         uint32(len(out)),
			SpeedHz:     s.SpeedHz,
			BitsPerWord: 8,
		}
		n++
	}
	if len(in) > 0 {
		xfer[n] = IOCTransfer{
			RxBuf:       uint64(uintptr(unsafe.Pointer(&in[0]))),
			Len:         uint32(len(in)),
			SpeedHz:     s.SpeedHz,
			BitsPerWord: 8,
		}
		n++
	}
	if n == 0 {
		return nil
	}

	err := s.ioctlPtr(spiIOCMessage(n), unsafe.Pointer(&xfer[0]))
	runtime.KeepAlive(out)
	runtime.KeepAlive(in)

	return err
}
