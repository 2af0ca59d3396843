// Package spidev talks to SPI devices through the Linux spidev interface.
package spidev

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	ErrorTransferTooLarge = errors.New("transfer exceeds spidev buffer size")
	ErrorBusy             = errors.New("spidev node is in use by another process")
)

type SPIDev struct {
	path string
	fd   int

	Mode        uint8
	SpeedHz     uint32
	MaxTransfer int
}

// New opens and locks a spidev node. path is either a device node or a
// "bus.cs" pair such as "1.0".
func New(path string, mode uint8, speedHz uint32) (*SPIDev, error) {
	s := &SPIDev{
		path:        path,
		fd:          -1,
		Mode:        mode,
		SpeedHz:     speedHz,
		MaxTransfer: bufferSize(),
	}

	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func isBusPath(path string) (int, int, bool) {
	parts := strings.Split(path, ".")
	if len(parts) != 2 {
		return 0, 0, false
	}

	bus, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, 0, false
	}

	cs, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, 0, false
	}

	return int(bus), int(cs), true
}

func (s *SPIDev) Path() string {
	if bus, cs, ok := isBusPath(s.path); ok {
		return fmt.Sprintf("/dev/spidev%d.%d", bus, cs)
	}
	return s.path
}

// MaxTransactionSize is the spidev bufsiz, it bounds out plus in.
func (s *SPIDev) MaxTransactionSize() int {
	return s.MaxTransfer
}

var bufsizPath = "/sys/module/spidev/parameters/bufsiz"

func bufferSize() int {
	data, err := os.ReadFile(bufsizPath)
	if err != nil {
		return 4096
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return 4096
	}
	return n
}
