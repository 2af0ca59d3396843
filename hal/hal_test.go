package hal

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/BertoldVdb/spieeprom/eepromsim"
)

type limitedTransport struct {
	max    int
	closed int
}

func (l *limitedTransport) Transfer(out []byte, in []byte) error { return nil }
func (l *limitedTransport) MaxTransactionSize() int { return l.max }
func (l *limitedTransport) Close() error {
	l.closed++
	return nil
}

func TestSimBackend(t *testing.T) {
	h, err := Open(Config{Backend: BackendSim})
	if err != nil {
		t.Fatal(err)
	}

	var lines []string
	h.LogFunc = func(format string, params ...any) {
		lines = append(lines, fmt.Sprintf(format, params...))
	}

	var sig [1]byte
	if err := h.SPI([]byte{0xab, 0, 0}, sig[:]); err != nil {
		t.Fatal(err)
	}
	if sig[0] != 0x29 {
		t.Errorf("Signature 0x%02x", sig[0])
	}

	sim, ok := h.Sim()
	if !ok || sim.Capacity != eepromsim.LC512.Capacity {
		t.Error("Default emulated device is not a 25LC512")
	}

	if h.Transactions() != 1 || len(lines) != 1 || !strings.HasPrefix(lines[0], "spi: ab0000") {
		t.Error("Transaction not logged:", lines)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.SPI([]byte{0x05}, sig[:]); err != ErrorClosed {
		t.Error("Transaction after release:", err)
	}
}

func TestTransactionLimit(t *testing.T) {
	lt := &limitedTransport{max: 8}
	h := New(lt, "limited")

	if err := h.SPI(make([]byte, 4), make([]byte, 5)); err != ErrorSPIViolated {
		t.Error("Oversized transaction accepted:", err)
	}
	if err := h.SPI(make([]byte, 4), make([]byte, 4)); err != nil {
		t.Error(err)
	}

	h.Close()
	h.Close()
	if lt.closed != 1 {
		t.Error("Transport closed", lt.closed, "times")
	}
}

func TestUnknownBackend(t *testing.T) {
	if _, err := Open(Config{Backend: "usb"}); !errors.Is(err, ErrorUnknownBackend) {
		t.Error("Unknown backend accepted:", err)
	}
}
