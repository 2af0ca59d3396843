//go:build linux

package spidev

import (
	"testing"
	"unsafe"
)

func TestIOCTransferLayout(t *testing.T) {
	if size := unsafe.Sizeof(IOCTransfer{}); size != 32 {
		t.Error("spi_ioc_transfer must be 32 bytes, got", size)
	}

	if req := spiIOCMessage(1); req != 0x40206b00 {
		t.Errorf("SPI_IOC_MESSAGE(1) is %08x", req)
	}
	if req := spiIOCMessage(2); req != 0x40406b00 {
		t.Errorf("SPI_IOC_MESSAGE(2) is %08x", req)
	}
}
