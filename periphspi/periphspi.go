// Package periphspi opens an SPI port through the periph.io host registry.
package periphspi

import (
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

type Port struct {
	port spi.PortCloser
	conn spi.Conn

	maxTx int
}

// New initializes the host drivers and connects to a port by registry name,
// an empty name selects the first port.
func New(name string, mode uint8, speedHz uint32) (*Port, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host initialization failed: %w", err)
	}

	p, err := spireg.Open(name)
	if err != nil {
		return nil, err
	}

	return newFromPort(p, mode, speedHz)
}

func newFromPort(p spi.PortCloser, mode uint8, speedHz uint32) (*Port, error) {
	c, err := p.Connect(physic.Frequency(speedHz)*physic.Hertz, spi.Mode(mode), 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("SPI connection failed: %w", err)
	}

	maxTx := 4096
	if l, ok := c.(conn.Limits); ok && l.MaxTxSize() > 0 {
		maxTx = l.MaxTxSize()
	}

	return &Port{
		port:  p,
		conn:  c,
		maxTx: maxTx,
	}, nil
}

func (p *Port) String() string {
	return p.port.String()
}

// Transfer clocks out followed by len(in) dummy bytes in one full duplex
// transaction, the bytes received during the dummy phase land in in.
func (p *Port) Transfer(out []byte, in []byte) error {
	w := make([]byte, len(out)+len(in))
	copy(w, out)

	if len(in) == 0 {
		return p.conn.Tx(w, nil)
	}

	r := make([]byte, len(w))
	if err := p.conn.Tx(w, r); err != nil {
		return err
	}

	copy(in, r[len(out):])
	return nil
}

func (p *Port) MaxTransactionSize() int {
	return p.maxTx
}

func (p *Port) Close() error {
	return p.port.Close()
}
