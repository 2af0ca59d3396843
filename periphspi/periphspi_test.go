package periphspi

import (
	"bytes"
	"errors"
	"testing"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

type fakeConn struct {
	written [][]byte
	reply   byte
}

func (c *fakeConn) String() string { return "fake" }

func (c *fakeConn) Duplex() conn.Duplex { return conn.Full }

func (c *fakeConn) Tx(w, r []byte) error {
	c.written = append(c.written, append([]byte(nil), w...))
	for i := range r {
		r[i] = c.reply + byte(i)
	}
	return nil
}

func (c *fakeConn) TxPackets(p []spi.Packet) error {
	return errors.New("not implemented")
}

func (c *fakeConn) MaxTxSize() int { return 64 }

type fakePort struct {
	conn   *fakeConn
	freq   physic.Frequency
	mode   spi.Mode
	closed bool
}

func (p *fakePort) String() string { return "fakeport" }

func (p *fakePort) LimitSpeed(f physic.Frequency) error { return nil }

func (p *fakePort) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	p.freq = f
	p.mode = mode
	return p.conn, nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestTransfer(t *testing.T) {
	fp := &fakePort{conn: &fakeConn{reply: 0x29}}

	p, err := newFromPort(fp, 0, 10000000)
	if err != nil {
		t.Fatal(err)
	}
	if fp.freq != 10*physic.MegaHertz || fp.mode != spi.Mode0 {
		t.Error("Port connected with", fp.freq, fp.mode)
	}
	if p.MaxTransactionSize() != 64 {
		t.Error("Connection limit not used:", p.MaxTransactionSize())
	}

	in := make([]byte, 2)
	if err := p.Transfer([]byte{0x03, 0x12, 0x34}, in); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(fp.conn.written[0], []byte{0x03, 0x12, 0x34, 0, 0}) {
		t.Errorf("Frame on the wire: %x", fp.conn.written[0])
	}
	if !bytes.Equal(in, []byte{0x29 + 3, 0x29 + 4}) {
		t.Errorf("Received %x", in)
	}

	if err := p.Transfer([]byte{0x06}, nil); err != nil {
		t.Fatal(err)
	}

	p.Close()
	if !fp.closed {
		t.Error("Port not closed")
	}
}
