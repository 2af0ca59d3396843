//go:build !linux

package spidev

import "errors"

func (s *SPIDev) open() error {
	return errors.ErrUnsupported
}

func (s *SPIDev) Close() error {
	return nil
}

func (s *SPIDev) Transfer(out []byte, in []byte) error {
	if len(out)+len(in) > s.MaxTransfer {
		return ErrorTransferTooLarge
	}
	return errors.ErrUnsupported
}
