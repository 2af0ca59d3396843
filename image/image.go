// Package image stores a full EEPROM dump together with the geometry it was
// read from and a CRC over both.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerLen = 0x20
	nameLen   = headerLen - 12

	magic   uint32 = 0x2545504d
	version byte   = 1
)

type Header struct {
	Name      string
	Capacity  uint32
	PageSize  uint32
	AddrBytes int
}

var (
	ErrorInvalidLength = errors.New("image length not valid")
	ErrorInvalidHeader = errors.New("header is not valid")
	ErrorInvalidCRC    = errors.New("CRC is not valid")

	ErrorGeometryMismatch = errors.New("image was read from a different device")
)

func makeHeader(buf []byte, hdr Header) {
	binary.BigEndian.PutUint32(buf[0:], magic)
	buf[4] = version
	buf[5] = byte(hdr.AddrBytes)
	binary.BigEndian.PutUint16(buf[6:], uint16(hdr.PageSize))
	binary.BigEndian.PutUint32(buf[8:], hdr.Capacity)

	name := []byte(hdr.Name)
	if len(name) > nameLen {
		name = name[:nameLen]
	}
	copy(buf[12:headerLen], name)
}

func parseHeader(buf []byte) (Header, error) {
	if binary.BigEndian.Uint32(buf) != magic || buf[4] != version {
		return Header{}, ErrorInvalidHeader
	}

	hdr := Header{
		AddrBytes: int(buf[5]),
		PageSize:  uint32(binary.BigEndian.Uint16(buf[6:])),
		Capacity:  binary.BigEndian.Uint32(buf[8:]),
		Name:      string(bytes.TrimRight(buf[12:headerLen], "\x00")),
	}

	if hdr.PageSize == 0 || hdr.Capacity%hdr.PageSize != 0 || hdr.Capacity%4 != 0 {
		return Header{}, ErrorInvalidHeader
	}

	return hdr, nil
}

// Build wraps contents, which must hold exactly hdr.Capacity bytes.
func Build(hdr Header, contents []byte) []byte {
	if uint32(len(contents)) != hdr.Capacity || hdr.Capacity%4 != 0 {
		panic("contents do not match the header capacity")
	}

	img := make([]byte, headerLen+len(contents)+4)
	makeHeader(img, hdr)
	copy(img[headerLen:], contents)

	binary.BigEndian.PutUint32(img[len(img)-4:], crcCalculateBlock(img[:len(img)-4]))

	return img
}

// Validate checks the image and that its geometry matches want. The name
// is not compared.
func Validate(image []byte, want Header) error {
	hdr, _, err := Extract(image)
	if err != nil {
		return err
	}

	if hdr.Capacity != want.Capacity || hdr.PageSize != want.PageSize || hdr.AddrBytes != want.AddrBytes {
		return fmt.Errorf("%w: %s (%d bytes, %d byte pages, %d address bytes), not %s",
			ErrorGeometryMismatch, hdr.Name, hdr.Capacity, hdr.PageSize, hdr.AddrBytes, want.Name)
	}
	return nil
}

func Extract(image []byte) (Header, []byte, error) {
	if len(image) < headerLen+4 {
		return Header{}, nil, ErrorInvalidLength
	}

	hdr, err := parseHeader(image)
	if err != nil {
		return Header{}, nil, err
	}

	if len(image) != headerLen+int(hdr.Capacity)+4 {
		return Header{}, nil, ErrorInvalidLength
	}

	body := image[:len(image)-4]
	if !crcCheck(image[len(image)-4:], crcCalculateBlock(body)) {
		return Header{}, nil, ErrorInvalidCRC
	}

	return hdr, body[headerLen:], nil
}
