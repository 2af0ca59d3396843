package image

import (
	"encoding/binary"

	"github.com/snksoft/crc"
)

var crcTable *crc.Table

func init() {
	params := crc.CRC32
	params.FinalXor = 0
	params.ReflectOut = false
	crcTable = crc.NewTable(params)
}

/* The CRC runs over 32 bit words stored little endian */
func crcCalculateBlock(data []byte) uint32 {
	if len(data)%4 > 0 {
		panic("block size needs to be a multiple of 4")
	}

	h := crc.NewHashWithTable(crcTable)

	var buf [4]byte
	for i := 0; i < len(data); i += 4 {
		buf[0] = data[i+3]
		buf[1] = data[i+2]
		buf[2] = data[i+1]
		buf[3] = data[i+0]
		h.Update(buf[:])
	}

	return h.CRC32()
}

// Checksum returns the image CRC of arbitrary data. A trailing partial word
// is padded with 0xFF, the erased value.
func Checksum(data []byte) uint32 {
	if rem := len(data) % 4; rem > 0 {
		padded := make([]byte, len(data)+4-rem)
		copy(padded, data)
		for i := len(data); i < len(padded); i++ {
			padded[i] = 0xFF
		}
		data = padded
	}

	return crcCalculateBlock(data)
}

func crcCheck(slice []byte, value uint32) bool {
	if len(slice) < 4 {
		panic("slice length invalid")
	}

	return binary.BigEndian.Uint32(slice) == value
}
