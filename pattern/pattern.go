package pattern

import (
	"errors"
	"fmt"
	"strings"
)

var ErrorUnknownPattern = errors.New("unknown pattern")

type Pattern string

const (
	/* Byte i of every page holds i, this is what the bench test always used */
	Incrementing Pattern = "incrementing"

	/* Complement of Incrementing */
	Inverted Pattern = "inverted"

	/* 0x55/0xAA alternating, swapped on odd pages */
	Checkerboard Pattern = "checkerboard"

	/* All bits programmed */
	Zeros Pattern = "zeros"

	/* Low byte of the page index followed by the byte offset, catches address aliasing */
	PageIndex Pattern = "pageindex"

	/* xorshift32 stream seeded with the page index */
	Random Pattern = "random"
)

var All = []Pattern{Incrementing, Inverted, Checkerboard, Zeros, PageIndex, Random}

func Parse(name string) (Pattern, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, m := range All {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w '%s'", ErrorUnknownPattern, name)
}

// Fill writes the expected contents of a page into buf.
func (p Pattern) Fill(page int, buf []byte) error {
	switch p {
	case Incrementing:
		for i := range buf {
			buf[i] = byte(i)
		}

	case Inverted:
		for i := range buf {
			buf[i] = ^byte(i)
		}

	case Checkerboard:
		a, b := byte(0x55), byte(0xAA)
		if page%2 == 1 {
			a, b = b, a
		}
		for i := range buf {
			if i%2 == 0 {
				buf[i] = a
			} else {
				buf[i] = b
			}
		}

	case Zeros:
		for i := range buf {
			buf[i] = 0
		}

	case PageIndex:
		for i := range buf {
			if i%2 == 0 {
				buf[i] = byte(page)
			} else {
				buf[i] = byte(i)
			}
		}

	case Random:
		state := uint32(page)*0x9E3779B9 + 1
		for i := range buf {
			state ^= state << 13
			state ^= state >> 17
			state ^= state << 5
			buf[i] = byte(state)
		}

	default:
		return fmt.Errorf("%w '%s'", ErrorUnknownPattern, p)
	}

	return nil
}
