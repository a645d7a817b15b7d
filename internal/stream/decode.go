package stream

import (
	"strings"
	"unicode/utf8"
)

const replacement = "\uFFFD"

// decoder turns raw reads into valid UTF-8 text. A multi-byte sequence cut off
// at the end of a read is held back and prefixed to the next one, so a rune
// split across two reads decodes intact instead of turning into markers.
type decoder struct {
	carry []byte
}

func (d *decoder) decode(p []byte, final bool) string {
	var buf []byte
	if len(d.carry) > 0 {
		buf = make([]byte, 0, len(d.carry)+len(p))
		buf = append(buf, d.carry...)
		buf = append(buf, p...)
		d.carry = nil
	} else {
		buf = p
	}

	if !final {
		if n := incompleteTail(buf); n > 0 {
			d.carry = append([]byte(nil), buf[len(buf)-n:]...)
			buf = buf[:len(buf)-n]
		}
	}
	if len(buf) == 0 {
		return ""
	}
	return strings.ToValidUTF8(string(buf), replacement)
}

// incompleteTail returns how many trailing bytes of b form the start of a
// multi-byte rune whose remaining bytes have not arrived yet.
func incompleteTail(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if need := sequenceLen(c); need > i {
			return i
		}
		return 0
	}
	return 0
}

func sequenceLen(c byte) int {
	switch {
	case c >= 0xF0 && c <= 0xF4:
		return 4
	case c >= 0xE0 && c < 0xF0:
		return 3
	case c >= 0xC2 && c < 0xE0:
		return 2
	default:
		return 0
	}
}
