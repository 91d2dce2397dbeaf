package alias

import (
	"fmt"
	"math"
)

// maxDevnameLen is the longest generated device name. Eight letters would
// overflow a 32 bit ID.
const maxDevnameLen = 7

// FormatDevname encodes a positive ID as a lowercase base-26 device name:
// 1 -> "a", 26 -> "z", 27 -> "aa", 52 -> "az", 53 -> "ba".
// Multi-letter encodings never start with a redundant leading "a".
func FormatDevname(id int) (string, error) {
	if id <= 0 || id > math.MaxInt32 {
		return "", fmt.Errorf("Cannot format device name for ID %d", id)
	}

	var buf [maxDevnameLen]byte
	pos := len(buf)
	for id >= 1 {
		id--
		pos--
		buf[pos] = 'a' + byte(id%26)
		id /= 26
	}

	return string(buf[pos:]), nil
}

// ScanDevname decodes the ID from a generated alias of the form
// "<prefix><devname>". It returns -1 when the alias does not carry the prefix,
// has no devname part, contains characters outside a..z, or encodes an ID
// that overflows 32 bits.
func ScanDevname(alias string, prefix string) int {
	if prefix == "" || len(alias) <= len(prefix) || alias[:len(prefix)] != prefix {
		return -1
	}

	devname := alias[len(prefix):]
	if len(devname) > maxDevnameLen {
		return -1
	}

	const last26 = math.MaxInt32 / 26

	n := 0
	for i := range len(devname) {
		c := devname[i]
		if c < 'a' || c > 'z' {
			return -1
		}

		d := int(c - 'a')
		if n > last26 || (n == last26 && d >= math.MaxInt32%26) {
			return -1
		}

		n = n*26 + d + 1
	}

	return n
}
