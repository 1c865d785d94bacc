package sgio

import (
	"bytes"
	"fmt"
)

// FmtCDB renders a command descriptor block as space separated hex
// for verbose traces.
func FmtCDB(cdb []byte) string {
	var sb bytes.Buffer
	for k, b := range cdb {
		if k > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

// DumpMemory formats buf as a hex/ascii dump, collapsing runs of
// all-zero lines. Used for sense buffers and response data at high
// verbosity.
func DumpMemory(buf []byte, n int, prefix string) string {
	var sb bytes.Buffer
	ow := 8
	if n < 0x100 {
		ow = 2
	} else if n < 0x10000 {
		ow = 4
	}
	lastLineZero := false
	printContinue := true
	for offset := 0; offset < n; offset += 16 {
		lineLen := minInt(16, n-offset)
		if isLineZeros(buf[offset:], lineLen) {
			// Even if the last couple of lines in the buffer are
			// zero print out the last line which shows the offset
			// and contents.
			if offset+16 >= n {
				lastLineZero = false
			}
			if lastLineZero {
				if printContinue {
					fmt.Fprintf(&sb, "%s        ....\n", prefix)
					printContinue = false
				}
				continue
			}
			lastLineZero = true
		} else {
			lastLineZero = false
			printContinue = true
		}
		sb.WriteString(prefix)
		dumpLine(&sb, buf[offset:], lineLen, int64(offset), ow)
	}
	return sb.String()
}

func dumpLine(sb *bytes.Buffer, buf []byte, n int, offset int64, offsetWidth int) {
	fmt.Fprintf(sb, "%0*x: ", offsetWidth, offset)
	for i := 0; i < n; i++ {
		fmt.Fprintf(sb, "%02x", buf[i])
		if i%4 == 3 {
			sb.WriteByte(' ')
		}
	}
	fmt.Fprintf(sb, "%*s  ", (16-n)*3, "")
	for i := 0; i < n; i++ {
		if buf[i] >= ' ' && buf[i] <= '~' {
			sb.WriteByte(buf[i])
		} else {
			sb.WriteByte('.')
		}
	}
	sb.WriteByte('\n')
}

func isLineZeros(buf []byte, n int) bool {
	for i := 0; i < n; i++ {
		if buf[i] != 0 {
			return false
		}
	}
	return true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
