package sgio

import (
	"fmt"
)

// Category is the classification of one SCSI command attempt. Every
// retry and recovery decision in this module keys off of it; callers
// never re-interpret raw status or sense bytes themselves.
type Category int

const (
	CatClean Category = iota
	CatRecovered
	CatUnitAttention
	CatAborted
	CatMediumHardWithInfo
	CatMediumHard
	CatNotReady
	CatIllegalReq
	CatIllegalReqWithInfo
	CatInvalidOp
	CatSyntax
	CatNoMem
	CatOther
)

var categoryNames = map[Category]string{
	CatClean:              "clean",
	CatRecovered:          "recovered error",
	CatUnitAttention:      "unit attention",
	CatAborted:            "aborted command",
	CatMediumHardWithInfo: "medium or hardware error (with lba)",
	CatMediumHard:         "medium or hardware error",
	CatNotReady:           "not ready",
	CatIllegalReq:         "illegal request",
	CatIllegalReqWithInfo: "illegal request (with info)",
	CatInvalidOp:          "invalid opcode",
	CatSyntax:             "bad cdb parameters",
	CatNoMem:              "out of memory",
	CatOther:              "other error",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Outcome is the result of a single command attempt as seen by the
// retry layers. BadLBA is only meaningful for CatMediumHardWithInfo
// and for recovered errors whose sense carried an information field.
type Outcome struct {
	Cat    Category
	BadLBA uint64
	Err    error
}

// SCSI sense keys.
const (
	KeyNoSense        = 0x0
	KeyRecovered      = 0x1
	KeyNotReady       = 0x2
	KeyMediumError    = 0x3
	KeyHardwareError  = 0x4
	KeyIllegalRequest = 0x5
	KeyUnitAttention  = 0x6
	KeyDataProtect    = 0x7
	KeyBlankCheck     = 0x8
	KeyCopyAborted    = 0xa
	KeyAbortedCommand = 0xb
)

const (
	ascInvalidOpcode     = 0x20
	ascIncompatibleMedia = 0x64 // "illegal mode for this track", MMC
)

// SenseHdr holds the interesting pieces of a sense buffer in either
// fixed (0x70/0x71) or descriptor (0x72/0x73) format.
type SenseHdr struct {
	ResponseCode byte
	Key          byte
	ASC          byte
	ASCQ         byte
}

// NormalizeSense extracts the response code, sense key and additional
// sense code from a raw sense buffer. Returns false if the buffer is
// too short or does not carry a recognized response code.
func NormalizeSense(sb []byte) (SenseHdr, bool) {
	var h SenseHdr
	if len(sb) < 1 {
		return h, false
	}
	h.ResponseCode = sb[0] & 0x7f
	switch h.ResponseCode {
	case 0x70, 0x71: // fixed format
		if len(sb) < 14 {
			if len(sb) > 2 {
				h.Key = sb[2] & 0xf
			}
			return h, len(sb) > 2
		}
		h.Key = sb[2] & 0xf
		h.ASC = sb[12]
		h.ASCQ = sb[13]
		return h, true
	case 0x72, 0x73: // descriptor format
		if len(sb) < 4 {
			return h, false
		}
		h.Key = sb[1] & 0xf
		h.ASC = sb[2]
		h.ASCQ = sb[3]
		return h, true
	}
	return h, false
}

// SenseInfoField returns the information field of a sense buffer and
// whether the device marked it valid. For fixed format the VALID bit
// gates a 32-bit field; descriptor format carries a 64-bit field in
// the information descriptor (type 0x00).
func SenseInfoField(sb []byte) (uint64, bool) {
	if len(sb) < 1 {
		return 0, false
	}
	switch sb[0] & 0x7f {
	case 0x70, 0x71:
		if len(sb) < 7 {
			return 0, false
		}
		// The field bytes are reported even when the device left the
		// VALID bit clear; MMC devices do that on hard errors.
		v := uint64(sb[3])<<24 | uint64(sb[4])<<16 | uint64(sb[5])<<8 | uint64(sb[6])
		return v, sb[0]&0x80 != 0
	case 0x72, 0x73:
		d, ok := findSenseDescriptor(sb, 0x00)
		if !ok || len(d) < 12 || d[2]&0x80 == 0 {
			return 0, false
		}
		var v uint64
		for _, b := range d[4:12] {
			v = v<<8 | uint64(b)
		}
		return v, true
	}
	return 0, false
}

// SenseILI reports whether the incorrect-length indicator is set.
func SenseILI(sb []byte) bool {
	if len(sb) < 1 {
		return false
	}
	switch sb[0] & 0x7f {
	case 0x70, 0x71:
		return len(sb) > 2 && sb[2]&0x20 != 0
	case 0x72, 0x73:
		d, ok := findSenseDescriptor(sb, 0x05)
		return ok && len(d) >= 4 && d[3]&0x20 != 0
	}
	return false
}

func findSenseDescriptor(sb []byte, typ byte) ([]byte, bool) {
	if len(sb) < 8 {
		return nil, false
	}
	add := int(sb[7])
	if add > len(sb)-8 {
		add = len(sb) - 8
	}
	d := sb[8 : 8+add]
	for len(d) >= 2 {
		dl := int(d[1]) + 2
		if dl > len(d) {
			break
		}
		if d[0] == typ {
			return d[:dl], true
		}
		d = d[dl:]
	}
	return nil, false
}

// categorizeSense routes a sense key into the outcome taxonomy.
func categorizeSense(h SenseHdr) Category {
	switch h.Key {
	case KeyNoSense, KeyRecovered:
		return CatRecovered
	case KeyNotReady:
		return CatNotReady
	case KeyMediumError, KeyHardwareError, KeyBlankCheck:
		return CatMediumHard
	case KeyIllegalRequest:
		if h.ASC == ascInvalidOpcode && h.ASCQ == 0x00 {
			return CatInvalidOp
		}
		return CatIllegalReq
	case KeyUnitAttention:
		return CatUnitAttention
	case KeyAbortedCommand:
		return CatAborted
	}
	return CatOther
}
