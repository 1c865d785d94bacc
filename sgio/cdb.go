package sgio

import (
	"fmt"
)

// SCSI opcodes used by this package.
const (
	opInquiry    = 0x12
	opReadCap10  = 0x25
	opReadLong10 = 0x3e
	opReadCap16  = 0x9e // SERVICE ACTION IN(16), action 0x10
)

// Read and write opcodes indexed by cdb size class (6, 10, 12, 16).
var rdOpcode = [4]byte{0x08, 0x28, 0xa8, 0x88}
var wrOpcode = [4]byte{0x0a, 0x2a, 0xaa, 0x8a}

const (
	// Largest block count a 6 byte command can carry; encoded as 0.
	maxBlocks6 = 256
	// Highest block addressable by a 6 byte command (21 bit lba).
	maxLBA6 = 0x1fffff

	maxBlocks10 = 0xffff
)

type cdbError struct {
	msg string
}

func (e *cdbError) Error() string { return e.msg }

// IsSyntaxErr reports whether err came from CDB construction with
// out-of-range parameters. Such errors are programmer errors and are
// never retried.
func IsSyntaxErr(err error) bool {
	_, ok := err.(*cdbError)
	return ok
}

func syntaxErrf(format string, a ...interface{}) error {
	return &cdbError{msg: fmt.Sprintf(format, a...)}
}

// BuildRWCDB constructs a READ or WRITE command of the given size for
// blocks starting at lba. The dpo and fua cache hints land in byte 1;
// 6 byte commands support neither and encode a count of 256 as zero.
func BuildRWCDB(cdbsz int, blocks int, lba int64, write, fua, dpo bool) ([]byte, error) {
	cdb := make([]byte, cdbsz&0x1f)
	var szInd int

	switch cdbsz {
	case 6:
		szInd = 0
		if blocks > maxBlocks6 {
			return nil, syntaxErrf("for 6 byte commands, maximum number of blocks is %d", maxBlocks6)
		}
		if lba+int64(blocks)-1 > maxLBA6 {
			return nil, syntaxErrf("for 6 byte commands, can't address blocks beyond %d", maxLBA6)
		}
		if dpo || fua {
			return nil, syntaxErrf("for 6 byte commands, neither dpo nor fua bits supported")
		}
		putBE24(cdb[1:], uint32(lba)&maxLBA6)
		if blocks == maxBlocks6 {
			cdb[4] = 0
		} else {
			cdb[4] = byte(blocks)
		}
	case 10:
		szInd = 1
		if blocks > maxBlocks10 {
			return nil, syntaxErrf("for 10 byte commands, maximum number of blocks is %d", maxBlocks10)
		}
		putBE32(cdb[2:], uint32(lba))
		putBE16(cdb[7:], uint16(blocks))
	case 12:
		szInd = 2
		putBE32(cdb[2:], uint32(lba))
		putBE32(cdb[6:], uint32(blocks))
	case 16:
		szInd = 3
		putBE64(cdb[2:], uint64(lba))
		putBE32(cdb[10:], uint32(blocks))
	default:
		return nil, syntaxErrf("expected cdb size of 6, 10, 12, or 16 but got %d", cdbsz)
	}
	if write {
		cdb[0] = wrOpcode[szInd]
	} else {
		cdb[0] = rdOpcode[szInd]
	}
	if cdbsz != 6 {
		if dpo {
			cdb[1] |= 0x10
		}
		if fua {
			cdb[1] |= 0x08
		}
	}
	return cdb, nil
}

// BuildReadLong10CDB constructs a READ LONG(10) command requesting
// xferLen bytes for a single block. With correct set the device is
// asked to apply ECC correction to the returned data.
func BuildReadLong10CDB(lba int64, xferLen int, correct bool) ([]byte, error) {
	if lba < 0 || lba > 0xffffffff {
		return nil, syntaxErrf("read long(10) lba 0x%x out of range", lba)
	}
	if xferLen < 0 || xferLen > 0xffff {
		return nil, syntaxErrf("read long(10) transfer length %d out of range", xferLen)
	}
	cdb := make([]byte, 10)
	cdb[0] = opReadLong10
	if correct {
		cdb[1] |= 0x02
	}
	putBE32(cdb[2:], uint32(lba))
	putBE16(cdb[7:], uint16(xferLen))
	return cdb, nil
}

func putBE16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func putBE24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putBE64(b []byte, v uint64) {
	putBE32(b, uint32(v>>32))
	putBE32(b[4:], uint32(v))
}

// dataToInt pulls big-endian integer fields out of response buffers.
type dataToInt struct {
	buf    []byte
	offset int
	count  int
}

func (d *dataToInt) setOffsetCount(offset int, count int) {
	d.offset = offset
	d.count = count
}

func (d *dataToInt) getInt() int {
	return int(d.getInt64())
}

func (d *dataToInt) getInt64() int64 {
	var v int64
	for i := 0; i < d.count; i++ {
		v = v<<8 | int64(d.buf[d.offset+i])
	}
	return v
}

func (d *dataToInt) getUint64() uint64 {
	var v uint64
	for i := 0; i < d.count; i++ {
		v = v<<8 | uint64(d.buf[d.offset+i])
	}
	return v
}
