package reader

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/zytzjx/dskread/sgio"
)

// RangeReader reads a block range through a Transport, isolating and
// recovering unreadable regions. All recovery policy lives here: per
// range retries, good-prefix isolation, read-long fallback, zero fill.
type RangeReader struct {
	T         Transport
	Flags     *Flags
	Stats     *Stats
	BlockSize int
	Log       *logrus.Logger
}

// Read fills buf with blocks starting at fromBlock. It returns how
// many blocks were accounted for: on success (including zero-filled
// recovery) that equals the request, on an early unrecoverable stop it
// is exactly the blocks transferred before the stop. The cursor of the
// caller always advances by the returned count; no gap is ever left
// unaccounted.
func (r *RangeReader) Read(buf []byte, fromBlock int64, blocks int) (int, error) {
	bs := r.BlockSize
	if len(buf) < blocks*bs {
		return 0, &RangeError{Cat: sgio.CatSyntax, LBA: fromBlock}
	}

	retriesTmp := r.Flags.Retries
	coe := r.Flags.CoE
	xferred := 0
	lba := fromBlock
	off := 0

	for blks := blocks; blks > 0; blks = blocks - xferred {
		var ioAddr uint64
		repeat := false
		mayCoe := false

		out := r.T.ReadBlocks(buf[off:off+blks*bs], lba, blks)
		switch out.Cat {
		case sgio.CatClean, sgio.CatRecovered:
			return xferred + blks, nil
		case sgio.CatNoMem:
			// Caller shrinks the transfer size and retries the chunk.
			return xferred, sgio.ErrNoMem
		case sgio.CatNotReady:
			r.Log.Warn("Device (r) not ready")
			return xferred, &RangeError{Cat: out.Cat, LBA: lba}
		case sgio.CatAborted:
			r.Stats.abortsLeft--
			if r.Stats.abortsLeft > 0 {
				r.Log.Warn("Aborted command, continuing (r)")
				repeat = true
			} else {
				r.Log.Warn("Aborted command, too many (r)")
				return xferred, &RangeError{Cat: out.Cat, LBA: lba}
			}
		case sgio.CatUnitAttention:
			r.Stats.uasLeft--
			if r.Stats.uasLeft > 0 {
				r.Log.Warn("Unit attention, continuing (r)")
				repeat = true
			} else {
				r.Log.Warn("Unit attention, too many (r)")
				return xferred, &RangeError{Cat: out.Cat, LBA: lba}
			}
		case sgio.CatMediumHardWithInfo:
			ioAddr = out.BadLBA
			if retriesTmp > 0 {
				retriesTmp--
				r.noteRetry(lba)
				repeat = true
			}
			// else: unrecovered read error at lba=ioAddr, isolate below
		case sgio.CatSyntax:
			// Programmer error, never retried and never zero-filled.
			return xferred, &RangeError{Cat: out.Cat, LBA: lba}
		case sgio.CatMediumHard:
			mayCoe = true
			fallthrough
		default:
			if out.Err != nil {
				// Transport-level failure, no point retrying here.
				return r.bail(buf, off, blks, xferred, lba, out.Cat, mayCoe, coe)
			}
			if retriesTmp > 0 {
				retriesTmp--
				r.noteRetry(lba)
				repeat = true
				break
			}
			return r.bail(buf, off, blks, xferred, lba, out.Cat, mayCoe, coe)
		}
		if repeat {
			continue
		}

		// Defensive check against malformed sense data: the reported
		// bad lba must lie inside the window we asked for.
		if ioAddr < uint64(lba) || ioAddr >= uint64(lba)+uint64(blks) {
			r.Log.Warnf("  Unrecovered error lba 0x%x not in correct range: [0x%x,0x%x]",
				ioAddr, lba, lba+int64(blks)-1)
			return r.bail(buf, off, blks, xferred, lba, sgio.CatMediumHard, true, coe)
		}

		// Re-read the good prefix before the bad block, if any.
		goodBlks := int(ioAddr - uint64(lba))
		if goodBlks > 0 {
			r.Log.Infof("  partial read of %d blocks prior to medium error", goodBlks)
			out2 := r.T.ReadBlocks(buf[off:off+goodBlks*bs], lba, goodBlks)
			switch out2.Cat {
			case sgio.CatClean, sgio.CatRecovered:
			case sgio.CatNoMem:
				r.Log.Warn("ENOMEM again, unexpected (r)")
				return xferred, &RangeError{Cat: sgio.CatOther, LBA: lba}
			case sgio.CatNotReady:
				r.Log.Warn("device (r) not ready")
				return xferred, &RangeError{Cat: out2.Cat, LBA: lba}
			case sgio.CatUnitAttention:
				r.Log.Warn("Unit attention, unexpected (r)")
				return xferred, &RangeError{Cat: out2.Cat, LBA: lba}
			case sgio.CatAborted:
				r.Log.Warn("Aborted command, unexpected (r)")
				return xferred, &RangeError{Cat: out2.Cat, LBA: lba}
			case sgio.CatMediumHardWithInfo, sgio.CatMediumHard:
				return r.bail(buf, off, goodBlks, xferred, lba, sgio.CatMediumHard, false, coe)
			default:
				if out2.Err != nil {
					// Failure while re-reading a range that just
					// succeeded; give up without zero fill.
					return xferred, &RangeError{Cat: out2.Cat, LBA: lba}
				}
				r.Log.Warnf(">> unexpected result=%s on good-prefix re-read", out2.Cat)
				return r.bail(buf, off, goodBlks, xferred, lba, out2.Cat, false, coe)
			}
		}
		xferred += goodBlks

		if coe == 0 {
			// Give up at the block before the problem.
			return xferred, &RangeError{Cat: sgio.CatMediumHard, LBA: lba + int64(goodBlks)}
		}
		if bs < readLongMinBlkSize {
			r.Log.Warnf(">> bs=%d too small for read_long", bs)
			return xferred, &RangeError{Cat: sgio.CatOther, LBA: lba}
		}
		off += goodBlks * bs
		lba += int64(goodBlks)

		badBlock := buf[off : off+bs]
		switch {
		case r.Flags.PDT != PDTDisk || coe < 2:
			r.Log.Warnf(">> unrecovered read error at blk=%d, pdt=%d, use zeros", lba, r.Flags.PDT)
			zeroFill(badBlock)
		case ioAddr < math.MaxUint32:
			r.readLongRecover(badBlock, lba)
		default:
			r.Log.Warnf(">> read_long(10) cannot handle blk=%d, use zeros", lba)
			zeroFill(badBlock)
		}
		xferred++
		off += bs
		lba++
	}
	return xferred, nil
}

func (r *RangeReader) noteRetry(lba int64) {
	r.Log.Warnf(">>> retrying a sgio read, lba=0x%x", lba)
	r.Stats.Retries++
	// The failed attempt already counted as unrecovered; roll that
	// back so a later success is not double counted.
	if r.Stats.UnrecoveredErrs > 0 {
		r.Stats.UnrecoveredErrs--
	}
}

// bail terminates a range after an unrecoverable condition. With coe
// enabled the remaining blks blocks are zero-filled and accounted for;
// a medium error without a usable location is then reported as success
// so the caller's cursor keeps moving.
func (r *RangeReader) bail(buf []byte, off, blks, xferred int, lba int64, cat sgio.Category, mayCoe bool, coe int) (int, error) {
	if coe == 0 {
		return xferred, &RangeError{Cat: cat, LBA: lba}
	}
	zeroFill(buf[off : off+blks*r.BlockSize])
	r.Log.Warnf(">> unable to read at blk=%d for %d bytes, use zeros", lba, blks*r.BlockSize)
	if blks > 1 {
		r.Log.Warn(">>   try reducing bpt to limit number of zeros written near bad block(s)")
	}
	// fudge success
	if mayCoe {
		return xferred + blks, nil
	}
	return xferred + blks, &RangeError{Cat: cat, LBA: lba}
}

// readLongRecover tries to pull one unreadable block byte-by-byte with
// READ LONG(10), copying the recovered bytes into dst, or zero-fills
// dst when the device cannot produce them. The byte-length increment
// the device last accepted is remembered in the session stats for the
// remainder of the run.
func (r *RangeReader) readLongRecover(dst []byte, lba int64) {
	bs := r.BlockSize
	scratch := make([]byte, bs*2)
	corrct := r.Flags.CoE > 2
	xfer := bs + r.Stats.readLongInc

	ok := false
	offset, out := r.T.ReadLong(scratch, lba, xfer, corrct)
	switch out.Cat {
	case sgio.CatClean:
		ok = true
		r.Stats.ReadLongs++
	case sgio.CatIllegalReqWithInfo:
		nl := xfer - offset
		if nl < readLongMinBlkSize || nl > bs*2 {
			r.Log.Warnf(">> read_long(10) len=%d unexpected", nl)
			break
		}
		// Remember for the next read_long attempt, if required.
		r.Stats.readLongInc = nl - bs
		r.Log.Infof("read_long(10): adjusted len=%d", nl)
		if _, out2 := r.T.ReadLong(scratch, lba, nl, corrct); out2.Cat == sgio.CatClean {
			ok = true
			r.Stats.ReadLongs++
		} else {
			r.Log.Warnf(">> unexpected result=%s on second read_long(10)", out2.Cat)
		}
	case sgio.CatInvalidOp:
		r.Log.Warn(">> read_long(10); not supported")
	case sgio.CatIllegalReq:
		r.Log.Warn(">> read_long(10): bad cdb field")
	case sgio.CatNotReady:
		r.Log.Warn(">> read_long(10): device not ready")
	case sgio.CatUnitAttention:
		r.Log.Warn(">> read_long(10): unit attention")
	case sgio.CatAborted:
		r.Log.Warn(">> read_long(10): aborted command")
	default:
		r.Log.Warnf(">> read_long(10): problem (%s)", out.Cat)
	}

	if ok {
		copy(dst, scratch[:bs])
	} else {
		zeroFill(dst)
	}
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
