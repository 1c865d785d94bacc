// Package reader implements the SCSI read-retry engine: a single
// command reader over the sgio transport and the range reader that
// layers retry, partial-range isolation, read-long fallback and
// zero-fill recovery on top of it.
package reader

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zytzjx/dskread/sgio"
)

// Peripheral device types the policy cares about.
const (
	PDTDisk = 0
	PDTMMC  = 5 // optical; MMC READs report errors differently
)

// Flags is the immutable read policy for one session.
type Flags struct {
	CDBSize  int
	FUA      bool
	DPO      bool
	DirectIO bool
	Retries  int // per-range retry budget
	CoE      int // continue-on-error aggressiveness, 0 disables
	PDT      int
}

// Recovery policy limits.
const (
	// MaxUnitAttentions and MaxAbortedCmds cap how many transient bus
	// conditions the whole run will absorb before a range is failed.
	MaxUnitAttentions = 10
	MaxAbortedCmds    = 256

	// DefRetries is the default per-range retry budget.
	DefRetries = 2

	// readLongDefBlkInc seeds the adaptive READ LONG(10) byte
	// increment; the device corrects it on the first mismatch.
	readLongDefBlkInc = 8

	// readLongMinBlkSize is the smallest block size the read-long
	// recovery path can operate on.
	readLongMinBlkSize = 32
)

// Stats carries the cumulative session counters and the pieces of
// recovery state that persist for the rest of the run. One instance is
// shared by the range reader and the session driver; there are no
// hidden process-wide globals.
type Stats struct {
	InFull          int64 // blocks transferred by full chunks
	InPartial       int64 // partial-chunk events
	RecoveredErrs   int
	UnrecoveredErrs int
	Retries         int
	ReadLongs       int
	Mismatches      int64 // pattern verification failures

	uasLeft     int
	abortsLeft  int
	readLongInc int
}

func NewStats() *Stats {
	return &Stats{
		uasLeft:     MaxUnitAttentions,
		abortsLeft:  MaxAbortedCmds,
		readLongInc: readLongDefBlkInc,
	}
}

// Transport is what the range reader needs from a device: one READ
// covering a block range and one byte-granular READ LONG. Tests
// substitute a fault-injecting implementation.
type Transport interface {
	// ReadBlocks issues a single READ for blocks starting at lba into
	// buf. The outcome carries the bad-block LBA when the sense data
	// identified one.
	ReadBlocks(buf []byte, lba int64, blocks int) sgio.Outcome

	// ReadLong issues a READ LONG(10) for one block requesting
	// xferLen bytes. When the device rejects the length it returns
	// the signed offset between requested and actual along with
	// CatIllegalReqWithInfo.
	ReadLong(buf []byte, lba int64, xferLen int, correct bool) (int, sgio.Outcome)
}

// SGTransport is the production Transport: builds CDBs, submits them
// through one sgio.Device and interprets the sense data, counting
// recovered and unrecovered errors as it goes.
type SGTransport struct {
	Dev       *sgio.Device
	Flags     *Flags
	Stats     *Stats
	BlockSize int
	Log       *logrus.Logger

	dio bool
}

func NewSGTransport(dev *sgio.Device, flags *Flags, stats *Stats, blockSize int, log *logrus.Logger) *SGTransport {
	return &SGTransport{
		Dev:       dev,
		Flags:     flags,
		Stats:     stats,
		BlockSize: blockSize,
		Log:       log,
		dio:       flags.DirectIO,
	}
}

func (t *SGTransport) ReadBlocks(buf []byte, lba int64, blocks int) sgio.Outcome {
	cdb, err := sgio.BuildRWCDB(t.Flags.CDBSize, blocks, lba, false, t.Flags.FUA, t.Flags.DPO)
	if err != nil {
		t.Log.Errorf("bad rd cdb build, from_block=%d, blocks=%d: %v", lba, blocks, err)
		return sgio.Outcome{Cat: sgio.CatSyntax, Err: err}
	}
	t.Log.Debugf("    read cdb: %s", sgio.FmtCDB(cdb))

	res, err := t.Dev.Submit(&sgio.Command{
		CDB:      cdb,
		Dir:      sgio.DxferFromDev,
		Buf:      buf[:blocks*t.BlockSize],
		DirectIO: t.dio,
		PackID:   int(lba),
	})
	if err != nil {
		if errors.Is(err, sgio.ErrNoMem) {
			return sgio.Outcome{Cat: sgio.CatNoMem, Err: err}
		}
		t.Log.Errorf("reading (SG_IO) on sg device: %v", err)
		return sgio.Outcome{Cat: sgio.CatOther, Err: err}
	}
	t.Log.Debugf("      duration=%v", res.Duration)

	cat := res.Category()
	switch cat {
	case sgio.CatClean:
	case sgio.CatRecovered:
		t.Stats.RecoveredErrs++
		if info, valid := sgio.SenseInfoField(res.Sense); valid {
			t.Log.Warnf("    lba of last recovered error in this READ=0x%x", info)
		} else {
			t.Log.Warnf("Recovered error: [no info] reading from block=0x%x, num=%d", lba, blocks)
		}
	case sgio.CatAborted, sgio.CatUnitAttention:
		t.dumpSense(res)
		return sgio.Outcome{Cat: cat}
	case sgio.CatMediumHard:
		t.dumpSense(res)
		t.Stats.UnrecoveredErrs++
		info, valid := sgio.SenseInfoField(res.Sense)
		// MMC devices don't necessarily set the VALID bit.
		if valid || (t.Flags.PDT == PDTMMC && info > 0) {
			return sgio.Outcome{Cat: sgio.CatMediumHardWithInfo, BadLBA: info}
		}
		t.Log.Warn("Medium, hardware or blank check error but no lba of failure in sense")
		return sgio.Outcome{Cat: sgio.CatMediumHard}
	case sgio.CatNotReady:
		t.Stats.UnrecoveredErrs++
		return sgio.Outcome{Cat: cat}
	case sgio.CatIllegalReq, sgio.CatInvalidOp:
		if t.Flags.PDT == PDTMMC {
			// MMC READs can go down this path.
			if out, handled := t.mmcIllegalReq(res); handled {
				return out
			}
		}
		t.Stats.UnrecoveredErrs++
		t.dumpSense(res)
		return sgio.Outcome{Cat: cat}
	default:
		t.Stats.UnrecoveredErrs++
		t.dumpSense(res)
		return sgio.Outcome{Cat: cat}
	}

	if t.dio && !res.DirectIOHonored {
		t.dio = false // flag that dio not done (completely)
	}
	return sgio.Outcome{Cat: cat}
}

// mmcIllegalReq reinterprets an "illegal mode for this track" response
// with the incomplete-length indicator as a hard medium error, with a
// bad-block LBA when the information field is positive.
func (t *SGTransport) mmcIllegalReq(res *sgio.Result) (sgio.Outcome, bool) {
	h, ok := sgio.NormalizeSense(res.Sense)
	if !ok || h.ASC != 0x64 || h.ASCQ != 0x00 {
		return sgio.Outcome{}, false
	}
	if sgio.SenseILI(res.Sense) {
		info, _ := sgio.SenseInfoField(res.Sense)
		if info > 0 {
			t.Stats.UnrecoveredErrs++
			return sgio.Outcome{Cat: sgio.CatMediumHardWithInfo, BadLBA: info}, true
		}
		t.Log.Warn("MMC READ gave 'illegal mode for this track' and ILI but no LBA of failure")
	}
	t.Stats.UnrecoveredErrs++
	return sgio.Outcome{Cat: sgio.CatMediumHard}, true
}

func (t *SGTransport) ReadLong(buf []byte, lba int64, xferLen int, correct bool) (int, sgio.Outcome) {
	cdb, err := sgio.BuildReadLong10CDB(lba, xferLen, correct)
	if err != nil {
		return 0, sgio.Outcome{Cat: sgio.CatSyntax, Err: err}
	}
	t.Log.Debugf("    read_long(10) cdb: %s", sgio.FmtCDB(cdb))

	res, err := t.Dev.Submit(&sgio.Command{
		CDB: cdb,
		Dir: sgio.DxferFromDev,
		Buf: buf[:xferLen],
	})
	if err != nil {
		if errors.Is(err, sgio.ErrNoMem) {
			return 0, sgio.Outcome{Cat: sgio.CatNoMem, Err: err}
		}
		return 0, sgio.Outcome{Cat: sgio.CatOther, Err: err}
	}

	cat := res.Category()
	switch cat {
	case sgio.CatClean, sgio.CatRecovered:
		return 0, sgio.Outcome{Cat: sgio.CatClean}
	case sgio.CatIllegalReq, sgio.CatInvalidOp:
		if info, valid := sgio.SenseInfoField(res.Sense); valid && sgio.SenseILI(res.Sense) {
			// The device reports the difference between the length we
			// asked for and the one it wanted, twos complement.
			return int(int32(uint32(info))), sgio.Outcome{Cat: sgio.CatIllegalReqWithInfo}
		}
		t.dumpSense(res)
		return 0, sgio.Outcome{Cat: cat}
	default:
		t.dumpSense(res)
		return 0, sgio.Outcome{Cat: cat}
	}
}

func (t *SGTransport) dumpSense(res *sgio.Result) {
	if t.Log.IsLevelEnabled(logrus.DebugLevel) && len(res.Sense) > 0 {
		t.Log.Debugf("sense data:\n%s", sgio.DumpMemory(res.Sense, len(res.Sense), "    "))
	}
}

// RangeError reports the classified failure of a range read along with
// the LBA at or after which the failure applies.
type RangeError struct {
	Cat sgio.Category
	LBA int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s at or after lba=%d [0x%x]", e.Cat, e.LBA, e.LBA)
}
