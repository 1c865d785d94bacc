// Package verify drives the per-device read-verify session: open and
// classify the device, query capacity, iterate the sector range in
// chunks through the recovery engine and keep the operator informed.
package verify

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/zytzjx/dskread/reader"
	"github.com/zytzjx/dskread/sgio"
	"github.com/zytzjx/dskread/support"
)

const (
	// DefBlockSize is assumed until the device reports otherwise.
	DefBlockSize = 512

	// DefBlocksPerTransfer is the default chunk size in blocks.
	DefBlocksPerTransfer = 128

	// MaxBlocksPerTransfer bounds the -n option.
	MaxBlocksPerTransfer = 0xfffff
)

// ErrInterrupted is returned when the transfer loop observes the
// interrupt flag between chunks.
var ErrInterrupted = errors.New("interrupted by signal")

// FlockError reports a failed exclusive lock; it maps to a dedicated
// exit code so wrappers can distinguish "device in use".
type FlockError struct {
	Device string
	Err    error
}

func (e *FlockError) Error() string {
	return fmt.Sprintf("flock(LOCK_EX | LOCK_NB) on %s failed: %v", e.Device, e.Err)
}

// OpenError reports that a device could not be opened or did not
// answer the identification commands.
type OpenError struct {
	Device string
	Reason string
	Err    error
}

func (e *OpenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Device, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Device, e.Reason)
}

// RangeArgError reports start/end sectors that do not fit the device.
type RangeArgError struct {
	msg string
}

func (e *RangeArgError) Error() string { return e.msg }

// Options is the per-run configuration shared by all devices.
type Options struct {
	Pattern      byte
	CheckPattern bool
	Sectors      int   // blocks per transfer
	Start        int64 // first sector
	End          int64 // one past last sector, 0 means capacity
	Kilobyte     bool
	Refresh      int64 // progress refresh interval, seconds
	Passes       int
	PassRetries  int
	Flock        bool
	Flags        reader.Flags
}

// Signals carries the flags the OS signal handlers set. The transfer
// loop polls them between chunks; handlers never touch shared buffers.
type Signals struct {
	Interrupted atomic.Bool
	ProgressReq atomic.Bool
}

// Session verifies one device at a time against the shared options and
// statistics.
type Session struct {
	Opts  *Options
	Stats *reader.Stats
	Log   *logrus.Logger
	Sig   *Signals
	Out   io.Writer // progress table

	// Set once a device reports its geometry; used by summaries.
	BlockSize int
}

// capacityStr renders a sector count at the given block size as a
// humanized byte figure for the capacity log line.
func capacityStr(numSect int64, blkSz int) string {
	return strings.TrimSpace(support.Humanize(numSect, blkSz))
}

// clampRange validates the requested window against the device
// capacity, substituting capacity for an unset end.
func clampRange(start, end, capacity int64) (int64, error) {
	if end > capacity {
		return 0, &RangeArgError{msg: fmt.Sprintf(
			"Ending sector must be less than or equal to %d", capacity)}
	}
	if end == 0 {
		end = capacity
	}
	if start > end {
		return 0, &RangeArgError{msg: "Ending sector must be greater than starting sector"}
	}
	return end, nil
}

// Run processes one device: open, identify, size, then verify the
// sector range over the configured passes.
func (s *Session) Run(device string) error {
	opts := s.Opts

	ft := sgio.Filetype(device)
	s.Log.Infof(" >> Device file type: %s", ft)
	isBlock := ft&sgio.FTBlock != 0
	if ft&sgio.FTSG == 0 && !isBlock {
		return &OpenError{Device: device, Reason: "not an sg-capable device (" + ft.String() + ")"}
	}

	dev, err := sgio.Open(device)
	if err != nil {
		return &OpenError{Device: device, Reason: "could not open for sg reading", Err: err}
	}
	defer dev.Close()

	inq, err := dev.Inquiry()
	if err != nil {
		return &OpenError{Device: device, Reason: "INQUIRY failed", Err: err}
	}
	s.Log.Infof("    %s: %s", device, inq)

	flags := opts.Flags
	flags.PDT = inq.PDT

	if !isBlock {
		if err := dev.RequireV3(); err != nil {
			return &OpenError{Device: device, Reason: "sg driver too old", Err: err}
		}
		if err := dev.SetReservedSize(DefBlockSize * opts.Sectors); err != nil {
			s.Log.Warnf("SG_SET_RESERVED_SIZE error: %v", err)
		}
	}
	if opts.Flock {
		if err := dev.LockExclusive(); err != nil {
			return &FlockError{Device: device, Err: err}
		}
	}

	numSect, sectSz, out := dev.ReadCapacity()
	if out.Cat == sgio.CatUnitAttention {
		s.Log.Warn("Unit attention (readcap), continuing")
		numSect, sectSz, out = dev.ReadCapacity()
	} else if out.Cat == sgio.CatAborted {
		s.Log.Warn("Aborted command (readcap), continuing")
		numSect, sectSz, out = dev.ReadCapacity()
	}
	if out.Cat != sgio.CatClean {
		if out.Cat == sgio.CatInvalidOp {
			return &OpenError{Device: device, Reason: "read capacity not supported"}
		}
		return &OpenError{Device: device, Reason: "unable to read capacity", Err: out.Err}
	}

	blkSz := DefBlockSize
	if sectSz != blkSz {
		s.Log.Warnf(">> warning: block size on %s confusion: bs=%d, device claims=%d",
			device, blkSz, sectSz)
		blkSz = sectSz
	}
	s.BlockSize = blkSz
	s.Log.Infof("Start, num_sect=%d (%sB), block size=%d",
		numSect, capacityStr(numSect, blkSz), blkSz)

	end, err := clampRange(opts.Start, opts.End, numSect)
	if err != nil {
		return err
	}

	transport := reader.NewSGTransport(dev, &flags, s.Stats, blkSz, s.Log)
	rr := &reader.RangeReader{
		T:         transport,
		Flags:     &flags,
		Stats:     s.Stats,
		BlockSize: blkSz,
		Log:       s.Log,
	}

	ps := support.NewPassStats(device, blkSz)
	return s.runPasses(rr, dev, ps, opts.Start, end)
}

// runPasses iterates the requested range chunk by chunk for each pass,
// retrying a failed pass while the pass-retry budget lasts.
func (s *Session) runPasses(rr *reader.RangeReader, dev *sgio.Device, ps *support.PassStats, start, end int64) error {
	opts := s.Opts
	bpt := opts.Sectors
	blkSz := rr.BlockSize
	buf := make([]byte, bpt*blkSz)
	byteStr := fmt.Sprintf("0x%02X", opts.Pattern)

	support.PrintHeader(s.Out, opts.Kilobyte)
	lastTicks := support.Ticks()
	passRetries := opts.PassRetries

	for pass := 1; pass <= opts.Passes; pass++ {
		ps.PassTicks = 0
		var passErr error

		for sector := start; sector < end; {
			if s.Sig != nil {
				if s.Sig.Interrupted.Load() {
					return ErrInterrupted
				}
				if s.Sig.ProgressReq.CompareAndSwap(true, false) {
					support.PrintProgress(s.Out, pass, opts.Passes, byteStr, sector,
						start, end, ps, opts.Kilobyte)
					fmt.Fprintln(s.Out)
				}
			}

			n := bpt
			if sector+int64(n) > end {
				n = int(end - sector)
			}

			before := support.Ticks()
			got, err := s.readChunk(rr, dev, buf, sector, n, &bpt)
			after := support.Ticks()
			ps.WipingTicks += after - before
			ps.PassTicks += after - before

			if got > 0 {
				s.Stats.InFull += int64(got)
				if got < n {
					s.Stats.InPartial++
				}
				if opts.CheckPattern {
					if mm := countPatternMismatches(buf[:got*blkSz], opts.Pattern, blkSz); mm > 0 {
						s.Stats.Mismatches += mm
						s.Log.Warnf("pattern mismatch in %d block(s) at or after lba=%d", mm, sector)
					}
				}
			}
			sector += int64(got)

			if err != nil {
				s.Log.Errorf("sg_read failed at or after lba=%d [0x%x]: %v", sector, sector, err)
				passErr = err
				break
			}

			if after-lastTicks >= opts.Refresh {
				lastTicks = after
				support.PrintProgress(s.Out, pass, opts.Passes, byteStr, sector,
					start, end, ps, opts.Kilobyte)
			}
		}

		if passErr != nil {
			if passRetries > 0 {
				passRetries--
				s.Log.Warnf("retrying pass %d", pass)
				pass--
				continue
			}
			return passErr
		}
		support.PrintProgress(s.Out, pass, opts.Passes, byteStr, end, start, end, ps, opts.Kilobyte)
	}
	fmt.Fprintln(s.Out)
	return nil
}

// readChunk runs the recovery engine on one chunk. An out-of-memory
// submission shrinks blocks-per-transfer to what the sg driver can
// reserve and tries once more at the finer granularity.
func (s *Session) readChunk(rr *reader.RangeReader, dev *sgio.Device, buf []byte, lba int64, blocks int, bpt *int) (int, error) {
	got, err := rr.Read(buf[:blocks*rr.BlockSize], lba, blocks)
	if !errors.Is(err, sgio.ErrNoMem) {
		return got, err
	}

	bufSz, rerr := dev.ReservedSize()
	if rerr != nil {
		s.Log.Errorf("RESERVED_SIZE ioctl failed: %v", rerr)
		return got, err
	}
	if bufSz < sgio.MinReservedSize {
		bufSz = sgio.MinReservedSize
	}
	blocksPer := (bufSz + rr.BlockSize - 1) / rr.BlockSize
	if blocksPer >= blocks {
		return got, err
	}
	s.Log.Warnf("Reducing read to %d blocks per loop", blocksPer)
	*bpt = blocksPer
	return rr.Read(buf[:blocksPer*rr.BlockSize], lba, blocksPer)
}

// countPatternMismatches counts the blocks in buf holding any byte
// other than pattern. Zero-filled recovery blocks show up here, which
// is exactly what an operator verifying a wipe wants to see.
func countPatternMismatches(buf []byte, pattern byte, blkSz int) int64 {
	var count int64
	for off := 0; off < len(buf); off += blkSz {
		lim := off + blkSz
		if lim > len(buf) {
			lim = len(buf)
		}
		for i := off; i < lim; i++ {
			if buf[i] != pattern {
				count++
				break
			}
		}
	}
	return count
}
