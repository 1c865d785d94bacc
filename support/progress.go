package support

import (
	"fmt"
	"io"
	"time"
)

// PassStats is the per-device timing state behind the progress table.
// It is created when a device starts processing and updated by the
// session driver after every transfer chunk.
type PassStats struct {
	DeviceName     string
	BytesPerSector int

	StartTicks  int64  // wall clock at device start, seconds
	WipingTicks int64  // seconds spent transferring, all passes
	PassTicks   int64  // seconds spent transferring, this pass
	StartTime   string // HH:MM:SS the device started
}

// NewPassStats starts the clock for one device.
func NewPassStats(device string, bytesPerSector int) *PassStats {
	now := time.Now()
	return &PassStats{
		DeviceName:     device,
		BytesPerSector: bytesPerSector,
		StartTicks:     now.Unix(),
		StartTime:      now.Format("15:04:05"),
	}
}

// Ticks is the one-second resolution clock the progress math runs on.
func Ticks() int64 {
	return time.Now().Unix()
}

const progressHeader = "                     This      All      All     This                               Single\n" +
	"Pass No. of          Pass   Passes   Passes     Pass              Est.     %s/      %s/\n" +
	" No. Passes Byte Complete Complete  Elapsed  Consume    Start   Finish   Second   Second\n" +
	"---- ------ ---- -------- -------- -------- -------- -------- -------- -------- --------\n"

// 1234 123456 0xff 100.000% 100.000% 00:00:00 00:00:00 00:00:00 00:00:00 12345.67
const progressFormat = "%4d %6d %4s %7.3f%% %7.3f%%%9s%9s %8s %8s%9.2f%9.2f\r"

// PrintHeader writes the column header for the progress table.
func PrintHeader(w io.Writer, kilobyte bool) {
	unit := "MB"
	if kilobyte {
		unit = " MiB"
	}
	fmt.Fprintf(w, progressHeader, unit, unit)
}

// PrintProgress writes one refresh line. sector is the absolute sector
// the pass has reached, start/end bound the range being verified and
// pass counts from 1.
func PrintProgress(w io.Writer, pass, passes int, byteStr string, sector int64, start, end int64, ps *PassStats, kilobyte bool) {
	doneSectors := end*int64(pass-1) + sector
	totalSectors := end * int64(passes)
	singleSectors := sector

	allPct := 0.0
	if totalSectors > 0 {
		allPct = float64(doneSectors) / float64(totalSectors) * 100.0
	}

	elapsedTicks := Ticks() - ps.StartTicks
	remainingTicks := etaSeconds(doneSectors, totalSectors, elapsedTicks)

	kilo := 1000.0
	if kilobyte {
		kilo = 1024.0
	}

	mbSec := 0.0
	mbSecSingle := 0.0
	secondsPass := float64(ps.PassTicks)
	if ps.WipingTicks > 0 {
		bytes := doneSectors * int64(ps.BytesPerSector)
		megabytes := float64(bytes) / (kilo * kilo)
		seconds := float64(ps.WipingTicks)

		bytesSingle := singleSectors * int64(ps.BytesPerSector)
		megabytesSingle := float64(bytesSingle) / (kilo * kilo)

		if seconds > 0 {
			mbSec = megabytes / seconds
		}
		if secondsPass > 0 {
			mbSecSingle = megabytesSingle / secondsPass
		}
	}

	sector -= start
	endRel := end - start

	thisPct := 0.0
	if endRel > 0 {
		thisPct = float64(sector) / float64(endRel) * 100.0
	}
	if sector >= endRel {
		thisPct = 100.0
		allPct = float64(pass) * 100.0 / float64(passes)
		if pass >= passes {
			allPct = 100.0
		}
	}

	finish := time.Now().Add(time.Duration(remainingTicks) * time.Second).Format("15:04:05")

	fmt.Fprintf(w, progressFormat,
		pass,
		passes,
		byteStr,
		thisPct,
		allPct,
		SecsToHMSstr(int(elapsedTicks)),
		SecsToHMSstr(int(secondsPass)),
		ps.StartTime,
		finish,
		mbSec,
		mbSecSingle)
}

// etaSeconds estimates the seconds left by scaling the elapsed time by
// the work remaining.
func etaSeconds(done, total, elapsed int64) int64 {
	if done <= 0 || total <= done {
		return 0
	}
	return (total - done) * elapsed / done
}
