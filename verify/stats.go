package verify

import (
	"fmt"
	"io"
	"time"

	"github.com/zytzjx/dskread/reader"
)

// PrintStats writes the dd-style counter summary. remaining is the
// block count still outstanding when a run was interrupted, zero on
// normal completion.
func PrintStats(w io.Writer, prefix string, st *reader.Stats, coe int, remaining int64) {
	if remaining > 0 {
		fmt.Fprintf(w, "%s  remaining block count=%d\n", prefix, remaining)
	}
	fmt.Fprintf(w, "%s%d+%d records in\n", prefix, st.InFull-st.InPartial, st.InPartial)
	// nothing is ever written back, but operators expect the dd pair
	fmt.Fprintf(w, "%s0+0 records out\n", prefix)
	if st.RecoveredErrs > 0 {
		fmt.Fprintf(w, "%s%d recovered errors\n", prefix, st.RecoveredErrs)
	}
	if coe > 0 {
		fmt.Fprintf(w, "%s%d unrecovered errors\n", prefix, st.UnrecoveredErrs)
		fmt.Fprintf(w, "%s%d read_longs fetched part of unrecovered read errors\n",
			prefix, st.ReadLongs)
	} else if st.UnrecoveredErrs > 0 {
		fmt.Fprintf(w, "%s%d unrecovered error(s)\n", prefix, st.UnrecoveredErrs)
	}
	if st.Retries > 0 {
		fmt.Fprintf(w, "%s%d retries attempted\n", prefix, st.Retries)
	}
	if st.Mismatches > 0 {
		fmt.Fprintf(w, "%s%d block(s) did not match the expected pattern\n",
			prefix, st.Mismatches)
	}
}

// PrintDuration writes the elapsed time and throughput for blocks
// transferred at blockSize since start. contin marks an interrupt-time
// snapshot rather than a final report.
func PrintDuration(w io.Writer, st *reader.Stats, blockSize int, start time.Time, contin bool) {
	secs := time.Since(start).Seconds()
	if secs <= 0 {
		return
	}
	bytes := float64(st.InFull) * float64(blockSize)
	mbSec := bytes / (secs * 1000000.0)
	verb := "time to transfer data"
	if contin {
		verb = "time from start to interrupt"
	}
	if mbSec > 0.01 {
		fmt.Fprintf(w, "%s: %.6f secs at %.2f MB/sec\n", verb, secs, mbSec)
	} else {
		fmt.Fprintf(w, "%s: %.6f secs\n", verb, secs)
	}
}
