// dskread reads back every sector of one or more SCSI devices through
// the sg passthrough interface, riding out transient bus conditions and
// recovering what it can from bad media, and optionally checks that the
// data matches a wipe pattern.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zytzjx/dskread/reader"
	"github.com/zytzjx/dskread/sgio"
	"github.com/zytzjx/dskread/verify"
)

const versionStr = "0.92 20250604"

// Exit codes follow the sg utilities conventions so scripts wrapping
// this tool can tell failure classes apart.
const (
	exitOK         = 0
	exitSyntax     = 1
	exitValidation = 2 // start/end sectors don't fit the device
	exitNotReady   = 2
	exitMediumHard = 3
	exitIllegalReq = 5
	exitUnitAttn   = 6
	exitAborted    = 11
	exitFileError  = 15
	exitFlock      = 90
	exitOther      = 99
)

type app struct {
	opts    verify.Options
	verbose int
	log     *logrus.Logger
	sig     *verify.Signals
	stats   *reader.Stats
	started time.Time

	// last interrupting signal, for the exit status
	signum atomic.Int32
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	a := &app{
		log:   logrus.New(),
		sig:   &verify.Signals{},
		stats: reader.NewStats(),
	}
	a.log.SetOutput(os.Stderr)
	a.log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	status := exitOK
	cmd := a.newRootCmd(&status)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		if status == exitOK {
			status = exitSyntax
		}
	}
	return status
}

func (a *app) newRootCmd(status *int) *cobra.Command {
	var pattern uint8

	cmd := &cobra.Command{
		Use:     "dskread [flags] /dev/sgN ...",
		Short:   "read-verify SCSI devices sector by sector",
		Version: versionStr,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return errors.New("at least one device argument is required")
			}
			for _, dev := range args {
				if !strings.HasPrefix(dev, "/dev/") {
					return fmt.Errorf("%q does not look like a device node", dev)
				}
			}
			return nil
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.opts.Sectors < 1 || a.opts.Sectors > verify.MaxBlocksPerTransfer {
				return fmt.Errorf("sectors per transfer must be 1..%d", verify.MaxBlocksPerTransfer)
			}
			if a.opts.Start < 0 || a.opts.End < 0 {
				return errors.New("start and end sectors cannot be negative")
			}
			if a.opts.Passes < 1 {
				return errors.New("passes must be at least 1")
			}
			switch a.verbose {
			case 0:
				a.log.SetLevel(logrus.WarnLevel)
			case 1:
				a.log.SetLevel(logrus.InfoLevel)
			default:
				a.log.SetLevel(logrus.DebugLevel)
			}
			a.opts.Pattern = pattern
			a.opts.CheckPattern = cmd.Flags().Changed("pattern")

			*status = a.runDevices(args)
			return nil
		},
	}

	f := cmd.Flags()
	f.Uint8VarP(&pattern, "pattern", "p", 0, "verify each block holds only this byte")
	f.IntVarP(&a.opts.Sectors, "sectors", "n", verify.DefBlocksPerTransfer, "sectors per transfer")
	f.Int64VarP(&a.opts.Start, "start", "s", 0, "first sector to read")
	f.Int64VarP(&a.opts.End, "end", "e", 0, "read up to this sector, 0 means device capacity")
	f.BoolVarP(&a.opts.Kilobyte, "kilobyte", "k", false, "report throughput in MiB (1024*1024) units")
	f.CountVarP(&a.verbose, "verbose", "V", "increase verbosity, may repeat")
	f.Int64Var(&a.opts.Refresh, "refresh", 5, "progress refresh interval in seconds")
	f.IntVar(&a.opts.Passes, "passes", 1, "number of read passes over the range")
	f.IntVar(&a.opts.PassRetries, "pass-retries", 0, "retry a failed pass this many times")
	f.BoolVar(&a.opts.Flock, "flock", false, "take an exclusive lock on each device")
	f.IntVar(&a.opts.Flags.CDBSize, "cdbsz", 10, "READ cdb size: 6, 10, 12 or 16")
	f.BoolVar(&a.opts.Flags.FUA, "fua", false, "set the force unit access bit")
	f.BoolVar(&a.opts.Flags.DPO, "dpo", false, "set the disable page out bit")
	f.BoolVar(&a.opts.Flags.DirectIO, "dio", false, "request direct IO from the sg driver")
	f.IntVar(&a.opts.Flags.CoE, "coe", 0, "continue on error: 1 zero fill, 2 read_long, 3 read_long with correct")
	f.IntVar(&a.opts.Flags.Retries, "retries", reader.DefRetries, "retries per failing read before recovery")

	return cmd
}

// runDevices verifies each device in turn and folds the per-device
// results into a single exit status, keeping the worst one.
func (a *app) runDevices(devices []string) int {
	a.installSignalHandlers()
	a.started = time.Now()

	sess := &verify.Session{
		Opts:  &a.opts,
		Stats: a.stats,
		Log:   a.log,
		Sig:   a.sig,
		Out:   os.Stdout,
	}

	status := exitOK
	for _, dev := range devices {
		err := sess.Run(dev)
		if errors.Is(err, verify.ErrInterrupted) {
			fmt.Fprintln(os.Stderr)
			verify.PrintStats(os.Stderr, "", a.stats, a.opts.Flags.CoE, 0)
			verify.PrintDuration(os.Stderr, a.stats, blockSizeOf(sess), a.started, true)
			return 128 + int(a.signum.Load())
		}
		if err != nil {
			a.log.Errorf("%s: %v", dev, err)
			if s := exitStatusFor(err); s > status {
				status = s
			}
		}
	}

	verify.PrintStats(os.Stderr, "", a.stats, a.opts.Flags.CoE, 0)
	verify.PrintDuration(os.Stderr, a.stats, blockSizeOf(sess), a.started, false)
	return status
}

func blockSizeOf(sess *verify.Session) int {
	if sess.BlockSize > 0 {
		return sess.BlockSize
	}
	return verify.DefBlockSize
}

// installSignalHandlers routes signals into the cooperative flags the
// transfer loop polls. Handlers never print or touch device state; the
// loop does that at a chunk boundary.
func (a *app) installSignalHandlers() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGPIPE, syscall.SIGUSR1)
	go func() {
		for s := range ch {
			if s == syscall.SIGUSR1 {
				a.sig.ProgressReq.Store(true)
				continue
			}
			if sn, ok := s.(syscall.Signal); ok {
				a.signum.Store(int32(sn))
			}
			a.sig.Interrupted.Store(true)
		}
	}()
}

// exitStatusFor maps a per-device failure to its exit status.
func exitStatusFor(err error) int {
	var fe *verify.FlockError
	if errors.As(err, &fe) {
		return exitFlock
	}
	var rae *verify.RangeArgError
	if errors.As(err, &rae) {
		return exitValidation
	}
	var oe *verify.OpenError
	if errors.As(err, &oe) {
		return exitFileError
	}
	var re *reader.RangeError
	if errors.As(err, &re) {
		switch re.Cat {
		case sgio.CatSyntax:
			return exitSyntax
		case sgio.CatNotReady:
			return exitNotReady
		case sgio.CatMediumHard, sgio.CatMediumHardWithInfo:
			return exitMediumHard
		case sgio.CatIllegalReq, sgio.CatIllegalReqWithInfo, sgio.CatInvalidOp:
			return exitIllegalReq
		case sgio.CatUnitAttention:
			return exitUnitAttn
		case sgio.CatAborted:
			return exitAborted
		}
		return exitOther
	}
	return exitOther
}
