package reader

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zytzjx/dskread/sgio"
)

const testBS = 512

// fault injects a scripted outcome when a read covers its block.
type fault struct {
	cat       sgio.Category
	info      int64 // reported bad lba for with-info outcomes
	err       error
	remaining int // how many times to fire, <0 means forever
}

// fakeTransport serves reads from a synthetic image where every block
// holds its own lba (low byte), firing scripted faults along the way.
type fakeTransport struct {
	stats  *Stats
	bs     int
	faults map[int64]*fault

	calls     int
	longCalls []int
	longOK    bool
	longLen   int // xfer length the device insists on, 0 accepts any
	longData  byte
	longCat   sgio.Category // failure category when longOK is false
}

func (f *fakeTransport) ReadBlocks(buf []byte, lba int64, blocks int) sgio.Outcome {
	f.calls++
	for i := int64(0); i < int64(blocks); i++ {
		flt, ok := f.faults[lba+i]
		if !ok || flt.remaining == 0 {
			continue
		}
		if flt.remaining > 0 {
			flt.remaining--
		}
		switch flt.cat {
		case sgio.CatUnitAttention, sgio.CatAborted, sgio.CatNoMem:
			// transient conditions are not counted as unrecovered
		default:
			f.stats.UnrecoveredErrs++
		}
		return sgio.Outcome{Cat: flt.cat, BadLBA: uint64(flt.info), Err: flt.err}
	}
	for i := 0; i < blocks; i++ {
		fill(buf[i*f.bs:(i+1)*f.bs], byte(lba+int64(i)))
	}
	return sgio.Outcome{Cat: sgio.CatClean}
}

func (f *fakeTransport) ReadLong(buf []byte, lba int64, xferLen int, correct bool) (int, sgio.Outcome) {
	f.longCalls = append(f.longCalls, xferLen)
	if !f.longOK {
		return 0, sgio.Outcome{Cat: f.longCat}
	}
	if f.longLen != 0 && xferLen != f.longLen {
		// report requested minus required, like a real device
		return xferLen - f.longLen, sgio.Outcome{Cat: sgio.CatIllegalReqWithInfo}
	}
	fill(buf[:xferLen], f.longData)
	return 0, sgio.Outcome{Cat: sgio.CatClean}
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func isFilled(b []byte, v byte) bool {
	for _, x := range b {
		if x != v {
			return false
		}
	}
	return true
}

func blockAt(buf []byte, idx int) []byte {
	return buf[idx*testBS : (idx+1)*testBS]
}

func newTestReader(flags Flags, faults map[int64]*fault) (*RangeReader, *fakeTransport) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	stats := NewStats()
	ft := &fakeTransport{stats: stats, bs: testBS, faults: faults}
	rr := &RangeReader{T: ft, Flags: &flags, Stats: stats, BlockSize: testBS, Log: log}
	return rr, ft
}

func TestRangeReadClean(t *testing.T) {
	rr, ft := newTestReader(Flags{CDBSize: 10, Retries: DefRetries}, nil)
	buf := make([]byte, 100*testBS)

	got, err := rr.Read(buf, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
	assert.Equal(t, 1, ft.calls, "a clean range takes one READ")
	for i := 0; i < 100; i++ {
		require.Truef(t, isFilled(blockAt(buf, i), byte(i)), "block %d content", i)
	}
	assert.Equal(t, 0, rr.Stats.UnrecoveredErrs)
}

func TestRangeReadIdempotent(t *testing.T) {
	rr, _ := newTestReader(Flags{CDBSize: 10, Retries: DefRetries}, nil)
	first := make([]byte, 64*testBS)
	second := make([]byte, 64*testBS)

	_, err := rr.Read(first, 200, 64)
	require.NoError(t, err)
	_, err = rr.Read(second, 200, 64)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRangeReadMediumStopsWithoutCoe(t *testing.T) {
	faults := map[int64]*fault{
		50: {cat: sgio.CatMediumHardWithInfo, info: 50, remaining: -1},
	}
	rr, _ := newTestReader(Flags{CDBSize: 10}, faults)
	buf := make([]byte, 100*testBS)

	got, err := rr.Read(buf, 0, 100)
	assert.Equal(t, 50, got, "good prefix before the bad block")
	var re *RangeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, sgio.CatMediumHard, re.Cat)
	assert.Equal(t, int64(50), re.LBA)
	for i := 0; i < 50; i++ {
		require.Truef(t, isFilled(blockAt(buf, i), byte(i)), "block %d content", i)
	}
	assert.Equal(t, 1, rr.Stats.UnrecoveredErrs)
}

func TestRangeReadRetryRecovers(t *testing.T) {
	faults := map[int64]*fault{
		50: {cat: sgio.CatMediumHardWithInfo, info: 50, remaining: 1},
	}
	rr, ft := newTestReader(Flags{CDBSize: 10, Retries: 2}, faults)
	buf := make([]byte, 100*testBS)

	got, err := rr.Read(buf, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
	assert.Equal(t, 2, ft.calls)
	assert.Equal(t, 1, rr.Stats.Retries)
	assert.Equal(t, 0, rr.Stats.UnrecoveredErrs, "retry success rolls the count back")
}

func TestRangeReadZeroFill(t *testing.T) {
	faults := map[int64]*fault{
		50: {cat: sgio.CatMediumHardWithInfo, info: 50, remaining: -1},
	}
	rr, _ := newTestReader(Flags{CDBSize: 10, CoE: 1, PDT: PDTDisk}, faults)
	buf := make([]byte, 100*testBS)

	got, err := rr.Read(buf, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
	assert.True(t, isFilled(blockAt(buf, 50), 0), "bad block is zero filled")
	assert.True(t, isFilled(blockAt(buf, 49), 49))
	assert.True(t, isFilled(blockAt(buf, 51), 51))
	assert.Equal(t, 1, rr.Stats.UnrecoveredErrs)
	assert.Equal(t, 0, rr.Stats.ReadLongs)
}

func TestRangeReadLongRecovers(t *testing.T) {
	faults := map[int64]*fault{
		50: {cat: sgio.CatMediumHardWithInfo, info: 50, remaining: -1},
	}
	rr, ft := newTestReader(Flags{CDBSize: 10, CoE: 2, PDT: PDTDisk}, faults)
	ft.longOK = true
	ft.longData = 0x77
	buf := make([]byte, 100*testBS)

	got, err := rr.Read(buf, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
	assert.True(t, isFilled(blockAt(buf, 50), 0x77), "bad block carries read_long data")
	assert.True(t, isFilled(blockAt(buf, 51), 51))
	assert.Equal(t, 1, rr.Stats.ReadLongs)
	assert.Equal(t, []int{testBS + readLongDefBlkInc}, ft.longCalls)
}

func TestRangeReadLongAdjustsLength(t *testing.T) {
	faults := map[int64]*fault{
		50: {cat: sgio.CatMediumHardWithInfo, info: 50, remaining: -1},
	}
	rr, ft := newTestReader(Flags{CDBSize: 10, CoE: 2, PDT: PDTDisk}, faults)
	ft.longOK = true
	ft.longLen = testBS + 16
	ft.longData = 0x55
	buf := make([]byte, 100*testBS)

	got, err := rr.Read(buf, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
	assert.Equal(t, []int{testBS + readLongDefBlkInc, testBS + 16}, ft.longCalls)
	assert.Equal(t, 16, rr.Stats.readLongInc, "adjusted increment is remembered")
	assert.Equal(t, 1, rr.Stats.ReadLongs)
	assert.True(t, isFilled(blockAt(buf, 50), 0x55))
}

func TestRangeReadLongUnsupported(t *testing.T) {
	faults := map[int64]*fault{
		50: {cat: sgio.CatMediumHardWithInfo, info: 50, remaining: -1},
	}
	rr, ft := newTestReader(Flags{CDBSize: 10, CoE: 2, PDT: PDTDisk}, faults)
	ft.longOK = false
	ft.longCat = sgio.CatInvalidOp
	buf := make([]byte, 100*testBS)

	got, err := rr.Read(buf, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
	assert.True(t, isFilled(blockAt(buf, 50), 0), "falls back to zeros")
	assert.Equal(t, 0, rr.Stats.ReadLongs)
}

func TestRangeReadNonDiskNeverReadLongs(t *testing.T) {
	faults := map[int64]*fault{
		50: {cat: sgio.CatMediumHardWithInfo, info: 50, remaining: -1},
	}
	rr, ft := newTestReader(Flags{CDBSize: 10, CoE: 2, PDT: PDTMMC}, faults)
	ft.longOK = true
	buf := make([]byte, 100*testBS)

	got, err := rr.Read(buf, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
	assert.Empty(t, ft.longCalls)
	assert.True(t, isFilled(blockAt(buf, 50), 0))
}

func TestRangeReadUnitAttentionExhausts(t *testing.T) {
	faults := map[int64]*fault{
		0: {cat: sgio.CatUnitAttention, remaining: -1},
	}
	rr, ft := newTestReader(Flags{CDBSize: 10}, faults)
	buf := make([]byte, 10*testBS)

	got, err := rr.Read(buf, 0, 10)
	assert.Equal(t, 0, got)
	var re *RangeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, sgio.CatUnitAttention, re.Cat)
	assert.Equal(t, MaxUnitAttentions, ft.calls)
}

func TestRangeReadAbortedBudgetIsSessionWide(t *testing.T) {
	faults := map[int64]*fault{
		0: {cat: sgio.CatAborted, remaining: -1},
	}
	rr, ft := newTestReader(Flags{CDBSize: 10}, faults)
	rr.Stats.abortsLeft = 3
	buf := make([]byte, 10*testBS)

	got, err := rr.Read(buf, 0, 10)
	assert.Equal(t, 0, got)
	var re *RangeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, sgio.CatAborted, re.Cat)
	assert.Equal(t, 3, ft.calls)
}

func TestRangeReadBadLBAOutOfRange(t *testing.T) {
	faults := map[int64]*fault{
		50: {cat: sgio.CatMediumHardWithInfo, info: 500, remaining: -1},
	}

	// Without coe the range fails without transferring anything.
	rr, _ := newTestReader(Flags{CDBSize: 10}, faults)
	buf := make([]byte, 100*testBS)
	got, err := rr.Read(buf, 0, 100)
	assert.Equal(t, 0, got)
	var re *RangeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, sgio.CatMediumHard, re.Cat)

	// With coe the whole window is zero filled and reported read.
	rr, _ = newTestReader(Flags{CDBSize: 10, CoE: 1}, faults)
	got, err = rr.Read(buf, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
	assert.True(t, isFilled(buf, 0))
}

func TestRangeReadTransportError(t *testing.T) {
	faults := map[int64]*fault{
		0: {cat: sgio.CatOther, err: errors.New("SG_IO failed"), remaining: -1},
	}
	rr, ft := newTestReader(Flags{CDBSize: 10, Retries: 5}, faults)
	buf := make([]byte, 10*testBS)

	got, err := rr.Read(buf, 0, 10)
	assert.Equal(t, 0, got)
	var re *RangeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, sgio.CatOther, re.Cat)
	assert.Equal(t, 1, ft.calls, "transport failures are not retried here")
}

func TestRangeReadNoMem(t *testing.T) {
	faults := map[int64]*fault{
		0: {cat: sgio.CatNoMem, err: sgio.ErrNoMem, remaining: -1},
	}
	rr, _ := newTestReader(Flags{CDBSize: 10}, faults)
	buf := make([]byte, 10*testBS)

	got, err := rr.Read(buf, 0, 10)
	assert.Equal(t, 0, got)
	assert.True(t, errors.Is(err, sgio.ErrNoMem))
}

func TestRangeReadSenseOtherRetriesThenFails(t *testing.T) {
	faults := map[int64]*fault{
		0: {cat: sgio.CatOther, remaining: -1},
	}
	rr, ft := newTestReader(Flags{CDBSize: 10, Retries: 2}, faults)
	buf := make([]byte, 10*testBS)

	got, err := rr.Read(buf, 0, 10)
	assert.Equal(t, 0, got)
	var re *RangeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, sgio.CatOther, re.Cat)
	assert.Equal(t, 3, ft.calls, "initial attempt plus two retries")
	assert.Equal(t, 2, rr.Stats.Retries)
}
