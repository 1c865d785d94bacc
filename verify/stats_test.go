package verify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zytzjx/dskread/reader"
)

func TestPrintStats(t *testing.T) {
	st := reader.NewStats()
	st.InFull = 100
	st.InPartial = 2
	st.RecoveredErrs = 1
	st.UnrecoveredErrs = 3
	st.Retries = 4

	var out bytes.Buffer
	PrintStats(&out, "", st, 0, 0)
	s := out.String()
	assert.Contains(t, s, "98+2 records in\n")
	assert.Contains(t, s, "0+0 records out\n", "read-only tool still reports the dd pair")
	assert.Contains(t, s, "1 recovered errors\n")
	assert.Contains(t, s, "3 unrecovered error(s)\n")
	assert.Contains(t, s, "4 retries attempted\n")
	assert.NotContains(t, s, "read_longs", "read_long line only appears under coe")

	out.Reset()
	st.ReadLongs = 2
	PrintStats(&out, "  ", st, 2, 7)
	s = out.String()
	assert.Contains(t, s, "  remaining block count=7\n")
	assert.Contains(t, s, "  2 read_longs fetched part of unrecovered read errors\n")
}
