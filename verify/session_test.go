package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampRange(t *testing.T) {
	end, err := clampRange(0, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), end, "unset end means device capacity")

	end, err = clampRange(10, 500, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(500), end)

	_, err = clampRange(0, 1001, 1000)
	var rae *RangeArgError
	require.ErrorAs(t, err, &rae)

	_, err = clampRange(600, 500, 1000)
	require.ErrorAs(t, err, &rae)
}

func TestCapacityStr(t *testing.T) {
	assert.Equal(t, "2.00M", capacityStr(2048, 1024))
	assert.Equal(t, "512", capacityStr(512, 1))
	assert.Equal(t, "1.00G", capacityStr(2097152, 512))
}

func TestCountPatternMismatches(t *testing.T) {
	bs := 8
	buf := make([]byte, 4*bs)
	for i := range buf {
		buf[i] = 0xff
	}
	assert.Equal(t, int64(0), countPatternMismatches(buf, 0xff, bs))

	buf[bs+3] = 0x00   // one byte off in block 1
	buf[3*bs] = 0x7f   // first byte off in block 3
	buf[3*bs+7] = 0x7f // same block, still one mismatch
	assert.Equal(t, int64(2), countPatternMismatches(buf, 0xff, bs))

	// zero filled recovery blocks always count against a pattern
	for i := 0; i < bs; i++ {
		buf[2*bs+i] = 0
	}
	assert.Equal(t, int64(3), countPatternMismatches(buf, 0xff, bs))
}
