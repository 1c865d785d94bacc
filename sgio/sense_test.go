package sgio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedSense builds an 18 byte fixed format sense buffer.
func fixedSense(valid bool, key byte, ili bool, info uint32, asc, ascq byte) []byte {
	sb := make([]byte, 18)
	sb[0] = 0x70
	if valid {
		sb[0] |= 0x80
	}
	sb[2] = key & 0xf
	if ili {
		sb[2] |= 0x20
	}
	sb[3] = byte(info >> 24)
	sb[4] = byte(info >> 16)
	sb[5] = byte(info >> 8)
	sb[6] = byte(info)
	sb[7] = 10
	sb[12] = asc
	sb[13] = ascq
	return sb
}

func TestNormalizeSenseFixed(t *testing.T) {
	sb := fixedSense(true, KeyMediumError, false, 0x1234, 0x11, 0x04)
	h, ok := NormalizeSense(sb)
	require.True(t, ok)
	assert.Equal(t, byte(0x70), h.ResponseCode)
	assert.Equal(t, byte(KeyMediumError), h.Key)
	assert.Equal(t, byte(0x11), h.ASC)
	assert.Equal(t, byte(0x04), h.ASCQ)
}

func TestNormalizeSenseDescriptor(t *testing.T) {
	sb := []byte{0x72, KeyIllegalRequest, 0x20, 0x00, 0, 0, 0, 0}
	h, ok := NormalizeSense(sb)
	require.True(t, ok)
	assert.Equal(t, byte(KeyIllegalRequest), h.Key)
	assert.Equal(t, byte(0x20), h.ASC)
	assert.Equal(t, byte(0x00), h.ASCQ)
}

func TestNormalizeSenseBogus(t *testing.T) {
	_, ok := NormalizeSense(nil)
	assert.False(t, ok)
	_, ok = NormalizeSense([]byte{0x42, 0, 0, 0})
	assert.False(t, ok)
}

func TestSenseInfoFieldFixed(t *testing.T) {
	sb := fixedSense(true, KeyMediumError, false, 0xcafe, 0x11, 0x00)
	v, valid := SenseInfoField(sb)
	assert.Equal(t, uint64(0xcafe), v)
	assert.True(t, valid)

	// MMC devices report a usable lba with the valid bit clear.
	sb = fixedSense(false, KeyMediumError, false, 0xcafe, 0x11, 0x00)
	v, valid = SenseInfoField(sb)
	assert.Equal(t, uint64(0xcafe), v)
	assert.False(t, valid)
}

func TestSenseInfoFieldDescriptor(t *testing.T) {
	sb := []byte{
		0x72, KeyMediumError, 0x11, 0x00, 0, 0, 0, 12,
		0x00, 0x0a, 0x80, 0x00, // information descriptor, valid
		0, 0, 0, 0, 0x00, 0x00, 0x12, 0x34,
	}
	v, valid := SenseInfoField(sb)
	assert.Equal(t, uint64(0x1234), v)
	assert.True(t, valid)
}

func TestSenseILI(t *testing.T) {
	assert.True(t, SenseILI(fixedSense(true, KeyIllegalRequest, true, 0, 0x64, 0)))
	assert.False(t, SenseILI(fixedSense(true, KeyIllegalRequest, false, 0, 0x64, 0)))

	sb := []byte{
		0x72, KeyIllegalRequest, 0x64, 0x00, 0, 0, 0, 4,
		0x05, 0x02, 0x00, 0x20, // block command descriptor, ILI set
	}
	assert.True(t, SenseILI(sb))
}

func TestCategorizeSense(t *testing.T) {
	cases := []struct {
		key  byte
		asc  byte
		want Category
	}{
		{KeyNoSense, 0, CatRecovered},
		{KeyRecovered, 0, CatRecovered},
		{KeyNotReady, 0, CatNotReady},
		{KeyMediumError, 0x11, CatMediumHard},
		{KeyHardwareError, 0, CatMediumHard},
		{KeyBlankCheck, 0, CatMediumHard},
		{KeyIllegalRequest, 0x24, CatIllegalReq},
		{KeyIllegalRequest, ascInvalidOpcode, CatInvalidOp},
		{KeyUnitAttention, 0x29, CatUnitAttention},
		{KeyAbortedCommand, 0, CatAborted},
		{KeyDataProtect, 0, CatOther},
	}
	for _, c := range cases {
		got := categorizeSense(SenseHdr{Key: c.key, ASC: c.asc})
		assert.Equalf(t, c.want, got, "key=0x%x asc=0x%x", c.key, c.asc)
	}
}

func TestResultCategory(t *testing.T) {
	r := &Result{Info: sgInfoOK}
	assert.Equal(t, CatClean, r.Category())

	r = &Result{
		Info:  1, // not ok
		Sense: fixedSense(true, KeyMediumError, false, 50, 0x11, 0x00),
	}
	assert.Equal(t, CatMediumHard, r.Category())

	// No sense, clean statuses: treat as clean despite the info bit.
	r = &Result{Info: 1}
	assert.Equal(t, CatClean, r.Category())

	r = &Result{Info: 1, HostStatus: 0x07}
	assert.Equal(t, CatOther, r.Category())
}
