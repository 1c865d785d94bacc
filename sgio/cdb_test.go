package sgio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRWCDBOpcodes(t *testing.T) {
	cases := []struct {
		cdbsz  int
		write  bool
		opcode byte
	}{
		{6, false, 0x08},
		{6, true, 0x0a},
		{10, false, 0x28},
		{10, true, 0x2a},
		{12, false, 0xa8},
		{12, true, 0xaa},
		{16, false, 0x88},
		{16, true, 0x8a},
	}
	for _, c := range cases {
		cdb, err := BuildRWCDB(c.cdbsz, 1, 0, c.write, false, false)
		require.NoError(t, err)
		assert.Len(t, cdb, c.cdbsz)
		assert.Equal(t, c.opcode, cdb[0])
	}
}

func TestBuildRWCDB6(t *testing.T) {
	cdb, err := BuildRWCDB(6, 256, 0x12345, false, false, false)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), cdb[1])
	assert.Equal(t, byte(0x23), cdb[2])
	assert.Equal(t, byte(0x45), cdb[3])
	assert.Equal(t, byte(0), cdb[4], "count of 256 encodes as zero")

	_, err = BuildRWCDB(6, 257, 0, false, false, false)
	require.Error(t, err)
	assert.True(t, IsSyntaxErr(err))

	_, err = BuildRWCDB(6, 2, maxLBA6, false, false, false)
	require.Error(t, err, "range ends past the 21 bit lba limit")

	_, err = BuildRWCDB(6, 1, 0, false, true, false)
	require.Error(t, err, "6 byte commands have no fua bit")
}

func TestBuildRWCDB10(t *testing.T) {
	cdb, err := BuildRWCDB(10, 0x1234, 0xdeadbeef, false, true, true)
	require.NoError(t, err)
	assert.Equal(t, byte(0x18), cdb[1], "dpo and fua bits")
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, cdb[2:6])
	assert.Equal(t, []byte{0x12, 0x34}, cdb[7:9])

	_, err = BuildRWCDB(10, 0x10000, 0, false, false, false)
	require.Error(t, err)
	assert.True(t, IsSyntaxErr(err))
}

func TestBuildRWCDB16(t *testing.T) {
	cdb, err := BuildRWCDB(16, 0x123456, 0x1122334455, false, false, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0x11, 0x22, 0x33, 0x44, 0x55}, cdb[2:10])
	assert.Equal(t, []byte{0x00, 0x12, 0x34, 0x56}, cdb[10:14])
}

func TestBuildRWCDBBadSize(t *testing.T) {
	_, err := BuildRWCDB(8, 1, 0, false, false, false)
	require.Error(t, err)
	assert.True(t, IsSyntaxErr(err))
}

func TestBuildReadLong10CDB(t *testing.T) {
	cdb, err := BuildReadLong10CDB(0x01020304, 520, true)
	require.NoError(t, err)
	assert.Equal(t, byte(0x3e), cdb[0])
	assert.Equal(t, byte(0x02), cdb[1], "corrct bit")
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, cdb[2:6])
	assert.Equal(t, []byte{0x02, 0x08}, cdb[7:9])

	cdb, err = BuildReadLong10CDB(0, 512, false)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), cdb[1])

	_, err = BuildReadLong10CDB(0x100000000, 512, false)
	assert.True(t, IsSyntaxErr(err))
	_, err = BuildReadLong10CDB(0, 0x10000, false)
	assert.True(t, IsSyntaxErr(err))
}
