package solana

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindProgramAddressBytes_RoundTrip(t *testing.T) {
	programID := bytes.Repeat([]byte{7}, 32)
	seeds := [][]byte{[]byte("counter"), bytes.Repeat([]byte{1}, 32)}

	addr, bump, err := FindProgramAddressBytes(seeds, programID)
	require.NoError(t, err)
	assert.Len(t, addr, 32)
	assert.False(t, IsOnCurve(addr))

	recreated, err := CreateProgramAddressBytes(append(seeds, []byte{bump}), programID)
	require.NoError(t, err)
	assert.Equal(t, addr, recreated)
}

func TestCreateProgramAddressBytes_Errors(t *testing.T) {
	programID := bytes.Repeat([]byte{7}, 32)

	_, err := CreateProgramAddressBytes([][]byte{bytes.Repeat([]byte{1}, 33)}, programID)
	assert.ErrorIs(t, err, ErrSeedLength)

	_, err = CreateProgramAddressBytes([][]byte{[]byte("a")}, programID[:31])
	assert.ErrorIs(t, err, ErrAddressLength)

	tooMany := make([][]byte, MaxSeeds+1)
	_, err = CreateProgramAddressBytes(tooMany, programID)
	assert.ErrorIs(t, err, ErrSeedLength)
}

func TestFindProgramAddressBytes_DifferentSeedsDifferentAddress(t *testing.T) {
	programID := bytes.Repeat([]byte{9}, 32)

	a, _, err := FindProgramAddressBytes([][]byte{[]byte("delegation"), []byte("a")}, programID)
	require.NoError(t, err)
	b, _, err := FindProgramAddressBytes([][]byte{[]byte("delegation"), []byte("b")}, programID)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
