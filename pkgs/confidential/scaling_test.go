package confidential

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaleDown(t *testing.T) {
	oneToken, ok := new(big.Int).SetString("1000000000000000000", 10)
	require.True(t, ok)

	v, err := ScaleDown(oneToken)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Cmp(PriceUnit))
	assert.Equal(t, 0, ScaleUp(v).Cmp(oneToken))

	dusty := new(big.Int).Add(oneToken, big.NewInt(1))
	_, err = ScaleDown(dusty)
	require.ErrorIs(t, err, ErrPrecisionLoss)

	_, err = ScaleDown(big.NewInt(-1))
	require.ErrorIs(t, err, ErrRange)
}

func TestParseTokenAmount(t *testing.T) {
	v, err := ParseTokenAmount("2000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000000000", v.String())

	v, err = ParseTokenAmount("0x10")
	require.NoError(t, err)
	assert.Equal(t, int64(16), v.Int64())

	_, err = ParseTokenAmount("12abc")
	require.Error(t, err)

	_, err = ParseTokenAmount("")
	require.Error(t, err)
}
