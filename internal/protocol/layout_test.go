package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filled(b byte) solana.PublicKey {
	var out solana.PublicKey
	for i := range out {
		out[i] = b
	}
	return out
}

// personalPositionFixture is laid out by hand: tag, three keys, two u64, bump.
func personalPositionFixture(deposited, debt uint64) []byte {
	tag := sha256.Sum256([]byte("account:PersonalPosition"))
	out := append([]byte{}, tag[:8]...)
	out = append(out, filled(1).Bytes()...)
	out = append(out, filled(2).Bytes()...)
	out = append(out, filled(3).Bytes()...)
	out = binary.LittleEndian.AppendUint64(out, deposited)
	out = binary.LittleEndian.AppendUint64(out, debt)
	return append(out, 254)
}

func marketFixture(scale uint8, mantissa uint64, feeBps uint16) []byte {
	tag := sha256.Sum256([]byte("account:Market"))
	out := append([]byte{}, tag[:8]...)
	out = append(out, filled(4).Bytes()...)
	out = append(out, filled(5).Bytes()...)
	out = append(out, 0, 0, scale, 0)
	out = binary.LittleEndian.AppendUint64(out, mantissa)
	out = append(out, 0, 0, 0, 0)
	out = binary.LittleEndian.AppendUint16(out, feeBps)
	return binary.LittleEndian.AppendUint64(out, 77)
}

func TestPersonalPositionReaders(t *testing.T) {
	data := personalPositionFixture(10_000_000_000, 4_000_000_000)
	require.Len(t, data, PersonalPositionV1.Size)

	deposited, err := ReadDepositedShares(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000_000), deposited)

	debt, err := ReadDebt(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(4_000_000_000), debt)

	decoded, err := DecodePersonalPosition(data)
	require.NoError(t, err)
	assert.Equal(t, filled(2), decoded.Owner)
	assert.Equal(t, uint8(254), decoded.Bump)
	assert.Equal(t, data, decoded.Encode())
}

func TestMarketReaders(t *testing.T) {
	data := marketFixture(1, 15, 50)
	require.Len(t, data, MarketV1.Size)

	floor, err := ReadFloorPrice(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), floor)

	fee, err := ReadBorrowFeeBps(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(50), fee)

	decoded, err := DecodeMarket(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), decoded.TotalDebt)
	assert.Equal(t, data, decoded.Encode())
}

func TestReaders_FailClosed(t *testing.T) {
	position := personalPositionFixture(1, 1)
	market := marketFixture(0, 1, 0)

	_, err := ReadDepositedShares(position[:len(position)-1])
	require.ErrorIs(t, err, errs.InvalidAccount)

	_, err = ReadDebt(market)
	require.ErrorIs(t, err, errs.InvalidAccount)

	_, err = ReadFloorPrice(position)
	require.ErrorIs(t, err, errs.InvalidAccount)

	_, err = ReadFloorPrice(nil)
	require.ErrorIs(t, err, errs.InvalidAccount)

	corrupt := append([]byte{}, market...)
	corrupt[0] ^= 0xff
	_, err = DecodeMarket(corrupt)
	require.ErrorIs(t, err, errs.InvalidAccount)
}

func TestLayout_UnknownField(t *testing.T) {
	_, err := PersonalPositionV1.Uint64(personalPositionFixture(1, 1), "owner")
	require.Error(t, err)
}
