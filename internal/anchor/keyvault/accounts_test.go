package keyvault

import (
	"crypto/sha256"
	"testing"

	ag_solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscriminators(t *testing.T) {
	hash := sha256.Sum256([]byte("account:Position"))
	assert.Equal(t, hash[:8], Account_Position[:])

	hash = sha256.Sum256([]byte("global:reinvest"))
	assert.Equal(t, hash[:8], Instruction_Reinvest[:])
}

func TestPosition_FixedSize(t *testing.T) {
	pos := Position{
		AuthoritySeed:          ag_solanago.NewWallet().PublicKey(),
		DepositedValue:         10,
		Debt:                   4,
		MaxReinvestSpreadBps:   150,
		LastAdminActivity:      1_700_000_000,
		RecoveryLockoutSeconds: 86_400,
		RecoveryConfigLocked:   true,
		ArtworkId:              3,
		Bump:                   251,
	}
	data, err := Marshal(pos)
	require.NoError(t, err)
	assert.Len(t, data, PositionSize)
	assert.Equal(t, Account_Position[:], data[:8])

	back, err := ParseAccount_Position(data)
	require.NoError(t, err)
	assert.Equal(t, pos, *back)
	assert.False(t, back.Bootstrapped())
	assert.False(t, back.RecoveryConfigured())
}

func TestKeyState_NestedBuckets(t *testing.T) {
	ks := KeyState{
		Permissions:    0x42,
		SellBucket:     RateBucket{Capacity: 100, RefillPeriod: 10, Level: 40, LastUpdate: 7},
		SellTotalLimit: 1_000,
		SellTotalUsed:  60,
	}
	data, err := Marshal(ks)
	require.NoError(t, err)
	assert.Len(t, data, KeyStateSize)

	back, err := ParseAccount_KeyState(data)
	require.NoError(t, err)
	assert.Equal(t, ks, *back)
	assert.Equal(t, uint64(40), back.SellBucket.Bucket().Level)
}

func TestParseAccount_WrongDiscriminator(t *testing.T) {
	data, err := Marshal(ClaimReceipt{ClaimedAtSlot: 9})
	require.NoError(t, err)
	assert.Len(t, data, ClaimReceiptSize)

	_, err = ParseAccount_Position(data)
	require.Error(t, err)
	_, err = ParseAccount_KeyState(nil)
	require.Error(t, err)
}

func TestPromoConfig_Strings(t *testing.T) {
	promo := PromoConfig{PromoId: 7, MaxClaims: 10, Active: true, Name: "Launch", ImageUri: "https://example.invalid/p.png"}
	data, err := Marshal(promo)
	require.NoError(t, err)
	back, err := ParseAccount_PromoConfig(data)
	require.NoError(t, err)
	assert.Equal(t, promo, *back)
}

func TestTradeInstruction_RoundTrip(t *testing.T) {
	accounts := TradeAccounts{
		Signer:   ag_solanago.NewWallet().PublicKey(),
		KeyAsset: ag_solanago.NewWallet().PublicKey(),
		Position: ag_solanago.NewWallet().PublicKey(),
		Log:      ag_solanago.NewWallet().PublicKey(),
	}
	deployment := ag_solanago.NewWallet().PublicKey()
	ix := NewSellInstruction(deployment, accounts, SellArgs{Shares: 5, MinLamportsOut: 4})
	assert.Equal(t, deployment, ix.ProgramID())
	require.Len(t, ix.Accounts(), TradeAccountCount)
	assert.True(t, ix.Accounts()[0].IsSigner)

	parsed, err := ParseTradeAccounts(ix.Accounts())
	require.NoError(t, err)
	assert.Equal(t, accounts, parsed)

	data, err := ix.Data()
	require.NoError(t, err)
	decoded, err := DecodeInstructionData(data)
	require.NoError(t, err)
	assert.Equal(t, Instruction_Sell, decoded.Discriminator)
	assert.Equal(t, []uint64{5, 4}, decoded.Args)

	_, err = DecodeInstructionData(append(data, 1))
	require.Error(t, err)
}

func TestDerivations_AreDistinct(t *testing.T) {
	position, _, err := DerivePositionPDA(ProgramID, ag_solanago.NewWallet().PublicKey())
	require.NoError(t, err)
	promo1, _, err := DerivePromoPDA(ProgramID, position, 1)
	require.NoError(t, err)
	promo2, _, err := DerivePromoPDA(ProgramID, position, 2)
	require.NoError(t, err)
	assert.NotEqual(t, promo1, promo2)

	art, _, err := DeriveArtworkPDA(ProgramID, 1)
	require.NoError(t, err)
	assert.NotEqual(t, promo1, art)
}
