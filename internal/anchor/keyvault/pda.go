package keyvault

import (
	"encoding/binary"

	ag_solanago "github.com/gagliardetto/solana-go"
)

var (
	ConfigSeed       = []byte("config")
	MarketConfigSeed = []byte("market_config")
	PositionSeed     = []byte("position")
	KeyStateSeed     = []byte("key_state")
	PromoSeed        = []byte("promo")
	ClaimReceiptSeed = []byte("claim_receipt")
	ArtworkSeed      = []byte("artwork")
)

func ConfigSeeds() [][]byte {
	return [][]byte{ConfigSeed}
}

func MarketConfigSeeds(marketMeta ag_solanago.PublicKey) [][]byte {
	return [][]byte{MarketConfigSeed, marketMeta.Bytes()}
}

func PositionSeeds(authoritySeed ag_solanago.PublicKey) [][]byte {
	return [][]byte{PositionSeed, authoritySeed.Bytes()}
}

func KeyStateSeeds(asset ag_solanago.PublicKey) [][]byte {
	return [][]byte{KeyStateSeed, asset.Bytes()}
}

func PromoSeeds(position ag_solanago.PublicKey, promoID uint64) [][]byte {
	return [][]byte{PromoSeed, position.Bytes(), u64LE(promoID)}
}

func ClaimReceiptSeeds(promo, claimer ag_solanago.PublicKey) [][]byte {
	return [][]byte{ClaimReceiptSeed, promo.Bytes(), claimer.Bytes()}
}

func ArtworkSeeds(artworkID uint64) [][]byte {
	return [][]byte{ArtworkSeed, u64LE(artworkID)}
}

func DeriveConfigPDA(programID ag_solanago.PublicKey) (ag_solanago.PublicKey, uint8, error) {
	return ag_solanago.FindProgramAddress(ConfigSeeds(), programID)
}

func DeriveMarketConfigPDA(programID, marketMeta ag_solanago.PublicKey) (ag_solanago.PublicKey, uint8, error) {
	return ag_solanago.FindProgramAddress(MarketConfigSeeds(marketMeta), programID)
}

func DerivePositionPDA(programID, authoritySeed ag_solanago.PublicKey) (ag_solanago.PublicKey, uint8, error) {
	return ag_solanago.FindProgramAddress(PositionSeeds(authoritySeed), programID)
}

func DeriveKeyStatePDA(programID, asset ag_solanago.PublicKey) (ag_solanago.PublicKey, uint8, error) {
	return ag_solanago.FindProgramAddress(KeyStateSeeds(asset), programID)
}

func DerivePromoPDA(programID, position ag_solanago.PublicKey, promoID uint64) (ag_solanago.PublicKey, uint8, error) {
	return ag_solanago.FindProgramAddress(PromoSeeds(position, promoID), programID)
}

func DeriveClaimReceiptPDA(programID, promo, claimer ag_solanago.PublicKey) (ag_solanago.PublicKey, uint8, error) {
	return ag_solanago.FindProgramAddress(ClaimReceiptSeeds(promo, claimer), programID)
}

func DeriveArtworkPDA(programID ag_solanago.PublicKey, artworkID uint64) (ag_solanago.PublicKey, uint8, error) {
	return ag_solanago.FindProgramAddress(ArtworkSeeds(artworkID), programID)
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
