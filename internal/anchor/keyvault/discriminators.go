package keyvault

import "crypto/sha256"

func accountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func instructionDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// Account discriminators.
var (
	Account_ProtocolConfig = accountDiscriminator("ProtocolConfig")
	Account_MarketConfig   = accountDiscriminator("MarketConfig")
	Account_Position       = accountDiscriminator("Position")
	Account_KeyState       = accountDiscriminator("KeyState")
	Account_PromoConfig    = accountDiscriminator("PromoConfig")
	Account_ClaimReceipt   = accountDiscriminator("ClaimReceipt")
	Account_Artwork        = accountDiscriminator("Artwork")
)

// Instruction discriminators.
var (
	Instruction_FundPosition = instructionDiscriminator("fund_position")
	Instruction_Buy          = instructionDiscriminator("buy")
	Instruction_Sell         = instructionDiscriminator("sell")
	Instruction_Borrow       = instructionDiscriminator("borrow")
	Instruction_Repay        = instructionDiscriminator("repay")
	Instruction_Reinvest     = instructionDiscriminator("reinvest")
)
