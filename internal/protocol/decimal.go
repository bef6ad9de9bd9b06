package protocol

import (
	"fmt"

	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/holiman/uint256"
)

const (
	LamportsPerSOL = 1_000_000_000

	DecimalSize     = 16
	MaxDecimalScale = 28

	decimalScaleByte = 2
	decimalSignByte  = 3
	decimalSignMask  = 0x80
	mantissaOffset   = 4
	mantissaSize     = 12
)

var lamportScale = uint256.NewInt(LamportsPerSOL)

// DecodeDecimal converts the protocol's packed 128-bit fixed-point value into
// lamports. Negative values clamp to zero.
func DecodeDecimal(raw []byte) (uint64, error) {
	if len(raw) < DecimalSize {
		return 0, fmt.Errorf("%w: decimal needs %d bytes, have %d", errs.InvalidAccount, DecimalSize, len(raw))
	}
	if raw[decimalSignByte]&decimalSignMask != 0 {
		return 0, nil
	}
	scale := raw[decimalScaleByte]
	if scale > MaxDecimalScale {
		return 0, fmt.Errorf("%w: decimal scale %d", errs.InvalidAccount, scale)
	}

	// uint256.SetBytes is big-endian; the mantissa is stored little-endian.
	var be [mantissaSize]byte
	for i := 0; i < mantissaSize; i++ {
		be[mantissaSize-1-i] = raw[mantissaOffset+i]
	}
	value := new(uint256.Int).SetBytes(be[:])
	value.Mul(value, lamportScale)
	value.Div(value, pow10(scale))
	if !value.IsUint64() {
		return 0, fmt.Errorf("%w: decimal does not fit in u64 lamports", errs.MathOverflow)
	}
	return value.Uint64(), nil
}

// EncodeDecimal packs a mantissa and scale the way DecodeDecimal reads them.
func EncodeDecimal(mantissa *uint256.Int, scale uint8, negative bool) ([DecimalSize]byte, error) {
	var out [DecimalSize]byte
	if mantissa.BitLen() > mantissaSize*8 {
		return out, fmt.Errorf("mantissa exceeds %d bits", mantissaSize*8)
	}
	if scale > MaxDecimalScale {
		return out, fmt.Errorf("scale %d exceeds %d", scale, MaxDecimalScale)
	}
	out[decimalScaleByte] = scale
	if negative {
		out[decimalSignByte] = decimalSignMask
	}
	be := mantissa.Bytes32()
	for i := 0; i < mantissaSize; i++ {
		out[mantissaOffset+i] = be[31-i]
	}
	return out, nil
}

// LamportDecimal encodes a lamport price as a scale-9 decimal.
func LamportDecimal(lamports uint64) [DecimalSize]byte {
	out, _ := EncodeDecimal(uint256.NewInt(lamports), 9, false)
	return out
}

// BorrowCapacity is the floor value of deposited shares at priceLamports per
// share, less outstanding debt, saturating at zero.
func BorrowCapacity(deposited, priceLamports, debt uint64) (uint64, error) {
	floor, err := FloorValue(deposited, priceLamports)
	if err != nil {
		return 0, err
	}
	if debt >= floor {
		return 0, nil
	}
	return floor - debt, nil
}

func FloorValue(deposited, priceLamports uint64) (uint64, error) {
	return MulDivFloor(deposited, priceLamports, LamportsPerSOL)
}

// MulDivFloor computes a*b/denominator with a 256-bit intermediate.
func MulDivFloor(a, b, denominator uint64) (uint64, error) {
	if denominator == 0 {
		return 0, fmt.Errorf("%w: division by zero", errs.MathOverflow)
	}
	product := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	product.Div(product, uint256.NewInt(denominator))
	if !product.IsUint64() {
		return 0, fmt.Errorf("%w: %d*%d/%d", errs.MathOverflow, a, b, denominator)
	}
	return product.Uint64(), nil
}

func pow10(scale uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(scale)))
}
