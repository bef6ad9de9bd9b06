package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/gagliardetto/solana-go"
)

type Discriminator [8]byte

// AccountDiscriminator is the Anchor account type tag for name.
func AccountDiscriminator(name string) Discriminator {
	hash := sha256.Sum256([]byte("account:" + name))
	var out Discriminator
	copy(out[:], hash[:8])
	return out
}

type Field struct {
	Offset int
	Size   int
}

// Layout describes one versioned record of the protocol. Readers validate the
// tag and length before touching any offset.
type Layout struct {
	Name          string
	Version       uint8
	Discriminator Discriminator
	Size          int
	Fields        map[string]Field
}

var PersonalPositionV1 = Layout{
	Name:          "PersonalPosition",
	Version:       1,
	Discriminator: AccountDiscriminator("PersonalPosition"),
	Size:          121,
	Fields: map[string]Field{
		"market_meta":      {Offset: 8, Size: 32},
		"owner":            {Offset: 40, Size: 32},
		"escrow":           {Offset: 72, Size: 32},
		"deposited_shares": {Offset: 104, Size: 8},
		"debt":             {Offset: 112, Size: 8},
		"bump":             {Offset: 120, Size: 1},
	},
}

var MarketV1 = Layout{
	Name:          "Market",
	Version:       1,
	Discriminator: AccountDiscriminator("Market"),
	Size:          98,
	Fields: map[string]Field{
		"market_group":   {Offset: 8, Size: 32},
		"mint_main":      {Offset: 40, Size: 32},
		"floor_price":    {Offset: 72, Size: DecimalSize},
		"borrow_fee_bps": {Offset: 88, Size: 2},
		"total_debt":     {Offset: 90, Size: 8},
	},
}

// Check validates length and type tag.
func (l Layout) Check(data []byte) error {
	if len(data) < l.Size {
		return fmt.Errorf("%w: %s v%d needs %d bytes, have %d", errs.InvalidAccount, l.Name, l.Version, l.Size, len(data))
	}
	if !bytes.Equal(data[:8], l.Discriminator[:]) {
		return fmt.Errorf("%w: %s discriminator mismatch", errs.InvalidAccount, l.Name)
	}
	return nil
}

func (l Layout) field(data []byte, name string, size int) ([]byte, error) {
	if err := l.Check(data); err != nil {
		return nil, err
	}
	f, ok := l.Fields[name]
	if !ok || f.Size != size {
		return nil, fmt.Errorf("%s has no %d-byte field %q", l.Name, size, name)
	}
	return data[f.Offset : f.Offset+f.Size], nil
}

func (l Layout) Uint64(data []byte, name string) (uint64, error) {
	raw, err := l.field(data, name, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func (l Layout) Uint16(data []byte, name string) (uint16, error) {
	raw, err := l.field(data, name, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(raw), nil
}

func (l Layout) PublicKey(data []byte, name string) (solana.PublicKey, error) {
	raw, err := l.field(data, name, 32)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}

func (l Layout) Decimal(data []byte, name string) (uint64, error) {
	raw, err := l.field(data, name, DecimalSize)
	if err != nil {
		return 0, err
	}
	return DecodeDecimal(raw)
}

func ReadDepositedShares(data []byte) (uint64, error) {
	return PersonalPositionV1.Uint64(data, "deposited_shares")
}

func ReadDebt(data []byte) (uint64, error) {
	return PersonalPositionV1.Uint64(data, "debt")
}

// ReadFloorPrice returns the market floor price in lamports per share.
func ReadFloorPrice(data []byte) (uint64, error) {
	return MarketV1.Decimal(data, "floor_price")
}

func ReadBorrowFeeBps(data []byte) (uint16, error) {
	return MarketV1.Uint16(data, "borrow_fee_bps")
}

type PersonalPosition struct {
	MarketMeta      solana.PublicKey
	Owner           solana.PublicKey
	Escrow          solana.PublicKey
	DepositedShares uint64
	Debt            uint64
	Bump            uint8
}

func DecodePersonalPosition(data []byte) (*PersonalPosition, error) {
	if err := PersonalPositionV1.Check(data); err != nil {
		return nil, err
	}
	return &PersonalPosition{
		MarketMeta:      solana.PublicKeyFromBytes(data[8:40]),
		Owner:           solana.PublicKeyFromBytes(data[40:72]),
		Escrow:          solana.PublicKeyFromBytes(data[72:104]),
		DepositedShares: binary.LittleEndian.Uint64(data[104:112]),
		Debt:            binary.LittleEndian.Uint64(data[112:120]),
		Bump:            data[120],
	}, nil
}

func (p *PersonalPosition) Encode() []byte {
	out := make([]byte, PersonalPositionV1.Size)
	copy(out[:8], PersonalPositionV1.Discriminator[:])
	copy(out[8:40], p.MarketMeta[:])
	copy(out[40:72], p.Owner[:])
	copy(out[72:104], p.Escrow[:])
	binary.LittleEndian.PutUint64(out[104:112], p.DepositedShares)
	binary.LittleEndian.PutUint64(out[112:120], p.Debt)
	out[120] = p.Bump
	return out
}

type Market struct {
	MarketGroup  solana.PublicKey
	MintMain     solana.PublicKey
	FloorPrice   [DecimalSize]byte
	BorrowFeeBps uint16
	TotalDebt    uint64
}

func DecodeMarket(data []byte) (*Market, error) {
	if err := MarketV1.Check(data); err != nil {
		return nil, err
	}
	m := &Market{
		MarketGroup:  solana.PublicKeyFromBytes(data[8:40]),
		MintMain:     solana.PublicKeyFromBytes(data[40:72]),
		BorrowFeeBps: binary.LittleEndian.Uint16(data[88:90]),
		TotalDebt:    binary.LittleEndian.Uint64(data[90:98]),
	}
	copy(m.FloorPrice[:], data[72:88])
	return m, nil
}

func (m *Market) Encode() []byte {
	out := make([]byte, MarketV1.Size)
	copy(out[:8], MarketV1.Discriminator[:])
	copy(out[8:40], m.MarketGroup[:])
	copy(out[40:72], m.MintMain[:])
	copy(out[72:88], m.FloorPrice[:])
	binary.LittleEndian.PutUint16(out[88:90], m.BorrowFeeBps)
	binary.LittleEndian.PutUint64(out[90:98], m.TotalDebt)
	return out
}

func (m *Market) FloorPriceLamports() (uint64, error) {
	return DecodeDecimal(m.FloorPrice[:])
}
