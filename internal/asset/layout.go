// Package asset models the bearer capability tokens ("keys") issued for a
// position. The record layout mirrors an ownable single-asset record:
//
//	[0]      type tag (KeyAssetV1)
//	[1:33]   owner
//	[33]     binding tag (0 none, 1 address, 2 collection)
//	[34:66]  binding address, present when the tag is not none
//	...      name, uri (u32 length-prefixed), seq Option<u64>,
//	         attributes: u32 count of (key, value) string pairs
package asset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	KeyUninitialized uint8 = 0
	KeyAssetV1       uint8 = 1

	OwnerOffset       = 1
	BindingTagOffset  = 33
	BindingAddrOffset = 34

	maxAttributes = 32
)

var ErrInvalidLayout = errors.New("invalid asset layout")

type BindingKind uint8

const (
	BindingNone BindingKind = iota
	BindingAddress
	BindingCollection
)

// Binding ties an asset to the address allowed to manage it. Keys issued by a
// position are bound to the position's derived address.
type Binding struct {
	Kind    BindingKind
	Address solana.PublicKey
}

func (b Binding) Present() bool {
	return b.Kind != BindingNone
}

type Attribute struct {
	Key   string
	Value string
}

type Asset struct {
	Owner      solana.PublicKey
	Binding    Binding
	Name       string
	URI        string
	Seq        *uint64
	Attributes []Attribute
}

func (a *Asset) Attribute(key string) (string, bool) {
	for _, attr := range a.Attributes {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

func (a *Asset) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteUint8(KeyAssetV1); err != nil {
		return err
	}
	if err := encoder.WriteBytes(a.Owner[:], false); err != nil {
		return err
	}
	if err := encoder.WriteUint8(uint8(a.Binding.Kind)); err != nil {
		return err
	}
	if a.Binding.Present() {
		if err := encoder.WriteBytes(a.Binding.Address[:], false); err != nil {
			return err
		}
	}
	if err := encoder.WriteString(a.Name); err != nil {
		return err
	}
	if err := encoder.WriteString(a.URI); err != nil {
		return err
	}
	if a.Seq == nil {
		if err := encoder.WriteBool(false); err != nil {
			return err
		}
	} else {
		if err := encoder.WriteBool(true); err != nil {
			return err
		}
		if err := encoder.WriteUint64(*a.Seq, binary.LittleEndian); err != nil {
			return err
		}
	}
	if len(a.Attributes) > maxAttributes {
		return fmt.Errorf("%w: %d attributes", ErrInvalidLayout, len(a.Attributes))
	}
	if err := encoder.WriteUint32(uint32(len(a.Attributes)), binary.LittleEndian); err != nil {
		return err
	}
	for _, attr := range a.Attributes {
		if err := encoder.WriteString(attr.Key); err != nil {
			return err
		}
		if err := encoder.WriteString(attr.Value); err != nil {
			return err
		}
	}
	return nil
}

func (a *Asset) UnmarshalWithDecoder(decoder *bin.Decoder) error {
	key, err := decoder.ReadUint8()
	if err != nil {
		return fmt.Errorf("%w: type tag: %v", ErrInvalidLayout, err)
	}
	if key != KeyAssetV1 {
		return fmt.Errorf("%w: type tag %d", ErrInvalidLayout, key)
	}
	owner, err := decoder.ReadNBytes(32)
	if err != nil {
		return fmt.Errorf("%w: owner: %v", ErrInvalidLayout, err)
	}
	a.Owner = solana.PublicKeyFromBytes(owner)

	kind, err := decoder.ReadUint8()
	if err != nil {
		return fmt.Errorf("%w: binding tag: %v", ErrInvalidLayout, err)
	}
	a.Binding = Binding{Kind: BindingKind(kind)}
	switch a.Binding.Kind {
	case BindingNone:
	case BindingAddress, BindingCollection:
		addr, err := decoder.ReadNBytes(32)
		if err != nil {
			return fmt.Errorf("%w: binding address: %v", ErrInvalidLayout, err)
		}
		a.Binding.Address = solana.PublicKeyFromBytes(addr)
	default:
		return fmt.Errorf("%w: binding tag %d", ErrInvalidLayout, kind)
	}

	if a.Name, err = decoder.ReadString(); err != nil {
		return fmt.Errorf("%w: name: %v", ErrInvalidLayout, err)
	}
	if a.URI, err = decoder.ReadString(); err != nil {
		return fmt.Errorf("%w: uri: %v", ErrInvalidLayout, err)
	}
	hasSeq, err := decoder.ReadBool()
	if err != nil {
		return fmt.Errorf("%w: seq: %v", ErrInvalidLayout, err)
	}
	if hasSeq {
		seq, err := decoder.ReadUint64(binary.LittleEndian)
		if err != nil {
			return fmt.Errorf("%w: seq: %v", ErrInvalidLayout, err)
		}
		a.Seq = &seq
	}

	count, err := decoder.ReadUint32(binary.LittleEndian)
	if err != nil {
		return fmt.Errorf("%w: attribute count: %v", ErrInvalidLayout, err)
	}
	if count > maxAttributes {
		return fmt.Errorf("%w: %d attributes", ErrInvalidLayout, count)
	}
	a.Attributes = make([]Attribute, 0, count)
	for i := uint32(0); i < count; i++ {
		var attr Attribute
		if attr.Key, err = decoder.ReadString(); err != nil {
			return fmt.Errorf("%w: attribute %d key: %v", ErrInvalidLayout, i, err)
		}
		if attr.Value, err = decoder.ReadString(); err != nil {
			return fmt.Errorf("%w: attribute %d value: %v", ErrInvalidLayout, i, err)
		}
		a.Attributes = append(a.Attributes, attr)
	}
	return nil
}

func Encode(a *Asset) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := a.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (*Asset, error) {
	out := new(Asset)
	if err := out.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, err
	}
	return out, nil
}
