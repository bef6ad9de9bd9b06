package keyvault

import (
	"bytes"
	"fmt"

	ag_binary "github.com/gagliardetto/binary"
)

func encodeFields(encoder *ag_binary.Encoder, discriminator [8]byte, fields ...interface{}) error {
	if err := encoder.WriteBytes(discriminator[:], false); err != nil {
		return err
	}
	for i, field := range fields {
		if err := encoder.Encode(field); err != nil {
			return fmt.Errorf("field %d: %w", i, err)
		}
	}
	return nil
}

func decodeFields(decoder *ag_binary.Decoder, discriminator [8]byte, name string, fields ...interface{}) error {
	got, err := decoder.ReadNBytes(8)
	if err != nil {
		return fmt.Errorf("%s discriminator: %w", name, err)
	}
	if !bytes.Equal(got, discriminator[:]) {
		return fmt.Errorf("wrong discriminator: wanted %s %v, got %v", name, discriminator[:], got)
	}
	for i, field := range fields {
		if err := decoder.Decode(field); err != nil {
			return fmt.Errorf("%s field %d: %w", name, i, err)
		}
	}
	return nil
}

// Marshal encodes an account or instruction payload with Borsh.
func Marshal(v ag_binary.BinaryMarshaler) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := v.MarshalWithEncoder(ag_binary.NewBorshEncoder(buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
