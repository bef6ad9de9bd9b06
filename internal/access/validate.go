// Package access decides whether a signer may act on a position with a given
// key. Every mutating program call routes through Validate first.
package access

import (
	"fmt"

	"github.com/coldbell/keyvault/backend/internal/asset"
	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/gagliardetto/solana-go"
)

const PermissionsAttribute = "permissions"

// ValidateHolder checks the record tag, the holder and the position binding.
func ValidateHolder(signer solana.PublicKey, tokenData []byte, expectedBinding solana.PublicKey) (*asset.Asset, error) {
	if len(tokenData) == 0 || tokenData[0] != asset.KeyAssetV1 {
		return nil, fmt.Errorf("%w: key record type tag", errs.InvalidAccount)
	}
	key, err := asset.Decode(tokenData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.InvalidAccount, err)
	}
	if !key.Owner.Equals(signer) {
		return nil, fmt.Errorf("%w: held by %s", errs.KeyNotHeld, key.Owner)
	}
	if !key.Binding.Present() || !key.Binding.Address.Equals(expectedBinding) {
		return nil, fmt.Errorf("%w: bound to %s", errs.WrongPosition, key.Binding.Address)
	}
	return key, nil
}

// Validate returns the key's full mask when signer holds a key bound to
// expectedBinding that carries at least one bit of required.
func Validate(signer solana.PublicKey, tokenData []byte, expectedBinding solana.PublicKey, required Permission) (Permission, error) {
	key, err := ValidateHolder(signer, tokenData, expectedBinding)
	if err != nil {
		return None, err
	}
	raw, ok := key.Attribute(PermissionsAttribute)
	if !ok {
		return None, fmt.Errorf("%w: missing %q attribute", errs.InvalidKey, PermissionsAttribute)
	}
	mask, ok := ParseAttribute(raw)
	if !ok {
		return None, fmt.Errorf("%w: %q attribute %q", errs.InvalidKey, PermissionsAttribute, raw)
	}
	if !mask.Intersects(required) {
		return mask, fmt.Errorf("%w: have %s, need %s", errs.InsufficientPermission, mask, required)
	}
	return mask, nil
}
