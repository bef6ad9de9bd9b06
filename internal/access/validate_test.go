package access

import (
	"testing"

	"github.com/coldbell/keyvault/backend/internal/asset"
	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyRecord(t *testing.T, owner, binding solana.PublicKey, attrs ...asset.Attribute) []byte {
	t.Helper()
	data, err := asset.Encode(&asset.Asset{
		Owner:      owner,
		Binding:    asset.Binding{Kind: asset.BindingAddress, Address: binding},
		Name:       "Key",
		Attributes: attrs,
	})
	require.NoError(t, err)
	return data
}

func perms(p Permission) asset.Attribute {
	return asset.Attribute{Key: PermissionsAttribute, Value: p.Attribute()}
}

func TestValidate(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	position := solana.NewWallet().PublicKey()
	stranger := solana.NewWallet().PublicKey()

	mask, err := Validate(signer, keyRecord(t, signer, position, perms(Buy|Repay)), position, Buy)
	require.NoError(t, err)
	assert.Equal(t, Buy|Repay, mask)

	// Any overlapping bit is enough.
	mask, err = Validate(signer, keyRecord(t, signer, position, perms(Sell)), position, Sell|LimitedSell)
	require.NoError(t, err)
	assert.Equal(t, Sell, mask)

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, errs.InvalidAccount},
		{"wrong tag", append([]byte{asset.KeyUninitialized}, keyRecord(t, signer, position)[1:]...), errs.InvalidAccount},
		{"truncated", keyRecord(t, signer, position, perms(Buy))[:20], errs.InvalidAccount},
		{"not held", keyRecord(t, stranger, position, perms(Buy)), errs.KeyNotHeld},
		{"other position", keyRecord(t, signer, stranger, perms(Buy)), errs.WrongPosition},
		{"no attribute", keyRecord(t, signer, position), errs.InvalidKey},
		{"not a number", keyRecord(t, signer, position, asset.Attribute{Key: PermissionsAttribute, Value: "buy"}), errs.InvalidKey},
		{"too wide", keyRecord(t, signer, position, asset.Attribute{Key: PermissionsAttribute, Value: "256"}), errs.InvalidKey},
		{"missing bit", keyRecord(t, signer, position, perms(Repay)), errs.InsufficientPermission},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate(signer, tc.data, position, Buy)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestValidate_UnboundKey(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	position := solana.NewWallet().PublicKey()
	data, err := asset.Encode(&asset.Asset{
		Owner:      signer,
		Attributes: []asset.Attribute{perms(Admin)},
	})
	require.NoError(t, err)

	_, err = Validate(signer, data, position, Buy)
	require.ErrorIs(t, err, errs.WrongPosition)
}

func TestValidateHolder_IgnoresPermissions(t *testing.T) {
	signer := solana.NewWallet().PublicKey()
	position := solana.NewWallet().PublicKey()

	key, err := ValidateHolder(signer, keyRecord(t, signer, position, perms(None)), position)
	require.NoError(t, err)
	assert.Equal(t, signer, key.Owner)
}

func TestPermission(t *testing.T) {
	assert.Equal(t, Permission(0x3f), Admin)
	assert.True(t, Admin.Has(Buy|ManageKeys))
	assert.False(t, Admin.Has(LimitedSell))
	assert.False(t, Admin.Intersects(LimitedSell|LimitedBorrow))
	assert.Equal(t, "sell|limited_borrow", (Sell | LimitedBorrow).String())
	assert.Equal(t, "none", None.String())

	p, ok := ParseAttribute(" 63 ")
	require.True(t, ok)
	assert.Equal(t, Admin, p)
}
