// Package keyvault holds the account and instruction bindings of the key vault
// program: discriminators, Borsh codecs, derived addresses and client
// instruction builders.
package keyvault

import "github.com/gagliardetto/solana-go"

var ProgramID solana.PublicKey = solana.MustPublicKeyFromBase58("Fvkt9eYVAuTz3mQp7xWcRnB5sJhK2dGa8LrE4uNf6PqS")

const ProgramName = "keyvault"
