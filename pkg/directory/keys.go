package directory

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// DeriveConsensusAddress derives both bech32 and hex forms of a validator's
// consensus address from its base64 consensus public key: SHA-256 of the key
// bytes truncated to 20 bytes, bech32-encoded with the network's valcons
// prefix.
func DeriveConsensusAddress(pubKeyB64, prefix string) (bech32Addr, hexAddr string, err error) {
	raw, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return "", "", fmt.Errorf("decode consensus pubkey: %w", err)
	}
	sum := sha256.Sum256(raw)
	addr := sum[:20]

	conv, err := bech32.ConvertBits(addr, 8, 5, true)
	if err != nil {
		return "", "", fmt.Errorf("convert address bits: %w", err)
	}
	enc, err := bech32.Encode(prefix, conv)
	if err != nil {
		return "", "", fmt.Errorf("bech32 encode: %w", err)
	}
	return enc, strings.ToUpper(hex.EncodeToString(addr)), nil
}

// NormalizeHex upper-cases a hex key so commit signatures and directory
// records compare equal regardless of source casing.
func NormalizeHex(s string) string { return strings.ToUpper(s) }

// NormalizeBtcPk lower-cases a BTC public key hex, the convention of the
// btcstaking REST surface.
func NormalizeBtcPk(s string) string { return strings.ToLower(s) }
