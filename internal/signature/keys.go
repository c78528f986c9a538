package signature

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // chain key checksums are defined over ripemd160
)

// pubKeyLen is the compressed secp256k1 public key length.
const pubKeyLen = 33

// checksumLen is the ripemd160 checksum suffix length.
const checksumLen = 4

// ParsePublicKey decodes a chain public key string such as
// "STM6vJmrwaX5TjgTS9dPH8KsArso5m91fVodJvv91j7G765wqcNM9". The
// three-character prefix identifies the chain and is not verified.
func ParsePublicKey(s string) (*secp256k1.PublicKey, error) {
	if len(s) < 3+checksumLen {
		return nil, fmt.Errorf("public key %q too short", s)
	}
	raw, err := base58.Decode(s[3:])
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != pubKeyLen+checksumLen {
		return nil, fmt.Errorf("public key payload has %d bytes", len(raw))
	}

	key, checksum := raw[:pubKeyLen], raw[pubKeyLen:]
	hasher := ripemd160.New()
	hasher.Write(key)
	if !bytes.Equal(hasher.Sum(nil)[:checksumLen], checksum) {
		return nil, fmt.Errorf("public key checksum mismatch")
	}

	pub, err := secp256k1.ParsePubKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

// EncodePublicKey serializes a public key in chain string form with
// the given prefix.
func EncodePublicKey(prefix string, pub *secp256k1.PublicKey) string {
	key := pub.SerializeCompressed()
	hasher := ripemd160.New()
	hasher.Write(key)
	checksum := hasher.Sum(nil)[:checksumLen]
	return prefix + base58.Encode(append(key, checksum...))
}

// ParseWIF decodes a wallet import format private key.
func ParseWIF(wif string) (*secp256k1.PrivateKey, error) {
	raw, err := base58.Decode(wif)
	if err != nil {
		return nil, fmt.Errorf("decode wif: %w", err)
	}
	if len(raw) != 1+32+checksumLen {
		return nil, fmt.Errorf("wif payload has %d bytes", len(raw))
	}
	if raw[0] != 0x80 {
		return nil, fmt.Errorf("wif version byte 0x%x", raw[0])
	}

	payload, checksum := raw[:33], raw[33:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	if !bytes.Equal(second[:checksumLen], checksum) {
		return nil, fmt.Errorf("wif checksum mismatch")
	}

	return secp256k1.PrivKeyFromBytes(raw[1:33]), nil
}

// samePublicKey compares two keys by compressed serialization.
func samePublicKey(a, b *secp256k1.PublicKey) bool {
	return bytes.Equal(a.SerializeCompressed(), b.SerializeCompressed())
}
