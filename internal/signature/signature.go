// Package signature verifies upload admission signatures. Two modes
// are supported: a direct posting-key signature over the image bytes,
// and an OAuth-style signed token carrying an authority chain.
package signature

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/ecency/imagehoster/internal/apierr"
	"github.com/ecency/imagehoster/internal/hive"
)

// signingChallenge prefixes the image bytes before hashing in direct
// mode.
const signingChallenge = "ImageSigningChallenge"

// compactSigLen is the recoverable compact signature length.
const compactSigLen = 65

// tokenTypes are the accepted signed-message types.
var tokenTypes = map[string]struct{}{
	"login":   {},
	"posting": {},
	"offline": {},
	"code":    {},
	"refresh": {},
}

// tokenDecoder maps the token charset back to standard base64:
// _ -> /, - -> +, . -> =.
var tokenDecoder = strings.NewReplacer("_", "/", "-", "+", ".", "=")

// ChallengeHash is the digest signed in direct mode.
func ChallengeHash(data []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(signingChallenge))
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SignDirect produces a direct-mode signature. Used by tests and the
// companion CLI tooling.
func SignDirect(priv *secp256k1.PrivateKey, data []byte) string {
	h := ChallengeHash(data)
	return hex.EncodeToString(secpecdsa.SignCompact(priv, h[:], true))
}

// VerifyDirect checks a direct posting-key signature: the recovered
// key must appear in the account's posting or active authority with
// sufficient weight.
func VerifyDirect(sigHex string, data []byte, account *hive.Account) error {
	// The stndt prefix was a historical test backdoor; it stays
	// rejected.
	if strings.HasPrefix(sigHex, "stndt") {
		return apierr.New(apierr.InvalidSignature, "legacy signature scheme is disabled")
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != compactSigLen {
		return apierr.New(apierr.InvalidSignature, "malformed signature")
	}

	h := ChallengeHash(data)
	pub, _, err := secpecdsa.RecoverCompact(sig, h[:])
	if err != nil {
		return apierr.Wrap(apierr.InvalidSignature, "recover public key", err)
	}

	if authorityHasKey(account.Posting, pub) || authorityHasKey(account.Active, pub) {
		return nil
	}
	return apierr.New(apierr.InvalidSignature, "signature does not match account authority")
}

// authorityHasKey reports whether the authority grants the key enough
// weight on its own.
func authorityHasKey(auth hive.Authority, pub *secp256k1.PublicKey) bool {
	for _, ka := range auth.KeyAuths {
		key, err := ParsePublicKey(ka.Key)
		if err != nil {
			continue
		}
		if samePublicKey(key, pub) && ka.Weight >= auth.WeightThreshold {
			return true
		}
	}
	return false
}

// Token is a decoded upload token.
type Token struct {
	Type      string
	App       string
	Author    string
	Signature []byte

	// digest is the sha256 of the canonical signed payload.
	digest [32]byte
}

type signedMessage struct {
	Type string `json:"type"`
	App  string `json:"app"`
}

// tokenPayload keeps the raw message and timestamp so the signed
// digest reuses their original key order and number formatting
// (json.Marshal compacts their whitespace).
type tokenPayload struct {
	SignedMessage json.RawMessage `json:"signed_message"`
	Authors       []string        `json:"authors"`
	Signatures    []string        `json:"signatures"`
	Timestamp     json.RawMessage `json:"timestamp"`
}

// challengePayload is the signed subset, marshaled in field order.
type challengePayload struct {
	SignedMessage json.RawMessage `json:"signed_message"`
	Authors       []string        `json:"authors"`
	Timestamp     json.RawMessage `json:"timestamp"`
}

// HasTokenPrefix reports whether a signature path parameter is a token
// rather than a direct signature.
func HasTokenPrefix(s string) bool {
	return strings.HasPrefix(s, "hive")
}

// StripTokenPrefix removes the "hive" and optional "signer" markers.
func StripTokenPrefix(s string) string {
	s = strings.TrimPrefix(s, "hive")
	return strings.TrimPrefix(s, "signer")
}

// DecodeToken decodes a base64url token (custom charset) into its
// payload.
func DecodeToken(raw string) (*Token, error) {
	decoded, err := base64.StdEncoding.DecodeString(tokenDecoder.Replace(raw))
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidSignature, "decode token", err)
	}

	var payload tokenPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, apierr.Wrap(apierr.InvalidSignature, "parse token", err)
	}

	var msg signedMessage
	if err := json.Unmarshal(payload.SignedMessage, &msg); err != nil {
		return nil, apierr.Wrap(apierr.InvalidSignature, "parse signed message", err)
	}
	if _, ok := tokenTypes[msg.Type]; !ok {
		return nil, apierr.Newf(apierr.InvalidSignature, "unexpected message type %q", msg.Type)
	}
	if msg.App == "" {
		return nil, apierr.New(apierr.InvalidSignature, "token has no app")
	}
	if len(payload.Authors) == 0 {
		return nil, apierr.New(apierr.InvalidSignature, "token has no authors")
	}
	if len(payload.Signatures) == 0 {
		return nil, apierr.New(apierr.InvalidSignature, "token has no signatures")
	}

	sig, err := hex.DecodeString(payload.Signatures[0])
	if err != nil || len(sig) != compactSigLen {
		return nil, apierr.New(apierr.InvalidSignature, "malformed token signature")
	}

	canonical, err := json.Marshal(challengePayload{
		SignedMessage: payload.SignedMessage,
		Authors:       payload.Authors,
		Timestamp:     payload.Timestamp,
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidSignature, "serialize challenge", err)
	}

	return &Token{
		Type:      msg.Type,
		App:       msg.App,
		Author:    payload.Authors[0],
		Signature: sig,
		digest:    sha256.Sum256(canonical),
	}, nil
}

// Verifier checks tokens against the configured app identity and the
// author's on-chain authorities.
type Verifier struct {
	appAccount     string
	broadcasterPub *secp256k1.PublicKey
}

// NewVerifier creates a Verifier. appPostingWIF is optional; when set
// the derived public key is accepted as a token broadcaster.
func NewVerifier(appAccount, appPostingWIF string) (*Verifier, error) {
	v := &Verifier{appAccount: appAccount}
	if appPostingWIF != "" {
		priv, err := ParseWIF(appPostingWIF)
		if err != nil {
			return nil, fmt.Errorf("parse app posting key: %w", err)
		}
		v.broadcasterPub = priv.PubKey()
	}
	return v, nil
}

// VerifyToken accepts the token when the broadcaster key signed it,
// when the author delegates to the app account, or when a key in the
// author's own authorities signed it.
func (v *Verifier) VerifyToken(token *Token, account *hive.Account) error {
	pub, _, err := secpecdsa.RecoverCompact(token.Signature, token.digest[:])
	if err != nil {
		return apierr.Wrap(apierr.InvalidSignature, "recover token key", err)
	}

	if v.broadcasterPub != nil && samePublicKey(pub, v.broadcasterPub) {
		return nil
	}

	authorities := []hive.Authority{account.Posting, account.Active, account.Owner}
	if v.appAccount != "" {
		for _, auth := range authorities {
			for _, aa := range auth.AccountAuths {
				if aa.Account == v.appAccount {
					return nil
				}
			}
		}
	}
	for _, auth := range authorities {
		for _, ka := range auth.KeyAuths {
			key, parseErr := ParsePublicKey(ka.Key)
			if parseErr != nil {
				continue
			}
			if samePublicKey(key, pub) {
				return nil
			}
		}
	}
	return apierr.New(apierr.InvalidSignature, "token signature does not match any authority")
}

// SignToken builds a signed token string for tests and tooling.
func SignToken(priv *secp256k1.PrivateKey, msgType, app string, authors []string, timestamp int64) string {
	msg, _ := json.Marshal(signedMessage{Type: msgType, App: app})
	ts, _ := json.Marshal(timestamp)
	canonical, _ := json.Marshal(challengePayload{
		SignedMessage: msg,
		Authors:       authors,
		Timestamp:     ts,
	})
	digest := sha256.Sum256(canonical)
	sig := secpecdsa.SignCompact(priv, digest[:], true)

	full, _ := json.Marshal(tokenPayload{
		SignedMessage: msg,
		Authors:       authors,
		Signatures:    []string{hex.EncodeToString(sig)},
		Timestamp:     ts,
	})
	encoded := base64.StdEncoding.EncodeToString(full)
	return strings.NewReplacer("/", "_", "+", "-", "=", ".").Replace(encoded)
}
