// Package imagekey derives blob store keys from image bytes, URLs and
// transform options, and canonicalizes proxied URLs.
package imagekey

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"
)

// Key prefixes distinguishing store and lifecycle.
const (
	// UploadPrefix marks content-addressed upload keys.
	UploadPrefix = "D"
	// ProxyPrefix marks URL-addressed proxy keys.
	ProxyPrefix = "U"
)

// Base58Enc encodes a string as base58 with identity multihash framing,
// so the output carries a type/length tag.
func Base58Enc(s string) string {
	framed, err := mh.Encode([]byte(s), mh.IDENTITY)
	if err != nil {
		// Encode only fails for unknown hash codes.
		panic(fmt.Sprintf("multihash encode: %v", err))
	}
	return base58.Encode(framed)
}

// Base58Dec inverts Base58Enc. Tokens that are not valid base58, not
// identity-framed, or not valid UTF-8 fail.
func Base58Dec(token string) (string, error) {
	raw, err := base58.Decode(token)
	if err != nil {
		return "", fmt.Errorf("decode base58: %w", err)
	}
	decoded, err := mh.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("decode multihash: %w", err)
	}
	if decoded.Code != mh.IDENTITY {
		return "", fmt.Errorf("unexpected multihash code 0x%x", decoded.Code)
	}
	if !utf8.Valid(decoded.Digest) {
		return "", fmt.Errorf("decoded payload is not valid UTF-8")
	}
	return string(decoded.Digest), nil
}

// ForBytes derives the content-addressed upload key for raw bytes:
// "D" + base58(multihash(sha2-256, bytes)).
func ForBytes(data []byte) string {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		panic(fmt.Sprintf("multihash sum: %v", err))
	}
	return UploadPrefix + sum.B58String()
}

// ForURL derives the URL-addressed proxy key for a canonical URL:
// "U" + base58(multihash(sha1, url)).
func ForURL(u *url.URL) string {
	sum, err := mh.Sum([]byte(u.String()), mh.SHA1, -1)
	if err != nil {
		panic(fmt.Sprintf("multihash sum: %v", err))
	}
	return ProxyPrefix + sum.B58String()
}

// ImageKey derives the proxy-store artifact key for an original key and
// transform options.
//
// The compact "{orig}_{W}x{H}" form is reserved for (Fit, Match)
// because existing stored artifacts use it; every other combination
// spells out mode and format and appends only the dimensions that are
// set.
func ImageKey(origKey string, opts TransformOptions) string {
	if opts.Mode == Fit && opts.Format == Match {
		return fmt.Sprintf("%s_%dx%d", origKey, opts.Width, opts.Height)
	}
	key := fmt.Sprintf("%s_%s_%s", origKey, opts.Mode, opts.Format)
	if opts.Width > 0 {
		key = fmt.Sprintf("%s_%d", key, opts.Width)
	}
	if opts.Height > 0 {
		key = fmt.Sprintf("%s_%d", key, opts.Height)
	}
	return key
}

// ParsePlainURL parses an absolute http(s) URL.
func ParsePlainURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("url %q is not absolute", s)
	}
	return u, nil
}

// ParseProxiedURL decodes a base58 URL token from a /p/ path segment.
// Failures soft-fail to the fallback URL; the proxy path prefers
// serving a default image over erroring on garbage tokens.
func ParseProxiedURL(token string, fallback *url.URL) *url.URL {
	decoded, err := Base58Dec(token)
	if err != nil {
		return fallback
	}
	decoded = strings.TrimRight(decoded, "/")
	u, err := ParsePlainURL(decoded)
	if err != nil {
		return fallback
	}
	return u
}

// StripCacheParams removes the cache-control query parameters that must
// not affect the original key. Returns a copy; the input is unchanged.
func StripCacheParams(u *url.URL) *url.URL {
	stripped := *u
	q := stripped.Query()
	q.Del("ignorecache")
	q.Del("invalidate")
	q.Del("refetch")
	stripped.RawQuery = q.Encode()
	return &stripped
}
