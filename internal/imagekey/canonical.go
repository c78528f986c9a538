package imagekey

import (
	"net/url"
	"strings"
)

// domainReplacement is an ordered prefix rewrite applied to the full
// URL string.
type domainReplacement struct {
	from string
	to   string
}

// pathReplacement is a single path substring rewrite applied only when
// the URL starts with the (post-domain-replacement) host prefix.
type pathReplacement struct {
	hostPrefix string
	from       string
	to         string
}

// The replacement tables are normative; mirrors moved hosts over the
// years and stored keys still reference the old ones.
var domainReplacements = []domainReplacement{
	{"https://img.3speakcontent.online/", "https://img.3speakcontent.co/"},
	{"https://img.inleo.io/D", "https://img.leopedia.io/D"},
}

var pathReplacements = []pathReplacement{
	{"https://img.3speakcontent.co/", "/post.png", "/thumbnails/default.png"},
}

// esteemHost is wrapped through steemitimages rather than rewritten;
// the origin is long dead but its URLs persist in old posts.
const esteemHost = "https://img.esteem.ws/"

const steemitWrapPrefix = "https://steemitimages.com/0x0/"

// Canonicalize applies the domain replacement table, then the path
// replacement table (matching against the post-replacement domain),
// then the esteem wrap. Idempotent on its own output.
func Canonicalize(raw string) string {
	for _, r := range domainReplacements {
		if strings.HasPrefix(raw, r.from) {
			raw = r.to + raw[len(r.from):]
		}
	}
	for _, r := range pathReplacements {
		if strings.HasPrefix(raw, r.hostPrefix) {
			raw = strings.Replace(raw, r.from, r.to, 1)
		}
	}
	if strings.Contains(raw, esteemHost) && !strings.HasPrefix(raw, steemitWrapPrefix) {
		raw = steemitWrapPrefix + raw
	}
	return raw
}

// CanonicalizeURL is Canonicalize over a parsed URL. Returns the input
// unchanged when the rewritten string no longer parses.
func CanonicalizeURL(u *url.URL) *url.URL {
	rewritten := Canonicalize(u.String())
	if rewritten == u.String() {
		return u
	}
	parsed, err := url.Parse(rewritten)
	if err != nil {
		return u
	}
	return parsed
}

// IsEmptyImageURL reports whether s is exactly a sentinel empty-image
// URL for the service.
func IsEmptyImageURL(s, serviceURL string) bool {
	base := strings.TrimRight(serviceURL, "/")
	return s == base+"/0x0" || s == base+"/0x0/"
}

// StartsWithEmptyImagePrefix reports whether s begins with the sentinel
// empty-image prefix for the service.
func StartsWithEmptyImagePrefix(s, serviceURL string) bool {
	base := strings.TrimRight(serviceURL, "/")
	return strings.HasPrefix(s, base+"/0x0/") || s == base+"/0x0"
}

// maxUnwrapDepth bounds double-proxy unwrapping against pathological
// tokens that nest forever.
const maxUnwrapDepth = 4

// UnwrapProxied iteratively unwraps URLs that point back at our own
// /p/ endpoint until the target leaves the service, up to
// maxUnwrapDepth levels.
func UnwrapProxied(u *url.URL, serviceURL string) *url.URL {
	service, err := url.Parse(serviceURL)
	if err != nil {
		return u
	}
	for range maxUnwrapDepth {
		if u.Host != service.Host || !strings.HasPrefix(u.Path, "/p/") {
			return u
		}
		token := strings.TrimPrefix(u.Path, "/p/")
		token = strings.SplitN(token, "/", 2)[0]
		if idx := strings.LastIndexByte(token, '.'); idx > 0 {
			token = token[:idx]
		}
		decoded, decErr := Base58Dec(token)
		if decErr != nil {
			return u
		}
		inner, parseErr := ParsePlainURL(strings.TrimRight(decoded, "/"))
		if parseErr != nil {
			return u
		}
		u = inner
	}
	return u
}
