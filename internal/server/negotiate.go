package server

import (
	"strings"

	"github.com/ecency/imagehoster/internal/imagekey"
)

// SupportsWebP reports whether the Accept header admits image/webp.
func SupportsWebP(accept string) bool {
	return strings.Contains(strings.ToLower(accept), "image/webp")
}

// SupportsAvif reports whether the Accept header admits image/avif.
func SupportsAvif(accept string) bool {
	return strings.Contains(strings.ToLower(accept), "image/avif")
}

// negotiateProxy resolves format=match for the proxy path: AVIF when
// accepted, else WEBP, else keep the original format.
func negotiateProxy(accept string, format imagekey.OutputFormat) imagekey.OutputFormat {
	if format != imagekey.Match {
		return format
	}
	if SupportsAvif(accept) {
		return imagekey.AVIF
	}
	if SupportsWebP(accept) {
		return imagekey.WEBP
	}
	return imagekey.Match
}

// negotiateAvatar upgrades avatars to WEBP when accepted.
func negotiateAvatar(accept string) imagekey.OutputFormat {
	if SupportsWebP(accept) {
		return imagekey.WEBP
	}
	return imagekey.Match
}

// negotiateCover prefers AVIF, then WEBP, for profile covers.
func negotiateCover(accept string) imagekey.OutputFormat {
	if SupportsAvif(accept) {
		return imagekey.AVIF
	}
	if SupportsWebP(accept) {
		return imagekey.WEBP
	}
	return imagekey.Match
}
