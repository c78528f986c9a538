package pipeline

import (
	"bytes"
	"net/http"
	"strings"
)

// sniffLen bounds the head of the buffer given to the signature
// detectors; the APNG and SVG checks scan further into the data.
const sniffLen = 512

// AcceptedTypes is the set of content types the service stores and
// serves.
var AcceptedTypes = map[string]struct{}{
	"image/gif":     {},
	"image/jpeg":    {},
	"image/png":     {},
	"image/webp":    {},
	"image/svg+xml": {},
	"image/svg":     {},
	"image/bmp":     {},
	"image/apng":    {},
	"image/avif":    {},
}

// IsAccepted reports whether the content type is in the accepted set.
func IsAccepted(contentType string) bool {
	_, ok := AcceptedTypes[contentType]
	return ok
}

// Sniff detects the content type from the first bytes of data.
// http.DetectContentType misses SVG, APNG and AVIF, so those get
// explicit scans.
func Sniff(data []byte) string {
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}

	if ct := sniffISOBMFF(head); ct != "" {
		return ct
	}

	detected := http.DetectContentType(head)
	base, _, _ := strings.Cut(detected, ";")
	base = strings.TrimSpace(base)

	switch base {
	case "image/png":
		if isAPNG(data) {
			return "image/apng"
		}
		return "image/png"
	case "text/xml", "text/plain", "application/octet-stream":
		if looksLikeSVG(data) {
			return "image/svg+xml"
		}
	}
	return base
}

// sniffISOBMFF recognizes AVIF (and leaves other ftyp brands like mp4
// to the generic detector).
func sniffISOBMFF(head []byte) string {
	if len(head) < 12 || !bytes.Equal(head[4:8], []byte("ftyp")) {
		return ""
	}
	brand := string(head[8:12])
	if brand == "avif" || brand == "avis" {
		return "image/avif"
	}
	return ""
}

// isAPNG scans the PNG chunk stream for an acTL chunk ahead of IDAT.
func isAPNG(data []byte) bool {
	idat := bytes.Index(data, []byte("IDAT"))
	actl := bytes.Index(data, []byte("acTL"))
	return actl != -1 && (idat == -1 || actl < idat)
}

// looksLikeSVG text-scans for an svg root element, optionally behind
// an XML declaration.
func looksLikeSVG(data []byte) bool {
	head := data
	if len(head) > 4096 {
		head = head[:4096]
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n\xef\xbb\xbf")
	if bytes.HasPrefix(trimmed, []byte("<svg")) {
		return true
	}
	return bytes.HasPrefix(trimmed, []byte("<?xml")) && bytes.Contains(head, []byte("<svg"))
}
