package imagekey

import (
	"fmt"
	"strings"
)

// ScalingMode selects how requested dimensions are applied.
type ScalingMode int

const (
	// Cover resizes to the exact dimensions, cropping to fill.
	Cover ScalingMode = iota
	// Fit resizes inside the dimensions preserving aspect ratio,
	// never enlarging.
	Fit
)

// String returns the canonical mode name. The names are part of the
// stored image key format and must not change.
func (m ScalingMode) String() string {
	if m == Cover {
		return "Cover"
	}
	return "Fit"
}

// ParseScalingMode parses a query-parameter mode value.
func ParseScalingMode(s string) (ScalingMode, error) {
	switch strings.ToLower(s) {
	case "cover":
		return Cover, nil
	case "fit", "":
		return Fit, nil
	default:
		return Fit, fmt.Errorf("unknown scaling mode %q", s)
	}
}

// OutputFormat selects the encoded output format.
type OutputFormat int

const (
	// Match keeps the decoded format (SVG input becomes PNG).
	Match OutputFormat = iota
	JPEG
	PNG
	WEBP
	AVIF
)

var formatNames = map[OutputFormat]string{
	Match: "Match",
	JPEG:  "JPEG",
	PNG:   "PNG",
	WEBP:  "WEBP",
	AVIF:  "AVIF",
}

// String returns the canonical format name. The names are part of the
// stored image key format and must not change.
func (f OutputFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "Match"
}

// ParseOutputFormat parses a query-parameter format value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "match", "":
		return Match, nil
	case "jpeg", "jpg":
		return JPEG, nil
	case "png":
		return PNG, nil
	case "webp":
		return WEBP, nil
	case "avif":
		return AVIF, nil
	default:
		return Match, fmt.Errorf("unknown output format %q", s)
	}
}

// TransformOptions describe a requested transformation. Zero width or
// height means unspecified.
type TransformOptions struct {
	Width  int
	Height int
	Mode   ScalingMode
	Format OutputFormat
}
