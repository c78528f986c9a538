// Package pipeline decodes, resizes and re-encodes images.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"

	// Register decoders for image.DecodeConfig / imaging.Decode.
	_ "golang.org/x/image/bmp"

	"github.com/ecency/imagehoster/internal/apierr"
	"github.com/ecency/imagehoster/internal/imagekey"
	"github.com/ecency/imagehoster/internal/upstream"
)

// Refetcher retries the upstream fetch when cached bytes fail to
// decode.
type Refetcher interface {
	Fetch(ctx context.Context, urlString, urlParams, defaultURL string, opts upstream.Options) (*upstream.Result, error)
}

// Limits carries the proxy store dimension policy.
type Limits struct {
	MaxWidth        int
	MaxHeight       int
	MaxCustomWidth  int
	MaxCustomHeight int
}

// Source is the input to a transformation.
type Source struct {
	Bytes       []byte
	ContentType string
	// URL, URLParams and DefaultURL parameterize the one-shot refetch
	// on metadata failure.
	URL        string
	URLParams  string
	DefaultURL string
}

// Output is a finished transformation.
type Output struct {
	Bytes       []byte
	ContentType string
	IsFallback  bool
}

// Pipeline transforms source bytes per the requested options.
type Pipeline struct {
	limits  Limits
	fetcher Refetcher
	logger  *slog.Logger
}

// New creates a Pipeline. fetcher may be nil, disabling the metadata
// retry.
func New(limits Limits, fetcher Refetcher, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if limits.MaxWidth <= 0 {
		limits.MaxWidth = 1280
	}
	if limits.MaxHeight <= 0 {
		limits.MaxHeight = 1280
	}
	if limits.MaxCustomWidth <= 0 {
		limits.MaxCustomWidth = 8000
	}
	if limits.MaxCustomHeight <= 0 {
		limits.MaxCustomHeight = 8000
	}
	return &Pipeline{limits: limits, fetcher: fetcher, logger: logger}
}

// passthrough reports whether the source should be returned unchanged.
// Resizing an animation produces a still; passthrough preserves
// motion.
func passthrough(contentType string, opts imagekey.TransformOptions) bool {
	switch contentType {
	case "image/gif", "image/apng", "video/mp4":
	default:
		return false
	}
	if opts.Mode != imagekey.Fit {
		return false
	}
	switch opts.Format {
	case imagekey.Match, imagekey.WEBP, imagekey.AVIF:
		return true
	}
	return false
}

// Process runs the transformation: probe, dimension policy, resize,
// auto-orient, encode.
func (p *Pipeline) Process(ctx context.Context, src Source, opts imagekey.TransformOptions) (*Output, error) {
	data := src.Bytes
	contentType := src.ContentType
	if contentType == "" {
		contentType = Sniff(data)
	}

	if passthrough(contentType, opts) {
		return &Output{Bytes: data, ContentType: contentType}, nil
	}

	meta, err := probe(data, contentType)
	isFallback := false
	if err != nil {
		// One retry through the fetcher, skipping the source that
		// produced the bad bytes.
		data, contentType, meta, err = p.refetch(ctx, src, err)
		if err != nil {
			return nil, err
		}
		isFallback = true
		if passthrough(contentType, opts) {
			return &Output{Bytes: data, ContentType: contentType, IsFallback: true}, nil
		}
	}

	width, height := p.resolveDimensions(opts, meta)

	img, err := decode(data, meta.format)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidImage, "decode image", err)
	}

	img = resize(img, width, height, opts.Mode, p.limits)

	encoded, outType, err := encode(img, opts.Format, meta.format)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidImage, "encode image", err)
	}

	return &Output{Bytes: encoded, ContentType: outType, IsFallback: isFallback}, nil
}

// refetch is the single metadata-failure retry through the mirror
// ladder.
func (p *Pipeline) refetch(ctx context.Context, src Source, cause error) ([]byte, string, metadata, error) {
	if p.fetcher == nil || src.URL == "" {
		return nil, "", metadata{}, apierr.Wrap(apierr.InvalidImage, "probe image", cause)
	}
	p.logger.Debug("metadata probe failed, refetching", "url", src.URL, "error", cause)

	res, err := p.fetcher.Fetch(ctx, src.URL, src.URLParams, src.DefaultURL, upstream.Options{
		SkipURLs: []string{src.URL},
	})
	if err != nil {
		return nil, "", metadata{}, apierr.Wrap(apierr.InvalidImage, "probe image", cause)
	}

	contentType := Sniff(res.Bytes)
	meta, probeErr := probe(res.Bytes, contentType)
	if probeErr != nil {
		return nil, "", metadata{}, apierr.Wrap(apierr.InvalidImage, "probe image", cause)
	}
	return res.Bytes, contentType, meta, nil
}

// metadata is the probed image header.
type metadata struct {
	width  int
	height int
	format string // decode-registered format name, or "svg"
}

// probe reads enough of the header for dimensions and format.
func probe(data []byte, contentType string) (metadata, error) {
	if contentType == "image/svg+xml" || contentType == "image/svg" {
		icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
		if err != nil {
			return metadata{}, fmt.Errorf("parse svg: %w", err)
		}
		w := int(math.Round(icon.ViewBox.W))
		h := int(math.Round(icon.ViewBox.H))
		if w <= 0 || h <= 0 {
			w, h = 1024, 1024
		}
		return metadata{width: w, height: h, format: "svg"}, nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return metadata{}, fmt.Errorf("decode config: %w", err)
	}
	return metadata{width: cfg.Width, height: cfg.Height, format: format}, nil
}

// resolveDimensions applies the dimension policy: requested sizes are
// clamped to the custom caps; when neither is requested the original
// is clamped to the standard caps; a single requested dimension leaves
// the other free so aspect ratio is preserved.
func (p *Pipeline) resolveDimensions(opts imagekey.TransformOptions, meta metadata) (width, height int) {
	width, height = opts.Width, opts.Height

	if width > p.limits.MaxCustomWidth {
		width = p.limits.MaxCustomWidth
	}
	if height > p.limits.MaxCustomHeight {
		height = p.limits.MaxCustomHeight
	}

	if width == 0 && height == 0 {
		if meta.width > p.limits.MaxWidth {
			width = p.limits.MaxWidth
		}
		if meta.height > p.limits.MaxHeight {
			height = p.limits.MaxHeight
		}
	}
	return width, height
}

// decode decodes the full image, applying EXIF auto-orientation.
func decode(data []byte, format string) (image.Image, error) {
	if format == "svg" {
		return rasterizeSVG(data)
	}
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

// rasterizeSVG renders an SVG at its intrinsic size.
func rasterizeSVG(data []byte) (image.Image, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse svg: %w", err)
	}
	w := int(math.Round(icon.ViewBox.W))
	h := int(math.Round(icon.ViewBox.H))
	if w <= 0 || h <= 0 {
		w, h = 1024, 1024
	}
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	scanner := rasterx.NewScannerGV(w, h, rgba, rgba.Bounds())
	icon.SetTarget(0, 0, float64(w), float64(h))
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1.0)
	return rgba, nil
}

// resize applies the scaling mode. Zero target dimensions follow the
// resolved policy: both-zero fills the standard caps, one-zero keeps
// aspect ratio.
func resize(img image.Image, width, height int, mode imagekey.ScalingMode, limits Limits) image.Image {
	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()
	if origW == 0 || origH == 0 {
		return img
	}

	if width == 0 && height == 0 {
		if mode == imagekey.Cover {
			return imaging.Fill(img, limits.MaxWidth, limits.MaxHeight, imaging.Center, imaging.Lanczos)
		}
		width, height = limits.MaxWidth, limits.MaxHeight
	}

	switch mode {
	case imagekey.Cover:
		if width == 0 {
			width = origW * height / origH
		}
		if height == 0 {
			height = origH * width / origW
		}
		return imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)
	default:
		// Fit: bound inside (width, height), never enlarging.
		scaleW, scaleH := math.Inf(1), math.Inf(1)
		if width > 0 {
			scaleW = float64(width) / float64(origW)
		}
		if height > 0 {
			scaleH = float64(height) / float64(origH)
		}
		scale := math.Min(math.Min(scaleW, scaleH), 1)
		if scale >= 1 {
			return img
		}
		return imaging.Resize(img,
			int(math.Round(float64(origW)*scale)),
			int(math.Round(float64(origH)*scale)),
			imaging.Lanczos)
	}
}

// Encoder settings per output format.
const (
	jpegQuality  = 80
	webpQuality  = 80
	avifQuality  = 50
	avifSpeed    = 6
	gifMaxColors = 256
)

// encode serializes the image in the requested format. Match keeps the
// decoded format, except SVG which becomes PNG.
func encode(img image.Image, format imagekey.OutputFormat, sourceFormat string) ([]byte, string, error) {
	if format == imagekey.Match {
		switch sourceFormat {
		case "jpeg":
			format = imagekey.JPEG
		case "webp":
			format = imagekey.WEBP
		case "avif":
			format = imagekey.AVIF
		case "gif":
			return encodeGIF(img)
		default:
			// png, bmp, apng stills and rasterized svg all land on png.
			format = imagekey.PNG
		}
	}

	var buf bytes.Buffer
	switch format {
	case imagekey.JPEG:
		// JPEG has no alpha; flatten onto white.
		if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	case imagekey.PNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	case imagekey.WEBP:
		if err := webp.Encode(&buf, img, &webp.Options{Quality: webpQuality}); err != nil {
			return nil, "", fmt.Errorf("encode webp: %w", err)
		}
		return buf.Bytes(), "image/webp", nil
	case imagekey.AVIF:
		if err := avif.Encode(&buf, img, avif.Options{Quality: avifQuality, Speed: avifSpeed}); err != nil {
			return nil, "", fmt.Errorf("encode avif: %w", err)
		}
		return buf.Bytes(), "image/avif", nil
	default:
		return nil, "", fmt.Errorf("unhandled output format %v", format)
	}
}

func encodeGIF(img image.Image) ([]byte, string, error) {
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, &gif.Options{NumColors: gifMaxColors}); err != nil {
		return nil, "", fmt.Errorf("encode gif: %w", err)
	}
	return buf.Bytes(), "image/gif", nil
}

// flatten composites the image over white for alpha-less encoders.
func flatten(img image.Image) image.Image {
	if opaque, ok := img.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return img
	}
	bg := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), color.White)
	return imaging.Overlay(bg, img, image.Point{}, 1.0)
}
