package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ecency/imagehoster/internal/apierr"
	"github.com/ecency/imagehoster/internal/hive"
	"github.com/ecency/imagehoster/internal/imagekey"
	"github.com/ecency/imagehoster/internal/pipeline"
	"github.com/ecency/imagehoster/internal/proxy"
)

// dimsRe matches the legacy WxH path segment.
var dimsRe = regexp.MustCompile(`^(\d+)x(\d+)$`)

// usernameRe is the accepted account name shape.
var usernameRe = regexp.MustCompile(`^[a-z][a-z0-9\-.]*$`)

// serveMirrors are probed for upload hashes this node has never seen.
var serveMirrors = []string{
	"https://images.hive.blog",
	"https://steemitimages.com",
}

// avatarSizes maps the documented size aliases.
var avatarSizes = map[string]int{
	"small":  64,
	"medium": 128,
	"large":  512,
}

const defaultAvatarSize = 128

// Cover dimensions are fixed by the profile page layout.
const (
	coverWidth  = 1344
	coverHeight = 240
)

// health responds with build information; always 200.
func (s *Server) health(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.JSON(http.StatusOK, map[string]any{
		"ok":      true,
		"version": s.version,
		"date":    s.buildDate,
	})
}

// dispatch routes the ambiguous first path segment: WxH is a legacy
// resize redirect, anything else is an upload-store hash.
func (s *Server) dispatch(c echo.Context) error {
	first := c.Param("first")
	if m := dimsRe.FindStringSubmatch(first); m != nil {
		return s.legacyRedirect(c, first, m[1], m[2])
	}
	return s.serveUpload(c, first)
}

// legacyRedirect translates /WxH/<raw-url> into the /p/ form.
func (s *Server) legacyRedirect(c echo.Context, segment, widthStr, heightStr string) error {
	width, err := strconv.Atoi(widthStr)
	if err != nil {
		return apierr.New(apierr.InvalidParam, "width is not a valid integer").WithInfo("param", "width")
	}
	height, err := strconv.Atoi(heightStr)
	if err != nil {
		return apierr.New(apierr.InvalidParam, "height is not a valid integer").WithInfo("param", "height")
	}

	// The target URL is everything after the dimensions, taken from
	// the raw request line so query strings and encoded characters
	// survive verbatim.
	prefix := "/" + segment + "/"
	raw := c.Request().RequestURI
	if !strings.HasPrefix(raw, prefix) || len(raw) == len(prefix) {
		return apierr.New(apierr.MissingParam, "url is required")
	}
	target := raw[len(prefix):]

	location := fmt.Sprintf("/p/%s.png?format=match&mode=fit&width=%d&height=%d",
		imagekey.Base58Enc(target), width, height)
	return c.Redirect(http.StatusMovedPermanently, location)
}

// serveUpload streams upload-store bytes by hash. On miss it probes
// the mirror CDNs and writes through, but still answers 404 so the
// client retries through /p/ where the full pipeline applies.
func (s *Server) serveUpload(c echo.Context, hash string) error {
	ctx := c.Request().Context()

	exists, err := s.uploads.Exists(ctx, hash)
	if err != nil {
		return apierr.Wrap(apierr.InternalError, "check upload store", err)
	}
	if exists {
		data, readErr := s.uploads.ReadAll(ctx, hash)
		if readErr != nil {
			return apierr.Wrap(apierr.InternalError, "read upload store", readErr)
		}
		c.Response().Header().Set("Cache-Control", proxy.CacheControlHit)
		return c.Blob(http.StatusOK, pipeline.Sniff(data), data)
	}

	for _, mirror := range serveMirrors {
		data, fetchErr := s.fetcher.FetchURL(ctx, mirror+"/"+hash, 10*time.Second)
		if fetchErr != nil {
			continue
		}
		if writeErr := s.uploads.Write(ctx, hash, data); writeErr != nil {
			s.logger.Warn("mirror write-through failed", "key", hash, "error", writeErr)
		}
		break
	}

	return apierr.New(apierr.NotFound, "image not found")
}

// proxyImage is the /p/:url endpoint.
func (s *Server) proxyImage(c echo.Context) error {
	token, _, _ := strings.Cut(c.Param("url"), ".")

	opts, flags, err := parseTransformQuery(c)
	if err != nil {
		return err
	}
	opts.Format = negotiateProxy(c.Request().Header.Get("Accept"), opts.Format)

	fallback, err := url.Parse(s.cfg.DefaultAvatar)
	if err != nil {
		return apierr.Wrap(apierr.InternalError, "parse default avatar", err)
	}

	target := imagekey.ParseProxiedURL(token, fallback)
	target = imagekey.UnwrapProxied(target, s.cfg.ServiceURL)
	target = imagekey.CanonicalizeURL(target)

	req := proxy.Request{
		URL:         target,
		URLParams:   token,
		Opts:        opts,
		DefaultURL:  s.cfg.DefaultAvatar,
		IgnoreCache: flags.ignoreCache,
		Invalidate:  flags.invalidate,
		Refetch:     flags.refetch,
	}

	if s.blacklist.ContainsImage(target.String()) || imagekey.IsEmptyImageURL(target.String(), s.cfg.ServiceURL) {
		req.URL = fallback
		req.ShortTTL = true
	}

	return s.respondImage(c, req)
}

// avatar serves /u/:username/avatar/:size?.
func (s *Server) avatar(c echo.Context) error {
	username := c.Param("username")
	size, err := parseAvatarSize(c.Param("size"))
	if err != nil {
		return err
	}

	imgURL, err := s.profileImage(c, username, func(p *hive.ProfileMetadata) string { return p.ProfileImage })
	if err != nil {
		return err
	}

	req, err := s.profileImageRequest(imgURL, s.cfg.DefaultAvatar)
	if err != nil {
		return err
	}
	req.Opts = imagekey.TransformOptions{
		Width:  size,
		Height: size,
		Mode:   imagekey.Cover,
		Format: negotiateAvatar(c.Request().Header.Get("Accept")),
	}
	return s.respondImage(c, req)
}

// cover serves /u/:username/cover.
func (s *Server) cover(c echo.Context) error {
	username := c.Param("username")

	imgURL, err := s.profileImage(c, username, func(p *hive.ProfileMetadata) string { return p.CoverImage })
	if err != nil {
		return err
	}

	req, err := s.profileImageRequest(imgURL, s.cfg.DefaultCover)
	if err != nil {
		return err
	}
	req.Opts = imagekey.TransformOptions{
		Width:  coverWidth,
		Height: coverHeight,
		Mode:   imagekey.Fit,
		Format: negotiateCover(c.Request().Header.Get("Accept")),
	}
	return s.respondImage(c, req)
}

// profileImage resolves the account's configured image URL, empty when
// unset.
func (s *Server) profileImage(c echo.Context, username string, pick func(*hive.ProfileMetadata) string) (string, error) {
	if !usernameRe.MatchString(username) {
		return "", apierr.Newf(apierr.NoSuchAccount, "invalid account name %q", username)
	}

	profile, err := s.chain.GetProfile(c.Request().Context(), username)
	if err != nil {
		if errors.Is(err, hive.ErrNoSuchAccount) {
			return "", apierr.Newf(apierr.NoSuchAccount, "account %q not found", username)
		}
		return "", apierr.Wrap(apierr.InternalError, "fetch profile", err)
	}
	return pick(&profile.Metadata.Profile), nil
}

// profileImageRequest builds the proxy request for a profile image,
// substituting the default when the profile has none or the URL is
// denied.
func (s *Server) profileImageRequest(imgURL, defaultURL string) (proxy.Request, error) {
	fallback, err := url.Parse(defaultURL)
	if err != nil {
		return proxy.Request{}, apierr.Wrap(apierr.InternalError, "parse default image", err)
	}

	target := fallback
	if imgURL != "" && !imagekey.IsEmptyImageURL(imgURL, s.cfg.ServiceURL) {
		parsed, parseErr := imagekey.ParsePlainURL(imgURL)
		if parseErr == nil {
			parsed = imagekey.UnwrapProxied(parsed, s.cfg.ServiceURL)
			target = imagekey.CanonicalizeURL(parsed)
		}
	}

	req := proxy.Request{
		URL:        target,
		URLParams:  imagekey.Base58Enc(target.String()),
		DefaultURL: defaultURL,
	}
	if s.blacklist.ContainsImage(target.String()) {
		req.URL = fallback
		req.ShortTTL = true
	}
	return req, nil
}

// respondImage runs the proxy pipeline and writes the image response
// with its validator and cache headers.
func (s *Server) respondImage(c echo.Context, req proxy.Request) error {
	_, imgKey := proxy.Keys(req)
	etag := proxy.ETag(imgKey)

	header := c.Response().Header()
	header.Set("ETag", etag)
	header.Set("Vary", "Accept")

	bypass := req.IgnoreCache || req.Invalidate || req.Refetch
	if !bypass && strings.Contains(c.Request().Header.Get("If-None-Match"), etag) {
		return c.NoContent(http.StatusNotModified)
	}

	res, err := s.proxySvc.Get(c.Request().Context(), req)
	if err != nil {
		return err
	}

	header.Set("Cache-Control", res.CacheControl)
	return c.Blob(http.StatusOK, res.ContentType, res.Bytes)
}

// webpRedirect sends legacy /webp/ URLs to their plain equivalent.
func (s *Server) webpRedirect(c echo.Context) error {
	rest := c.Param("*")
	location := "/" + rest
	if query := c.Request().URL.RawQuery; query != "" {
		location += "?" + query
	}
	return c.Redirect(http.StatusMovedPermanently, location)
}

// queryFlags are the cache-bypass switches.
type queryFlags struct {
	ignoreCache bool
	invalidate  bool
	refetch     bool
}

// parseTransformQuery reads width, height, mode, format and the cache
// flags from the query string.
func parseTransformQuery(c echo.Context) (imagekey.TransformOptions, queryFlags, error) {
	var opts imagekey.TransformOptions
	var flags queryFlags

	width, err := parseDimension(c.QueryParam("width"))
	if err != nil {
		return opts, flags, apierr.New(apierr.InvalidParam, "width is not a valid integer").WithInfo("param", "width")
	}
	height, err := parseDimension(c.QueryParam("height"))
	if err != nil {
		return opts, flags, apierr.New(apierr.InvalidParam, "height is not a valid integer").WithInfo("param", "height")
	}
	opts.Width, opts.Height = width, height

	opts.Mode, err = imagekey.ParseScalingMode(c.QueryParam("mode"))
	if err != nil {
		return opts, flags, apierr.Wrap(apierr.InvalidParam, "mode", err).WithInfo("param", "mode")
	}
	opts.Format, err = imagekey.ParseOutputFormat(c.QueryParam("format"))
	if err != nil {
		return opts, flags, apierr.Wrap(apierr.InvalidParam, "format", err).WithInfo("param", "format")
	}

	flags.ignoreCache = isFlagSet(c.QueryParam("ignorecache"))
	flags.invalidate = isFlagSet(c.QueryParam("invalidate"))
	flags.refetch = isFlagSet(c.QueryParam("refetch"))
	return opts, flags, nil
}

func parseDimension(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid dimension %q", s)
	}
	return v, nil
}

func isFlagSet(s string) bool {
	return s == "1" || s == "true"
}

// parseAvatarSize accepts an integer or one of the documented aliases.
func parseAvatarSize(s string) (int, error) {
	if s == "" {
		return defaultAvatarSize, nil
	}
	if size, ok := avatarSizes[s]; ok {
		return size, nil
	}
	size, err := strconv.Atoi(s)
	if err != nil || size <= 0 {
		return 0, apierr.Newf(apierr.InvalidParam, "invalid avatar size %q", s).WithInfo("param", "size")
	}
	return size, nil
}
