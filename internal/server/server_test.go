package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecency/imagehoster/internal/config"
	"github.com/ecency/imagehoster/internal/hive"
	"github.com/ecency/imagehoster/internal/imagekey"
	"github.com/ecency/imagehoster/internal/pipeline"
	"github.com/ecency/imagehoster/internal/proxy"
	"github.com/ecency/imagehoster/internal/ratelimit"
	"github.com/ecency/imagehoster/internal/signature"
	"github.com/ecency/imagehoster/internal/store"
	"github.com/ecency/imagehoster/internal/upstream"
)

const serviceURL = "https://images.example.com"

// mockFetcher serves canned bytes per URL, with a default body for
// everything else.
type mockFetcher struct {
	byURL    map[string][]byte
	fallback []byte
	failAll  bool
}

func (m *mockFetcher) Fetch(_ context.Context, urlString, _, defaultURL string, _ upstream.Options) (*upstream.Result, error) {
	if data, ok := m.byURL[urlString]; ok {
		return &upstream.Result{Bytes: data, URL: urlString}, nil
	}
	if m.failAll || m.fallback == nil {
		return nil, upstream.ErrAllFallbacksFailed
	}
	return &upstream.Result{Bytes: m.fallback, URL: defaultURL, IsFallback: true}, nil
}

func (m *mockFetcher) FetchURL(_ context.Context, url string, _ time.Duration) ([]byte, error) {
	if data, ok := m.byURL[url]; ok {
		return data, nil
	}
	return nil, upstream.ErrAllFallbacksFailed
}

// mockChain serves accounts and profiles from maps.
type mockChain struct {
	accounts map[string]*hive.Account
	profiles map[string]*hive.Profile
}

func (m *mockChain) GetAccount(_ context.Context, name string) (*hive.Account, error) {
	if a, ok := m.accounts[name]; ok {
		return a, nil
	}
	return nil, hive.ErrNoSuchAccount
}

func (m *mockChain) GetProfile(_ context.Context, name string) (*hive.Profile, error) {
	if p, ok := m.profiles[name]; ok {
		return p, nil
	}
	return nil, hive.ErrNoSuchAccount
}

// mockLimiter returns a fixed status.
type mockLimiter struct {
	status ratelimit.Status
}

func (m *mockLimiter) Check(context.Context, string) ratelimit.Status { return m.status }

// mockBlacklist answers from fixed sets.
type mockBlacklist struct {
	images   map[string]bool
	accounts map[string]bool
}

func (m *mockBlacklist) ContainsImage(url string) bool    { return m.images[url] }
func (m *mockBlacklist) ContainsAccount(name string) bool { return m.accounts[name] }

type fixture struct {
	server    *Server
	uploads   *store.Memory
	proxies   *store.Memory
	origs     *store.Memory
	fetcher   *mockFetcher
	chain     *mockChain
	limiter   *mockLimiter
	blacklist *mockBlacklist
	cfg       *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{
		ServiceURL:    serviceURL,
		MaxImageSize:  1 << 20,
		DefaultAvatar: "https://cdn.example.com/default-avatar.png",
		DefaultCover:  "https://cdn.example.com/default-cover.png",
		UploadLimits:  config.UploadLimits{Reputation: 10},
	}

	f := &fixture{
		uploads: store.NewMemory(),
		proxies: store.NewMemory(),
		origs:   store.NewMemory(),
		fetcher: &mockFetcher{byURL: map[string][]byte{}},
		chain: &mockChain{
			accounts: map[string]*hive.Account{},
			profiles: map[string]*hive.Profile{},
		},
		limiter:   &mockLimiter{status: ratelimit.Status{Allowed: true, Remaining: 9}},
		blacklist: &mockBlacklist{images: map[string]bool{}, accounts: map[string]bool{}},
		cfg:       cfg,
	}
	f.fetcher.fallback = testPNG(t, 16, 16)
	f.fetcher.byURL[cfg.DefaultAvatar] = testPNG(t, 16, 16)
	f.fetcher.byURL[cfg.DefaultCover] = testPNG(t, 16, 16)

	pipe := pipeline.New(pipeline.Limits{}, f.fetcher, nil)
	proxySvc := proxy.New(f.origs, f.proxies, f.fetcher, pipe, nil, cfg.MaxImageSize, nil)

	verifier, err := signature.NewVerifier("ecency.app", "")
	require.NoError(t, err)

	f.server = New(cfg, f.uploads, proxySvc, f.fetcher, f.chain, verifier,
		f.limiter, f.blacklist, "1.0.0-test", "2026-01-01", nil)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{uint8(x * 3), uint8(y * 11), 77, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newUploadKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return priv
}

func chainAccount(name string, pub *secp256k1.PublicKey) *hive.Account {
	return &hive.Account{
		Name: name,
		Posting: hive.Authority{
			WeightThreshold: 1,
			KeyAuths:        []hive.KeyAuth{{Key: signature.EncodePublicKey("STM", pub), Weight: 1}},
		},
		Active: hive.Authority{WeightThreshold: 1},
	}
}

func chainProfile(name string, reputation float64, avatar, cover string) *hive.Profile {
	p := &hive.Profile{Name: name, Reputation: reputation}
	p.Metadata.Profile.ProfileImage = avatar
	p.Metadata.Profile.CoverImage = cover
	return p
}

func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func errorName(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Name string `json:"name"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Name
}

func TestHealthcheck(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/", "/healthcheck", "/.well-known/healthcheck.json"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, true, body["ok"])
		assert.Equal(t, "1.0.0-test", body["version"])
	}
}

func TestUploadOK(t *testing.T) {
	f := newFixture(t)
	priv := newUploadKey(t)
	f.chain.accounts["foo"] = chainAccount("foo", priv.PubKey())
	f.chain.profiles["foo"] = chainProfile("foo", 55, "", "")

	imageBytes := testPNG(t, 8, 8)
	sig := signature.SignDirect(priv, imageBytes)

	body, contentType := multipartBody(t, "test.jpg", imageBytes)
	req := httptest.NewRequest(http.MethodPost, "/foo/"+sig, body)
	req.Header.Set("Content-Type", contentType)

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	expectedKey := imagekey.ForBytes(imageBytes)
	assert.Equal(t, serviceURL+"/"+expectedKey+"/test.jpg", resp["url"])

	// The stored bytes come back byte-for-byte under any filename.
	rec = f.do(httptest.NewRequest(http.MethodGet, "/"+expectedKey+"/bla.bla", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, imageBytes, rec.Body.Bytes())
	assert.Equal(t, proxy.CacheControlHit, rec.Header().Get("Cache-Control"))
}

func TestUploadIdempotent(t *testing.T) {
	f := newFixture(t)
	priv := newUploadKey(t)
	f.chain.accounts["foo"] = chainAccount("foo", priv.PubKey())
	f.chain.profiles["foo"] = chainProfile("foo", 55, "", "")

	imageBytes := testPNG(t, 8, 8)
	sig := signature.SignDirect(priv, imageBytes)

	urls := make([]string, 2)
	for i := range urls {
		body, contentType := multipartBody(t, "a.png", imageBytes)
		req := httptest.NewRequest(http.MethodPost, "/foo/"+sig, body)
		req.Header.Set("Content-Type", contentType)
		rec := f.do(req)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		urls[i] = resp["url"]
	}
	assert.Equal(t, urls[0], urls[1], "same bytes yield the same url")
}

func TestUploadBadSignature(t *testing.T) {
	f := newFixture(t)
	priv := newUploadKey(t)
	f.chain.accounts["foo"] = chainAccount("foo", priv.PubKey())

	sig := signature.SignDirect(priv, []byte("other bytes"))
	body, contentType := multipartBody(t, "test.jpg", testPNG(t, 8, 8))
	req := httptest.NewRequest(http.MethodPost, "/foo/"+sig, body)
	req.Header.Set("Content-Type", contentType)

	rec := f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", errorName(t, rec))
}

func TestUploadUnknownAccount(t *testing.T) {
	f := newFixture(t)
	priv := newUploadKey(t)

	imageBytes := testPNG(t, 8, 8)
	sig := signature.SignDirect(priv, imageBytes)
	body, contentType := multipartBody(t, "test.jpg", imageBytes)
	req := httptest.NewRequest(http.MethodPost, "/nonexistent/"+sig, body)
	req.Header.Set("Content-Type", contentType)

	rec := f.do(req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_such_account", errorName(t, rec))
}

func TestUploadLegacyBackdoorDisabled(t *testing.T) {
	f := newFixture(t)
	priv := newUploadKey(t)
	f.chain.accounts["foo"] = chainAccount("foo", priv.PubKey())

	body, contentType := multipartBody(t, "test.jpg", testPNG(t, 8, 8))
	req := httptest.NewRequest(http.MethodPost, "/foo/stndt123456", body)
	req.Header.Set("Content-Type", contentType)

	rec := f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", errorName(t, rec))
}

func TestUploadLengthRequired(t *testing.T) {
	f := newFixture(t)
	priv := newUploadKey(t)
	f.chain.accounts["foo"] = chainAccount("foo", priv.PubKey())

	body, contentType := multipartBody(t, "test.jpg", testPNG(t, 8, 8))
	req := httptest.NewRequest(http.MethodPost, "/foo/deadbeef", body)
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = -1

	rec := f.do(req)
	assert.Equal(t, http.StatusLengthRequired, rec.Code)
	assert.Equal(t, "length_required", errorName(t, rec))
}

func TestUploadPayloadTooLarge(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxImageSize = 100
	priv := newUploadKey(t)
	f.chain.accounts["foo"] = chainAccount("foo", priv.PubKey())

	body, contentType := multipartBody(t, "test.jpg", testPNG(t, 64, 64))
	req := httptest.NewRequest(http.MethodPost, "/foo/deadbeef", body)
	req.Header.Set("Content-Type", contentType)

	rec := f.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", errorName(t, rec))
}

func TestUploadFileMissing(t *testing.T) {
	f := newFixture(t)
	priv := newUploadKey(t)
	f.chain.accounts["foo"] = chainAccount("foo", priv.PubKey())

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("note", "no file here"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/foo/deadbeef", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())

	rec := f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "file_missing", errorName(t, rec))
}

func TestUploadRejectsNonImage(t *testing.T) {
	f := newFixture(t)
	priv := newUploadKey(t)
	f.chain.accounts["foo"] = chainAccount("foo", priv.PubKey())

	payload := []byte("<html><body>not an image</body></html>")
	sig := signature.SignDirect(priv, payload)
	body, contentType := multipartBody(t, "page.html", payload)
	req := httptest.NewRequest(http.MethodPost, "/foo/"+sig, body)
	req.Header.Set("Content-Type", contentType)

	rec := f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_image", errorName(t, rec))
}

func TestUploadBlacklistedAccount(t *testing.T) {
	f := newFixture(t)
	priv := newUploadKey(t)
	f.chain.accounts["foo"] = chainAccount("foo", priv.PubKey())
	f.blacklist.accounts["foo"] = true

	imageBytes := testPNG(t, 8, 8)
	sig := signature.SignDirect(priv, imageBytes)
	body, contentType := multipartBody(t, "test.jpg", imageBytes)
	req := httptest.NewRequest(http.MethodPost, "/foo/"+sig, body)
	req.Header.Set("Content-Type", contentType)

	rec := f.do(req)
	assert.Equal(t, http.StatusUnavailableForLegalReasons, rec.Code)
	assert.Equal(t, "blacklisted", errorName(t, rec))
}

func TestUploadQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	priv := newUploadKey(t)
	f.chain.accounts["foo"] = chainAccount("foo", priv.PubKey())
	f.limiter.status = ratelimit.Status{Allowed: false, Remaining: 0, Reset: time.Now().Add(time.Hour)}

	imageBytes := testPNG(t, 8, 8)
	sig := signature.SignDirect(priv, imageBytes)
	body, contentType := multipartBody(t, "test.jpg", imageBytes)
	req := httptest.NewRequest(http.MethodPost, "/foo/"+sig, body)
	req.Header.Set("Content-Type", contentType)

	rec := f.do(req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "qouta_exceeded", errorName(t, rec))
}

func TestUploadDeplorable(t *testing.T) {
	f := newFixture(t)
	priv := newUploadKey(t)
	f.chain.accounts["foo"] = chainAccount("foo", priv.PubKey())
	f.chain.profiles["foo"] = chainProfile("foo", 3, "", "")

	imageBytes := testPNG(t, 8, 8)
	sig := signature.SignDirect(priv, imageBytes)
	body, contentType := multipartBody(t, "test.jpg", imageBytes)
	req := httptest.NewRequest(http.MethodPost, "/foo/"+sig, body)
	req.Header.Set("Content-Type", contentType)

	rec := f.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "deplorable", errorName(t, rec))
}

func TestUploadWithToken(t *testing.T) {
	f := newFixture(t)
	priv := newUploadKey(t)
	f.chain.accounts["alice"] = chainAccount("alice", priv.PubKey())
	f.chain.profiles["alice"] = chainProfile("alice", 70, "", "")

	token := signature.SignToken(priv, "posting", "ecency.app", []string{"alice"}, 1700000000)

	imageBytes := testPNG(t, 8, 8)
	body, contentType := multipartBody(t, "pic.png", imageBytes)
	req := httptest.NewRequest(http.MethodPost, "/hs/"+token, body)
	req.Header.Set("Content-Type", contentType)

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["url"], imagekey.ForBytes(imageBytes))
}

func TestServeUnknownHashTriesMirrorsAndStill404s(t *testing.T) {
	f := newFixture(t)
	mirrored := testPNG(t, 12, 12)
	f.fetcher.byURL["https://images.hive.blog/Dmissinghash"] = mirrored

	rec := f.do(httptest.NewRequest(http.MethodGet, "/Dmissinghash", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "mirror hit still answers 404")
	assert.Equal(t, "not_found", errorName(t, rec))

	stored, err := f.uploads.ReadAll(context.Background(), "Dmissinghash")
	require.NoError(t, err)
	assert.Equal(t, mirrored, stored, "mirror bytes written through")
}

func TestProxyNegotiatesAvif(t *testing.T) {
	f := newFixture(t)
	source := "https://x/y.jpg"
	f.fetcher.byURL[source] = testPNG(t, 32, 32)

	token := imagekey.Base58Enc(source)
	req := httptest.NewRequest(http.MethodGet, "/p/"+token, nil)
	req.Header.Set("Accept", "image/avif,image/webp,*/*")

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/avif", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Accept", rec.Header().Get("Vary"))
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	// Second request is a cache hit with the immutable policy.
	rec = f.do(req.Clone(req.Context()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, proxy.CacheControlHit, rec.Header().Get("Cache-Control"))
}

func TestProxyWebPWhenAvifNotAccepted(t *testing.T) {
	f := newFixture(t)
	source := "https://x/y.jpg"
	f.fetcher.byURL[source] = testPNG(t, 32, 32)

	req := httptest.NewRequest(http.MethodGet, "/p/"+imagekey.Base58Enc(source), nil)
	req.Header.Set("Accept", "image/webp,*/*")

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/webp", rec.Header().Get("Content-Type"))
}

func TestProxyNotModified(t *testing.T) {
	f := newFixture(t)
	source := "https://x/y.jpg"
	f.fetcher.byURL[source] = testPNG(t, 32, 32)

	req := httptest.NewRequest(http.MethodGet, "/p/"+imagekey.Base58Enc(source), nil)
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req = httptest.NewRequest(http.MethodGet, "/p/"+imagekey.Base58Enc(source), nil)
	req.Header.Set("If-None-Match", etag)
	rec = f.do(req)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	// Cache bypass flags disable the 304 shortcut.
	req = httptest.NewRequest(http.MethodGet, "/p/"+imagekey.Base58Enc(source)+"?ignorecache=1", nil)
	req.Header.Set("If-None-Match", etag)
	rec = f.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, proxy.CacheControlBypass, rec.Header().Get("Cache-Control"))
}

func TestProxyBlacklistedServesDefault(t *testing.T) {
	f := newFixture(t)
	bad := "https://bad.example.com/x.jpg"
	f.blacklist.images[bad] = true
	f.fetcher.byURL[bad] = testPNG(t, 64, 64)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/p/"+imagekey.Base58Enc(bad), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, proxy.CacheControlShort, rec.Header().Get("Cache-Control"))

	// The body is the transformed default avatar, not the source.
	w, _ := pngSize(t, rec.Body.Bytes())
	assert.Equal(t, 16, w)
}

func TestProxyGarbageTokenServesDefault(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/p/0OIl-not-base58", nil))
	require.Equal(t, http.StatusOK, rec.Code, "parse failures soft-fail to the default image")
}

func TestProxyInvalidDimensionRejected(t *testing.T) {
	f := newFixture(t)
	source := "https://x/y.jpg"

	rec := f.do(httptest.NewRequest(http.MethodGet, "/p/"+imagekey.Base58Enc(source)+"?width=banana", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_param", errorName(t, rec))
}

func TestLegacyRedirect(t *testing.T) {
	f := newFixture(t)
	rawURL := "https://example.com/a.jpg"

	rec := f.do(httptest.NewRequest(http.MethodGet, "/500x300/"+rawURL, nil))
	require.Equal(t, http.StatusMovedPermanently, rec.Code)

	expected := "/p/" + imagekey.Base58Enc(rawURL) + ".png?format=match&mode=fit&width=500&height=300"
	assert.Equal(t, expected, rec.Header().Get("Location"))
}

func TestWebpRedirect(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/webp/Dsomehash/pic.png?x=1", nil))
	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/Dsomehash/pic.png?x=1", rec.Header().Get("Location"))
}

func TestAvatar(t *testing.T) {
	f := newFixture(t)
	avatarURL := "https://cdn.example.com/alice.png"
	f.chain.profiles["alice"] = chainProfile("alice", 70, avatarURL, "")
	f.fetcher.byURL[avatarURL] = testPNG(t, 256, 256)

	req := httptest.NewRequest(http.MethodGet, "/u/alice/avatar/64", nil)
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	w, h := pngSize(t, rec.Body.Bytes())
	assert.Equal(t, 64, w, "avatar is cover-cropped to the requested square")
	assert.Equal(t, 64, h)
}

func TestAvatarAliasesAndDefaultSize(t *testing.T) {
	f := newFixture(t)
	avatarURL := "https://cdn.example.com/alice.png"
	f.chain.profiles["alice"] = chainProfile("alice", 70, avatarURL, "")
	f.fetcher.byURL[avatarURL] = testPNG(t, 256, 256)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/u/alice/avatar/small", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	w, _ := pngSize(t, rec.Body.Bytes())
	assert.Equal(t, 64, w)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/u/alice/avatar", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	w, _ = pngSize(t, rec.Body.Bytes())
	assert.Equal(t, 128, w)
}

func TestAvatarWebPNegotiation(t *testing.T) {
	f := newFixture(t)
	avatarURL := "https://cdn.example.com/alice.png"
	f.chain.profiles["alice"] = chainProfile("alice", 70, avatarURL, "")
	f.fetcher.byURL[avatarURL] = testPNG(t, 256, 256)

	req := httptest.NewRequest(http.MethodGet, "/u/alice/avatar/64", nil)
	req.Header.Set("Accept", "image/avif,image/webp,*/*")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/webp", rec.Header().Get("Content-Type"),
		"avatars negotiate webp only, never avif")
}

func TestAvatarMissingProfileImageUsesDefault(t *testing.T) {
	f := newFixture(t)
	f.chain.profiles["alice"] = chainProfile("alice", 70, "", "")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/u/alice/avatar/32", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	w, _ := pngSize(t, rec.Body.Bytes())
	assert.Equal(t, 32, w)
}

func TestAvatarUnknownAccount(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/u/ghost/avatar", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_such_account", errorName(t, rec))

	rec = f.do(httptest.NewRequest(http.MethodGet, "/u/UPPER/avatar", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "invalid name shape is no_such_account")
}

func TestCover(t *testing.T) {
	f := newFixture(t)
	coverURL := "https://cdn.example.com/alice-cover.png"
	f.chain.profiles["alice"] = chainProfile("alice", 70, "", coverURL)
	f.fetcher.byURL[coverURL] = testPNG(t, 2000, 400)

	req := httptest.NewRequest(http.MethodGet, "/u/alice/cover", nil)
	req.Header.Set("Accept", "image/avif")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/avif", rec.Header().Get("Content-Type"), "covers prefer avif")
}

func pngSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

// Ensure the body limit in readMultipartFile triggers even when the
// declared Content-Length lies.
func TestUploadBodyLargerThanDeclared(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxImageSize = 200
	priv := newUploadKey(t)
	f.chain.accounts["foo"] = chainAccount("foo", priv.PubKey())

	body, contentType := multipartBody(t, "big.png", testPNG(t, 256, 256))
	req := httptest.NewRequest(http.MethodPost, "/foo/deadbeef", io.NopCloser(body))
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = 100 // lies

	rec := f.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
