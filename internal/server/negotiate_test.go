package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ecency/imagehoster/internal/imagekey"
)

func TestSupportsWebP(t *testing.T) {
	assert.True(t, SupportsWebP("image/avif,image/webp,*/*"))
	assert.True(t, SupportsWebP("IMAGE/WEBP"))
	assert.True(t, SupportsWebP("text/html, image/webp ;q=0.9"))
	assert.False(t, SupportsWebP("image/avif,*/*"))
	assert.False(t, SupportsWebP(""))
}

func TestSupportsAvif(t *testing.T) {
	assert.True(t, SupportsAvif("image/avif,image/webp,*/*"))
	assert.True(t, SupportsAvif("Image/Avif"))
	assert.False(t, SupportsAvif("image/webp,*/*"))
	assert.False(t, SupportsAvif(""))
}

func TestNegotiateProxy(t *testing.T) {
	assert.Equal(t, imagekey.AVIF, negotiateProxy("image/avif,image/webp", imagekey.Match))
	assert.Equal(t, imagekey.WEBP, negotiateProxy("image/webp", imagekey.Match))
	assert.Equal(t, imagekey.Match, negotiateProxy("*/*", imagekey.Match))

	// Explicit formats are never renegotiated.
	assert.Equal(t, imagekey.JPEG, negotiateProxy("image/avif", imagekey.JPEG))
	assert.Equal(t, imagekey.PNG, negotiateProxy("image/webp", imagekey.PNG))
}

func TestNegotiateAvatarAndCover(t *testing.T) {
	assert.Equal(t, imagekey.WEBP, negotiateAvatar("image/avif,image/webp"))
	assert.Equal(t, imagekey.Match, negotiateAvatar("image/avif"), "avatars never negotiate avif")

	assert.Equal(t, imagekey.AVIF, negotiateCover("image/avif,image/webp"))
	assert.Equal(t, imagekey.WEBP, negotiateCover("image/webp"))
	assert.Equal(t, imagekey.Match, negotiateCover(""))
}
