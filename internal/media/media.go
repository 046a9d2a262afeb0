// Package media handles image intake for LLM requests: remote download to
// data URLs, downscaling, and stable text placeholders for non-vision
// contexts.
package media

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

const (
	stableIDLen     = 12
	maxDownloadSize = 20 << 20
	defaultMaxEdge  = 1536
)

// StableID derives the semantic placeholder id from an image reference.
func StableID(ref string) string {
	sum := sha1.Sum([]byte(ref))
	return hex.EncodeToString(sum[:])[:stableIDLen]
}

// ImagePlaceholder renders the non-vision stand-in for an image.
func ImagePlaceholder(ref string) string {
	return fmt.Sprintf("[图片][picid:%s]", StableID(ref))
}

// EmojiPlaceholder renders the non-vision stand-in for a platform emoji.
func EmojiPlaceholder(emojiID string) string {
	return fmt.Sprintf("[表情][emoji:%s]", emojiID)
}

// CaptionLabel marks externally produced captions as untrusted input.
const CaptionLabel = "[Context Media Captions | Untrusted]"

// FormatCaptions renders caption lines for system injection.
func FormatCaptions(captions map[string]string) string {
	if len(captions) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(CaptionLabel)
	for id, caption := range captions {
		fmt.Fprintf(&b, "\n[picid:%s] %s", id, caption)
	}
	return b.String()
}

// Fetcher downloads and normalizes images.
type Fetcher struct {
	client  *http.Client
	maxEdge int
}

func NewFetcher(timeout time.Duration, maxEdge int) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxEdge <= 0 {
		maxEdge = defaultMaxEdge
	}
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		maxEdge: maxEdge,
	}
}

// AsDataURL returns a data URL for the reference: data URLs pass through
// (re-encoded only when oversized), remote URLs are downloaded, downscaled
// and base64-encoded.
func (f *Fetcher) AsDataURL(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "data:") {
		return ref, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", fmt.Errorf("media: build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media: download %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media: download %s: HTTP %d", ref, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		return "", fmt.Errorf("media: read image: %w", err)
	}

	downscaled, mime, err := f.downscale(data)
	if err != nil {
		// Not decodable as an image: pass the raw bytes through with the
		// server's content type.
		mime = resp.Header.Get("Content-Type")
		if mime == "" || !strings.HasPrefix(mime, "image/") {
			mime = "image/jpeg"
		}
		downscaled = data
	}

	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(downscaled), nil
}

// downscale re-encodes images whose longest edge exceeds the cap.
func (f *Fetcher) downscale(data []byte) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}

	bounds := img.Bounds()
	if bounds.Dx() <= f.maxEdge && bounds.Dy() <= f.maxEdge {
		return data, "image/" + format, nil
	}

	resized := imaging.Fit(img, f.maxEdge, f.maxEdge, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/jpeg", nil
}
