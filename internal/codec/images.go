package codec

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
)

// MaxImageSize is the largest image the agent accepts.
const MaxImageSize = 10 * 1024 * 1024

// ImageFetcher resolves submission images to inline bytes. Hosted images are
// downloaded, data URLs are decoded.
type ImageFetcher struct {
	client  *http.Client
	maxSize int64 // Maximum allowed image size in bytes
}

// ImageFetcherOption configures the image fetcher.
type ImageFetcherOption func(*ImageFetcher)

// WithImageHTTPClient sets a custom HTTP client for the fetcher.
func WithImageHTTPClient(client *http.Client) ImageFetcherOption {
	return func(f *ImageFetcher) {
		f.client = client
	}
}

// WithMaxSize sets the maximum allowed image size.
func WithMaxSize(maxSize int64) ImageFetcherOption {
	return func(f *ImageFetcher) {
		f.maxSize = maxSize
	}
}

// NewImageFetcher creates a new image fetcher.
func NewImageFetcher(opts ...ImageFetcherOption) *ImageFetcher {
	f := &ImageFetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxSize: MaxImageSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Resolve returns a copy of img with Data and MimeType populated. Images that
// already carry bytes are only validated.
func (f *ImageFetcher) Resolve(ctx context.Context, img *domain.Image) (*domain.Image, error) {
	if img == nil {
		return nil, nil
	}
	out := *img

	switch {
	case len(img.Data) > 0:
		if out.MimeType == "" {
			out.MimeType = InferMediaType(img.Name)
		}
	case strings.HasPrefix(img.URL, "data:"):
		mediaType, data, err := ParseDataURL(img.URL)
		if err != nil {
			return nil, err
		}
		out.MimeType, out.Data = mediaType, data
	case img.URL != "":
		mediaType, data, err := f.fetch(ctx, img.URL)
		if err != nil {
			return nil, err
		}
		out.MimeType, out.Data = mediaType, data
		if out.Name == "" {
			out.Name = path.Base(img.URL)
		}
	default:
		return nil, fmt.Errorf("image has neither data nor url")
	}

	if !IsSupportedMediaType(out.MimeType) {
		return nil, fmt.Errorf("unsupported media type: %s", out.MimeType)
	}
	out.MimeType = NormalizeMediaType(out.MimeType)
	if int64(len(out.Data)) > f.maxSize {
		return nil, fmt.Errorf("image too large: %d bytes (max %d)", len(out.Data), f.maxSize)
	}
	return &out, nil
}

func (f *ImageFetcher) fetch(ctx context.Context, url string) (string, []byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", nil, fmt.Errorf("unsupported URL scheme: must be http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("failed to fetch image: status %d", resp.StatusCode)
	}

	if resp.ContentLength > f.maxSize {
		return "", nil, fmt.Errorf("image too large: %d bytes (max %d)", resp.ContentLength, f.maxSize)
	}

	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = InferMediaType(url)
	}
	if !IsSupportedMediaType(mediaType) {
		return "", nil, fmt.Errorf("unsupported media type: %s", mediaType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > f.maxSize {
		return "", nil, fmt.Errorf("image too large: exceeds %d bytes", f.maxSize)
	}

	return NormalizeMediaType(mediaType), data, nil
}

// ParseDataURL decodes a base64 data URL.
func ParseDataURL(url string) (string, []byte, error) {
	// Format: data:image/jpeg;base64,/9j/4AAQSkZ...
	if !strings.HasPrefix(url, "data:") {
		return "", nil, fmt.Errorf("not a data URL")
	}
	content := url[5:]

	commaIdx := strings.Index(content, ",")
	if commaIdx == -1 {
		return "", nil, fmt.Errorf("invalid data URL: missing comma separator")
	}
	metadata := content[:commaIdx]
	encoded := content[commaIdx+1:]

	parts := strings.Split(metadata, ";")
	mediaType := parts[0]
	if !IsSupportedMediaType(mediaType) {
		return "", nil, fmt.Errorf("unsupported media type: %s", mediaType)
	}

	isBase64 := false
	for _, part := range parts[1:] {
		if part == "base64" {
			isBase64 = true
			break
		}
	}
	if !isBase64 {
		return "", nil, fmt.Errorf("data URL must be base64 encoded")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("invalid data URL: %w", err)
	}
	return NormalizeMediaType(mediaType), data, nil
}

// InferMediaType guesses the media type from a file name or URL.
func InferMediaType(name string) string {
	lower := strings.ToLower(name)

	switch {
	case strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	default:
		return "image/jpeg" // Default assumption
	}
}

// IsSupportedMediaType reports whether the agent accepts the media type.
func IsSupportedMediaType(mediaType string) bool {
	switch NormalizeMediaType(mediaType) {
	case "image/jpeg", "image/png", "image/webp":
		return true
	default:
		return false
	}
}

// NormalizeMediaType strips parameters and maps image/jpg to image/jpeg.
func NormalizeMediaType(mediaType string) string {
	mainType := strings.Split(mediaType, ";")[0]
	mainType = strings.TrimSpace(strings.ToLower(mainType))

	if mainType == "image/jpg" {
		return "image/jpeg"
	}
	return mainType
}
