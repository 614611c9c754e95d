// Package media moves payloads between the provider and local storage:
// inbound media is downloaded and served from disk, outbound media is size
// checked and uploaded to obtain a provider media id.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/model"
	"github.com/Mayur-31/WhatsApp-API-Project-sub000/internal/wa"
)

// Provider-imposed ceilings per media type. These are hard limits on the
// send API, independent of whatever the upload UI allows.
const (
	MaxImageBytes    = 5 << 20
	MaxVideoBytes    = 16 << 20
	MaxAudioBytes    = 16 << 20
	MaxDocumentBytes = 100 << 20
)

// ErrTooLarge reports an outbound payload over the provider ceiling. It is
// permanent: the worker fails the message without a network call.
type ErrTooLarge struct {
	MediaType model.MessageType
	Size      int64
	Limit     int64
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("media: %s payload of %d bytes exceeds provider limit of %d bytes", e.MediaType, e.Size, e.Limit)
}

// MaxSize returns the provider ceiling for a media message type, or 0 for
// non-media types.
func MaxSize(t model.MessageType) int64 {
	switch t {
	case model.TypeImage:
		return MaxImageBytes
	case model.TypeVideo:
		return MaxVideoBytes
	case model.TypeAudio:
		return MaxAudioBytes
	case model.TypeDocument:
		return MaxDocumentBytes
	default:
		return 0
	}
}

// ValidateSize checks an outbound payload against the ceiling for its type.
func ValidateSize(t model.MessageType, size int64) error {
	limit := MaxSize(t)
	if limit == 0 {
		return fmt.Errorf("media: %s is not a media type", t)
	}
	if size > limit {
		return &ErrTooLarge{MediaType: t, Size: size, Limit: limit}
	}
	return nil
}

// mimeRewrites fixes provider-reported MIME types that are known to be
// malformed or non-canonical.
var mimeRewrites = map[string]string{
	"image/jpg":   "image/jpeg",
	"audio/mp3":   "audio/mpeg",
	"audio/opus":  "audio/ogg",
	"video/mpeg4": "video/mp4",
}

// NormalizeMime strips codec parameters ("audio/ogg; codecs=opus") and
// rewrites known-bad types to canonical forms.
func NormalizeMime(mime string) string {
	mime = strings.TrimSpace(mime)
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	mime = strings.ToLower(mime)
	if fixed, ok := mimeRewrites[mime]; ok {
		return fixed
	}
	return mime
}

var mimeExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/3gpp":      ".3gp",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/aac":       ".aac",
	"audio/amr":       ".amr",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

func extensionFor(mime string) string {
	if ext, ok := mimeExtensions[mime]; ok {
		return ext
	}
	return ".bin"
}

// Stored describes a locally persisted inbound media file.
type Stored struct {
	URL      string
	FileName string
	Mime     string
	Size     int64
}

// Pipeline downloads inbound media to dir and uploads outbound media via
// the Cloud API client. Files are served under baseURL by the static file
// route of the HTTP layer.
type Pipeline struct {
	client  *wa.Client
	dir     string
	baseURL string
	logger  *slog.Logger

	// fetch resolves outbound media given as remote URLs.
	fetch *http.Client
}

func NewPipeline(client *wa.Client, dir, baseURL string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		client:  client,
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		fetch:   &http.Client{Timeout: 60 * time.Second},
	}
}

// FetchInbound resolves a provider media id, downloads the payload and
// writes it under a generated filename. Any failure returns nil: the caller
// records the message without media rather than dropping it.
func (p *Pipeline) FetchInbound(ctx context.Context, creds wa.Credentials, mediaID string) *Stored {
	info, err := p.client.MediaInfo(ctx, creds, mediaID)
	if err != nil {
		p.logger.Error("media info lookup failed", "media_id", mediaID, "error", err)
		return nil
	}

	data, contentType, err := p.client.DownloadMedia(ctx, creds, info.URL)
	if err != nil {
		p.logger.Error("media download failed", "media_id", mediaID, "error", err)
		return nil
	}

	mime := NormalizeMime(info.MimeType)
	if mime == "" {
		mime = NormalizeMime(contentType)
	}

	name := uuid.NewString() + extensionFor(mime)
	path := filepath.Join(p.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		p.logger.Error("media write failed", "media_id", mediaID, "path", path, "error", err)
		return nil
	}

	return &Stored{
		URL:      p.baseURL + "/" + name,
		FileName: name,
		Mime:     mime,
		Size:     int64(len(data)),
	}
}

// ResolveBytes turns an outbound media source into raw bytes. The source is
// either an http(s) URL or a local file path.
func (p *Pipeline) ResolveBytes(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.fetch.Do(req)
		if err != nil {
			return nil, fmt.Errorf("media: fetch %s: %w", source, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("media: fetch %s: unexpected status %d", source, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
	return os.ReadFile(source)
}

// Upload validates the payload size and uploads it, returning the provider
// media id. Oversize payloads fail before any network call.
func (p *Pipeline) Upload(ctx context.Context, creds wa.Credentials, t model.MessageType, filename, mime string, data []byte) (string, error) {
	if err := ValidateSize(t, int64(len(data))); err != nil {
		return "", err
	}
	mime = NormalizeMime(mime)
	id, err := p.client.UploadMedia(ctx, creds, filename, mime, data)
	if err != nil {
		return "", fmt.Errorf("media: upload %s: %w", filename, err)
	}
	return id, nil
}

// Dir returns the local storage directory, for the HTTP static route.
func (p *Pipeline) Dir() string { return p.dir }
