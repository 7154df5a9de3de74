// Package attachments downloads text attachments so they can be inlined
// into the conversation.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haasonsaas/relay/pkg/models"
)

const (
	// DefaultMaxSize is the largest attachment that is inlined.
	DefaultMaxSize = 100 * 1024

	DefaultCacheSize = 256
)

var (
	// ErrUnsupportedType is returned for attachments that are not text.
	ErrUnsupportedType = errors.New("unsupported attachment type")

	// ErrTooLarge is returned for attachments over the size limit.
	ErrTooLarge = errors.New("attachment too large")
)

// Config configures an Extractor.
type Config struct {
	MaxSize    int64
	CacheSize  int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Extractor fetches attachment bodies over HTTP and caches them by
// attachment ID. Attachments are immutable, so entries never go stale.
type Extractor struct {
	client  *http.Client
	maxSize int64
	cache   *lru.Cache[string, string]
	logger  *slog.Logger
}

// New creates an Extractor.
func New(cfg Config) (*Extractor, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cache, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("attachment cache: %w", err)
	}
	return &Extractor{
		client:  cfg.HTTPClient,
		maxSize: cfg.MaxSize,
		cache:   cache,
		logger:  cfg.Logger.With("component", "attachments"),
	}, nil
}

// Supported reports whether the attachment's type can be inlined.
func Supported(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/") || strings.HasPrefix(mimeType, "application/")
}

// Extract returns the attachment's text.
func (e *Extractor) Extract(ctx context.Context, att models.Attachment) (string, error) {
	if !Supported(att.MimeType) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, att.MimeType)
	}
	if att.Size > e.maxSize {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, att.Size, e.maxSize)
	}
	if att.ID != "" {
		if text, ok := e.cache.Get(att.ID); ok {
			return text, nil
		}
	}

	text, err := e.download(ctx, att.URL)
	if err != nil {
		return "", err
	}
	if att.ID != "" {
		e.cache.Add(att.ID, text)
	}
	e.logger.Debug("attachment extracted", "attachment_id", att.ID, "bytes", len(text))
	return text, nil
}

func (e *Extractor) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxSize+1))
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(data)) > e.maxSize {
		return "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, e.maxSize)
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}
