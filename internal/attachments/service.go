package attachments

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ptw-platform/ptw/internal/shared"
)

// IDProofPrefix namespaces worker ID-proof images.
const IDProofPrefix = "id-proofs/"

const existsConcurrency = 4

var allowedImageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/heic": ".heic",
}

// Upload is a presigned upload slot.
type Upload struct {
	Key         string    `json:"key"`
	URL         string    `json:"upload_url"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Service hands out ID-proof upload slots and verifies references.
type Service struct {
	store  Store
	expiry time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the attachment service.
func NewService(store Store, expiry time.Duration, logger *slog.Logger) *Service {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, expiry: expiry, logger: logger, now: time.Now}
}

// NewIDProofUpload reserves a fresh key for an ID-proof image.
func (s *Service) NewIDProofUpload(ctx context.Context, contentType string) (Upload, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	ext, ok := allowedImageTypes[contentType]
	if !ok {
		return Upload{}, shared.Errorf(shared.ErrValidation, "content_type must be an image (jpeg, png, webp or heic)")
	}
	key := IDProofPrefix + uuid.NewString() + ext
	url, err := s.store.PresignUpload(ctx, key, contentType, s.expiry)
	if err != nil {
		return Upload{}, err
	}
	return Upload{Key: key, URL: url, ContentType: contentType, ExpiresAt: s.now().Add(s.expiry).UTC()}, nil
}

// DownloadURL presigns a download of an ID-proof image.
func (s *Service) DownloadURL(ctx context.Context, key string) (string, error) {
	if !ValidKey(key) {
		return "", shared.Errorf(shared.ErrValidation, "invalid attachment key")
	}
	ok, err := s.store.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", shared.Errorf(shared.ErrNotFound, "attachment not found")
	}
	return s.store.PresignDownload(ctx, key, s.expiry)
}

// Missing returns the keys that are malformed or not uploaded, preserving input order.
func (s *Service) Missing(ctx context.Context, keys []string) ([]string, error) {
	found := make([]bool, len(keys))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(existsConcurrency)
	for i, key := range keys {
		if !ValidKey(key) {
			continue
		}
		g.Go(func() error {
			ok, err := s.store.Exists(ctx, key)
			if err != nil {
				return err
			}
			mu.Lock()
			found[i] = ok
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("attachment exists check", slog.Any("error", err))
		return nil, err
	}
	var missing []string
	for i, key := range keys {
		if !found[i] {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

// ValidKey reports whether key names an object under the ID-proof prefix.
func ValidKey(key string) bool {
	if !strings.HasPrefix(key, IDProofPrefix) || strings.Contains(key, "..") {
		return false
	}
	return path.Clean(key) == key && len(key) > len(IDProofPrefix)
}
