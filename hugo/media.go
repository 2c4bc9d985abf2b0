package hugo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"path"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/eringen/gitpub/contentstore"
)

// extensionByType maps declared MIME types onto canonical storage
// extensions. Anything unlisted falls back to the MIME subtype.
var extensionByType = map[string]string{
	"image/jpeg":      "jpeg",
	"image/jpg":       "jpeg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"image/svg+xml":   "svg",
	"audio/mpeg":      "mp3",
	"audio/ogg":       "ogg",
	"audio/wav":       "wav",
	"video/mp4":       "mp4",
	"video/webm":      "webm",
	"video/quicktime": "mov",
}

// ExtensionForType returns the storage extension for a declared content
// type. The client's filename is never consulted.
func ExtensionForType(contentType string) string {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if ext, ok := extensionByType[base]; ok {
		return ext
	}
	if i := strings.IndexByte(base, '/'); i >= 0 && i+1 < len(base) {
		return base[i+1:]
	}
	return "bin"
}

// Blob is one uploaded media item. Its identity is the SHA-256 of its
// bytes: two uploads with identical content are the same blob regardless
// of filename. Alt text and the original filename are advisory metadata
// and never influence the storage path.
type Blob struct {
	Hash     string
	Ext      string
	Alt      string
	Filename string
	Data     []byte

	// Width and Height are sniffed for image types, zero otherwise.
	Width  int
	Height int
}

// NewBlob hashes the uploaded bytes and records metadata. For image
// content (PNG, JPEG, GIF, WebP) the dimensions are sniffed from the
// header.
func NewBlob(data []byte, contentType, filename, alt string) (*Blob, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("hugo: empty media upload")
	}
	sum := sha256.Sum256(data)
	b := &Blob{
		Hash:     hex.EncodeToString(sum[:]),
		Ext:      ExtensionForType(contentType),
		Alt:      alt,
		Filename: filename,
		Data:     data,
	}
	if strings.HasPrefix(contentType, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			b.Width = cfg.Width
			b.Height = cfg.Height
		}
	}
	return b, nil
}

// BlobPath returns the content-addressed repository path for a blob,
// derived from hash and extension only.
func (s *Site) BlobPath(b *Blob) string {
	return path.Join("static", s.MediaPrefix, b.Hash+"."+b.Ext)
}

// BlobURI returns the resolvable URI for a blob. The location is stable
// from the moment of upload, independent of any post that later
// references it.
func (s *Site) BlobURI(b *Blob) string {
	return s.BaseURI + s.MediaPrefix + "/" + b.Hash + "." + b.Ext
}

// StoreBlob persists a blob under its content-addressed path. If a blob
// with the same hash already exists nothing is written and created is
// false; re-uploads are idempotent by construction.
func (s *Site) StoreBlob(ctx context.Context, b *Blob) (uri string, created bool, err error) {
	blobPath := s.BlobPath(b)
	if _, err := s.Store.ProbeAny(ctx, []string{blobPath}); err == nil {
		return s.BlobURI(b), false, nil
	} else if !errors.Is(err, contentstore.ErrNotFound) {
		return "", false, err
	}

	err = s.commitRetry(ctx, "gitpub: add media "+b.Hash[:12], func(ctx context.Context) ([]contentstore.Change, error) {
		// A concurrent identical upload may land first; converging on the
		// existing blob is success, not an error.
		if _, err := s.Store.ProbeAny(ctx, []string{blobPath}); err == nil {
			return nil, errBlobExists
		} else if !errors.Is(err, contentstore.ErrNotFound) {
			return nil, err
		}
		return []contentstore.Change{{Path: blobPath, Data: b.Data}}, nil
	})
	if errors.Is(err, errBlobExists) {
		return s.BlobURI(b), false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s.BlobURI(b), true, nil
}

var errBlobExists = errors.New("hugo: blob already stored")

// blobChanges returns commit changes for attachments that are not yet in
// the store, skipping blobs that already exist under their hash.
func (s *Site) blobChanges(ctx context.Context, blobs []*Blob) ([]contentstore.Change, error) {
	var changes []contentstore.Change
	seen := make(map[string]bool, len(blobs))
	for _, b := range blobs {
		p := s.BlobPath(b)
		if seen[p] {
			continue
		}
		seen[p] = true
		if _, err := s.Store.ProbeAny(ctx, []string{p}); err == nil {
			continue
		} else if !errors.Is(err, contentstore.ErrNotFound) {
			return nil, err
		}
		changes = append(changes, contentstore.Change{Path: p, Data: b.Data})
	}
	return changes, nil
}
