package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"gwi.com/chatcore/internal/chaterr"
)

// GetBlob returns the committed blob row for contentHash. Blobs whose bytes
// were written but whose row never committed are not visible here.
func (s *SQLiteStore) GetBlob(ctx context.Context, contentHash string) (*MediaBlob, error) {
	var blob MediaBlob
	err := s.db.QueryRowContext(ctx,
		"SELECT content_hash, byte_size, mime_type, storage_locator, created_at, updated_at FROM media_blobs WHERE content_hash = ?",
		contentHash).Scan(&blob.ContentHash, &blob.ByteSize, &blob.MimeType, &blob.StorageLocator, &blob.CreatedAt, &blob.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chaterr.ErrMediaNotFound
		}
		return nil, errors.Wrap(err, "store.GetBlob")
	}
	return &blob, nil
}

func (s *SQLiteStore) CountBlobs(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM media_blobs").Scan(&n); err != nil {
		return 0, errors.Wrap(err, "store.CountBlobs")
	}
	return n, nil
}
