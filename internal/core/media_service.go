package core

import (
	"context"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	jww "github.com/spf13/jwalterweatherman"

	"gwi.com/chatcore/internal/blob"
	"gwi.com/chatcore/internal/chaterr"
	"gwi.com/chatcore/internal/dispatch"
	"gwi.com/chatcore/internal/store"
	"gwi.com/chatcore/internal/utils"
)

// Upload is an uploaded payload. Body is read at most once and always closed.
type Upload struct {
	Body     io.ReadCloser
	Size     int64
	Filename string
}

type MediaService struct {
	dbStore   *store.SQLiteStore
	blobs     *blob.FSStore
	chats     *ChatService
	publisher Publisher
	maxBytes  int64
	allowed   []string

	// hashLocks serializes uploads of the same bytes from the dedup lookup
	// until the commit or the orphan cleanup, so one upload never removes
	// an object another is about to reference.
	hashLocks   *utils.KeyedMutex
	appendMedia func(ctx context.Context, row store.MediaBlob, nm store.NewMessage) (*store.Message, *store.Chat, error)
}

// NewMediaService builds the ingestion pipeline. publisher may be nil.
func NewMediaService(db *store.SQLiteStore, blobs *blob.FSStore, chats *ChatService, publisher Publisher, maxBytes int64, allowedMIMETypes []string) *MediaService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &MediaService{
		dbStore:     db,
		blobs:       blobs,
		chats:       chats,
		publisher:   publisher,
		maxBytes:    maxBytes,
		allowed:     allowedMIMETypes,
		hashLocks:   utils.NewKeyedMutex(),
		appendMedia: db.AppendMediaMessage,
	}
}

// UploadMedia stores the payload as a blob, deduplicated by content hash, and
// appends a message referencing it. Either both the blob row and the message
// are committed or neither is.
func (s *MediaService) UploadMedia(ctx context.Context, chatID, senderID string, up Upload) (*store.Message, error) {
	defer up.Body.Close()

	if _, err := s.chats.RequireParticipant(ctx, chatID, senderID); err != nil {
		return nil, err
	}
	if up.Size <= 0 || up.Size > s.maxBytes {
		return nil, chaterr.ErrPayloadTooLarge
	}

	spool, err := s.blobs.TempFile()
	if err != nil {
		return nil, chaterr.MediaUploadFailed(err)
	}
	defer s.blobs.Discard(spool)

	digest := utils.NewDigest()
	src := blob.ContextReader(ctx, io.LimitReader(up.Body, s.maxBytes+1))
	n, err := io.Copy(io.MultiWriter(spool, digest), src)
	if err != nil {
		return nil, chaterr.MediaUploadFailed(errors.Wrap(err, "spool upload"))
	}
	if n == 0 || n > s.maxBytes {
		return nil, chaterr.ErrPayloadTooLarge
	}

	mtype, err := sniff(spool)
	if err != nil {
		return nil, chaterr.MediaUploadFailed(err)
	}
	if !s.isAllowed(mtype) {
		jww.DEBUG.Printf("Rejected upload %q from %s: %s", up.Filename, senderID, mtype.String())
		return nil, chaterr.Newf(chaterr.KindUnsupportedMediaType, "media type %s is not allowed", baseMIME(mtype))
	}

	row := store.MediaBlob{
		ContentHash: digest.Sum(),
		ByteSize:    n,
		MimeType:    baseMIME(mtype),
	}
	unlock := s.hashLocks.Lock(row.ContentHash)
	defer unlock()

	created, err := s.storeBlob(ctx, &row, spool)
	if err != nil {
		return nil, chaterr.MediaUploadFailed(err)
	}

	msg, chat, err := s.appendMedia(ctx, row, store.NewMessage{
		ChatID:   chatID,
		SenderID: senderID,
		Type:     store.MessageTypeForMIME(row.MimeType),
	})
	if err != nil {
		if created {
			s.removeOrphan(row)
		}
		return nil, chaterr.MediaUploadFailed(err)
	}

	jww.INFO.Printf("Stored %s upload %s (%d bytes) as message %s in chat %s", row.MimeType, row.ContentHash, row.ByteSize, msg.ID, chat.ID)
	s.publisher.Publish(dispatch.MessageCreated(chat, msg))
	return msg, nil
}

// storeBlob fills in row.StorageLocator, reusing a committed blob with the
// same hash when there is one. created reports whether a new object was
// written.
func (s *MediaService) storeBlob(ctx context.Context, row *store.MediaBlob, spool afero.File) (bool, error) {
	existing, err := s.dbStore.GetBlob(ctx, row.ContentHash)
	if err == nil {
		row.StorageLocator = existing.StorageLocator
		row.MimeType = existing.MimeType
		jww.DEBUG.Printf("Upload %s deduplicated", row.ContentHash)
		return false, nil
	}
	if !errors.Is(err, chaterr.ErrMediaNotFound) {
		return false, err
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return false, errors.Wrap(err, "rewind spool")
	}
	locator, created, err := s.blobs.Put(ctx, row.ContentHash, spool)
	if err != nil {
		return false, err
	}
	row.StorageLocator = locator
	return created, nil
}

// removeOrphan deletes an object written for a commit that failed, unless a
// row for it exists. Callers hold the hash lock.
func (s *MediaService) removeOrphan(row store.MediaBlob) {
	ctx := context.Background()
	if _, err := s.dbStore.GetBlob(ctx, row.ContentHash); err == nil {
		return
	}
	if err := s.blobs.Remove(row.StorageLocator); err != nil {
		jww.WARN.Printf("Failed to remove uncommitted blob %s: %v", row.StorageLocator, err)
	}
}

// OpenMedia returns a committed blob and its bytes. The caller closes the
// file.
func (s *MediaService) OpenMedia(ctx context.Context, contentHash string) (*store.MediaBlob, afero.File, error) {
	row, err := s.dbStore.GetBlob(ctx, contentHash)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.blobs.Open(row.StorageLocator)
	if err != nil {
		jww.ERROR.Printf("Blob %s has a row but no object: %v", contentHash, err)
		return nil, nil, chaterr.ErrMediaNotFound
	}
	return row, f, nil
}

func (s *MediaService) isAllowed(mtype *mimetype.MIME) bool {
	for _, allowed := range s.allowed {
		if mtype.Is(allowed) {
			return true
		}
	}
	return false
}

func sniff(spool afero.File) (*mimetype.MIME, error) {
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rewind spool")
	}
	mtype, err := mimetype.DetectReader(spool)
	if err != nil {
		return nil, errors.Wrap(err, "detect media type")
	}
	return mtype, nil
}

func baseMIME(mtype *mimetype.MIME) string {
	base, _, _ := strings.Cut(mtype.String(), ";")
	return strings.TrimSpace(base)
}
