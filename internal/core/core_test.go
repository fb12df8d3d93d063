package core

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/chatcore/internal/blob"
	"gwi.com/chatcore/internal/chaterr"
	"gwi.com/chatcore/internal/dispatch"
	"gwi.com/chatcore/internal/store"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelWarn)
	os.Exit(m.Run())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (p *recordingPublisher) Publish(ev dispatch.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) ofType(t dispatch.EventType) []dispatch.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []dispatch.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type onlineSet map[string]bool

func (o onlineSet) IsOnline(userID string) bool { return o[userID] }

type fixture struct {
	db       *store.SQLiteStore
	fs       afero.Fs
	pub      *recordingPublisher
	online   onlineSet
	chats    *ChatService
	messages *MessageService
	presence *PresenceTracker
	media    *MediaService
	users    *UserService
}

const testMaxUpload = 1024

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "core.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fs := afero.NewMemMapFs()
	blobs, err := blob.NewFSStore(fs, "/media")
	require.NoError(t, err)

	f := &fixture{db: db, fs: fs, pub: &recordingPublisher{}, online: onlineSet{}}
	f.presence = NewPresenceTracker(db, f.pub, f.online, 5*time.Minute)
	f.chats = NewChatService(db, f.presence)
	f.messages = NewMessageService(db, f.chats, f.pub, 16)
	f.media = NewMediaService(db, blobs, f.chats, f.pub, testMaxUpload, []string{"image/png", "application/pdf"})
	f.users = NewUserService(db)
	return f
}

func (f *fixture) user(t *testing.T, name string) string {
	t.Helper()
	u, err := f.db.CreateUser(context.Background(), name, name, "x")
	require.NoError(t, err)
	return u.ID
}

func (f *fixture) chat(t *testing.T, a, b string) string {
	t.Helper()
	id, err := f.chats.CreateChat(context.Background(), a, b)
	require.NoError(t, err)
	return id
}

func (f *fixture) counts(t *testing.T, chatID string) (messages, blobs int) {
	t.Helper()
	ctx := context.Background()
	messages, err := f.db.CountMessages(ctx, chatID)
	require.NoError(t, err)
	blobs, err = f.db.CountBlobs(ctx)
	require.NoError(t, err)
	return messages, blobs
}

func text(s string) Content {
	return Content{Type: store.MessageTypeText, Text: s}
}

type trackedBody struct {
	io.Reader
	closed bool
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

func upload(data []byte) (Upload, *trackedBody) {
	body := &trackedBody{Reader: bytes.NewReader(data)}
	return Upload{Body: body, Size: int64(len(data)), Filename: "file"}, body
}

func pngBytes(payload string) []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), payload...)
}

func TestCreateChat_IdempotentAndOrderIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.user(t, "alice"), f.user(t, "bob")

	id1, err := f.chats.CreateChat(ctx, a, b)
	require.NoError(t, err)
	id2, err := f.chats.CreateChat(ctx, b, a)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	n, err := f.db.CountChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.chats.CreateChat(ctx, a, a)
	assert.ErrorIs(t, err, chaterr.ErrInvalidParticipants)
}

func TestRequireParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	chatID := f.chat(t, a, b)

	chat, err := f.chats.RequireParticipant(ctx, chatID, b)
	require.NoError(t, err)
	assert.Equal(t, a, chat.Partner(b))

	_, err = f.chats.RequireParticipant(ctx, chatID, c)
	assert.ErrorIs(t, err, chaterr.ErrNotAParticipant)
	_, err = f.chats.GetChat(ctx, "nope")
	assert.ErrorIs(t, err, chaterr.ErrChatNotFound)
}

func TestSendAndSeenScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1, r1 := f.user(t, "s1"), f.user(t, "r1")
	chatID := f.chat(t, s1, r1)

	msg, err := f.messages.SaveMessage(ctx, chatID, s1, text("hi"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Sequence)
	assert.Equal(t, store.MessageStateSent, msg.State)

	created := f.pub.ofType(dispatch.EventMessageCreated)
	require.Len(t, created, 1)
	assert.Equal(t, []string{r1}, created[0].Recipients)
	view, ok := created[0].Payload.(store.MessageView)
	require.True(t, ok)
	assert.Equal(t, "hi", view.Content)
	assert.Equal(t, r1, view.ReceiverID)

	watermark, err := f.presence.SetSeen(ctx, chatID, r1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), watermark)

	msgs, err := f.messages.FindChatMessages(ctx, chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.MessageStateSeen, msgs[0].State)

	for _, u := range []string{s1, r1} {
		unread, err := f.presence.UnreadCount(ctx, chatID, u)
		require.NoError(t, err)
		assert.Zero(t, unread)
	}
	w, err := f.presence.Watermark(ctx, chatID, r1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w)

	receipts := f.pub.ofType(dispatch.EventSeenUpdated)
	require.Len(t, receipts, 1)
	assert.Equal(t, []string{s1}, receipts[0].Recipients)

	_, err = f.presence.SetSeen(ctx, chatID, r1)
	require.NoError(t, err)
	assert.Len(t, f.pub.ofType(dispatch.EventSeenUpdated), 1, "nothing new to see, no receipt")
}

func TestSaveMessage_ParallelSendersGetDistinctSequences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.user(t, "alice"), f.user(t, "bob")
	chatID := f.chat(t, a, b)

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := a
			if i%2 == 1 {
				sender = b
			}
			_, err := f.messages.SaveMessage(ctx, chatID, sender, text("m"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := f.messages.FindChatMessages(ctx, chatID)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Sequence)
	}
}

func TestSaveMessage_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	chatID := f.chat(t, a, b)

	up, _ := upload(pngBytes("picture"))
	pic, err := f.media.UploadMedia(ctx, f.chat(t, a, c), a, up)
	require.NoError(t, err)
	pngRef := *pic.MediaRef
	f.pub = &recordingPublisher{}
	f.messages.publisher = f.pub

	tests := []struct {
		name    string
		chatID  string
		sender  string
		content Content
		want    error
	}{
		{"blank text", chatID, a, text("   "), chaterr.ErrMalformedMessage},
		{"too long", chatID, a, text("this text is longer than sixteen runes"), chaterr.ErrMalformedMessage},
		{"text with media", chatID, a, Content{Type: store.MessageTypeText, Text: "x", MediaRef: "h"}, chaterr.ErrMalformedMessage},
		{"media without ref", chatID, a, Content{Type: store.MessageTypeImage}, chaterr.ErrMalformedMessage},
		{"media with text", chatID, a, Content{Type: store.MessageTypeImage, Text: "x", MediaRef: "h"}, chaterr.ErrMalformedMessage},
		{"dangling media ref", chatID, a, Content{Type: store.MessageTypeImage, MediaRef: "unknown"}, chaterr.ErrMalformedMessage},
		{"unknown type", chatID, a, Content{Type: "STICKER", Text: "x"}, chaterr.ErrMalformedMessage},
		{"audio referencing a png", chatID, a, Content{Type: store.MessageTypeAudio, MediaRef: pngRef}, chaterr.ErrMalformedMessage},
		{"file referencing a png", chatID, a, Content{Type: store.MessageTypeFile, MediaRef: pngRef}, chaterr.ErrMalformedMessage},
		{"outsider", chatID, c, text("hi"), chaterr.ErrNotAParticipant},
		{"outsider with malformed content", chatID, c, text("   "), chaterr.ErrNotAParticipant},
		{"outsider with unknown type", chatID, c, Content{Type: "STICKER"}, chaterr.ErrNotAParticipant},
		{"unknown chat", "nope", a, text("hi"), chaterr.ErrChatNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.messages.SaveMessage(ctx, tt.chatID, tt.sender, tt.content)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	msgs, _ := f.counts(t, chatID)
	assert.Zero(t, msgs, "rejected sends leave no message")
	assert.Empty(t, f.pub.ofType(dispatch.EventMessageCreated))

	got, err := f.messages.SaveMessage(ctx, chatID, b, Content{Type: store.MessageTypeImage, MediaRef: pngRef})
	require.NoError(t, err, "a stored blob can be forwarded under its own type")
	assert.Equal(t, store.MessageTypeImage, got.Type)
}

func TestMarkDelivered_AcksSenderOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.user(t, "alice"), f.user(t, "bob")
	chatID := f.chat(t, a, b)
	msg, err := f.messages.SaveMessage(ctx, chatID, a, text("hi"))
	require.NoError(t, err)

	got, changed, err := f.messages.MarkDelivered(ctx, msg.ID, b)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, store.MessageStateDelivered, got.State)

	_, changed, err = f.messages.MarkDelivered(ctx, msg.ID, b)
	require.NoError(t, err)
	assert.False(t, changed)

	acks := f.pub.ofType(dispatch.EventDeliveryAck)
	require.Len(t, acks, 1)
	assert.Equal(t, []string{a}, acks[0].Recipients)
}

func TestSessionFrames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.user(t, "alice"), f.user(t, "bob")
	chatID := f.chat(t, a, b)
	msg, err := f.messages.SaveMessage(ctx, chatID, a, text("hi"))
	require.NoError(t, err)

	var frames dispatch.FrameHandler = SessionFrames{Messages: f.messages, Presence: f.presence}
	require.NoError(t, frames.Acknowledge(ctx, b, msg.ID))
	require.NoError(t, frames.MarkSeen(ctx, b, chatID))
	assert.ErrorIs(t, frames.MarkSeen(ctx, b, "nope"), chaterr.ErrChatNotFound)

	frames.Touch(ctx, b)
	online, err := f.presence.IsOnline(ctx, b)
	require.NoError(t, err)
	assert.True(t, online)
}

func TestGetChatsByUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	withB := f.chat(t, a, b)
	withC := f.chat(t, a, c)

	_, err := f.messages.SaveMessage(ctx, withB, b, text("one"))
	require.NoError(t, err)
	_, err = f.messages.SaveMessage(ctx, withB, b, text("two"))
	require.NoError(t, err)
	_, err = f.messages.SaveMessage(ctx, withC, a, text("mine"))
	require.NoError(t, err)
	f.online[c] = true

	sums, err := f.chats.GetChatsByUser(ctx, a)
	require.NoError(t, err)
	require.Len(t, sums, 2)

	assert.Equal(t, withC, sums[0].ChatID)
	assert.Equal(t, "mine", sums[0].LastMessage)
	assert.Zero(t, sums[0].UnreadCount)
	assert.True(t, sums[0].IsRead)
	assert.True(t, sums[0].IsRecipientOnline)

	assert.Equal(t, withB, sums[1].ChatID)
	assert.Equal(t, "two", sums[1].LastMessage)
	assert.Equal(t, 2, sums[1].UnreadCount)
	assert.False(t, sums[1].IsRead)
	assert.False(t, sums[1].IsRecipientOnline)
}

func TestPresence_OnlineWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "alice")

	online, err := f.presence.IsOnline(ctx, a)
	require.NoError(t, err)
	assert.False(t, online, "never seen")

	f.presence.now = func() time.Time { return time.Now().Add(-time.Hour) }
	f.presence.Touch(ctx, a)
	f.presence.now = time.Now
	online, err = f.presence.IsOnline(ctx, a)
	require.NoError(t, err)
	assert.False(t, online, "last activity is outside the window")

	f.presence.Touch(ctx, a)
	online, err = f.presence.IsOnline(ctx, a)
	require.NoError(t, err)
	assert.True(t, online)

	_, err = f.presence.IsOnline(ctx, "ghost")
	assert.ErrorIs(t, err, chaterr.ErrUserNotFound)
}

func TestUploadMedia_DedupsAcrossChats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	chat1 := f.chat(t, a, b)
	chat2 := f.chat(t, a, c)
	data := pngBytes("same picture")

	up, body := upload(data)
	m1, err := f.media.UploadMedia(ctx, chat1, a, up)
	require.NoError(t, err)
	assert.True(t, body.closed)
	assert.Equal(t, store.MessageTypeImage, m1.Type)
	require.NotNil(t, m1.MediaRef)
	assert.Nil(t, m1.TextContent)

	up, _ = upload(data)
	m2, err := f.media.UploadMedia(ctx, chat1, b, up)
	require.NoError(t, err)
	up, _ = upload(data)
	m3, err := f.media.UploadMedia(ctx, chat2, a, up)
	require.NoError(t, err)

	assert.Equal(t, *m1.MediaRef, *m2.MediaRef)
	assert.Equal(t, *m1.MediaRef, *m3.MediaRef)
	assert.NotEqual(t, m1.ID, m2.ID)

	msgs, blobs := f.counts(t, chat1)
	assert.Equal(t, 2, msgs)
	assert.Equal(t, 1, blobs)

	row, file, err := f.media.OpenMedia(ctx, *m1.MediaRef)
	require.NoError(t, err)
	defer file.Close()
	assert.Equal(t, "image/png", row.MimeType)
	got, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	entries, err := afero.ReadDir(f.fs, "/media/tmp")
	require.NoError(t, err)
	assert.Empty(t, entries, "spool files are always removed")

	assert.Len(t, f.pub.ofType(dispatch.EventMessageCreated), 3)
}

func TestUploadMedia_SizeLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.user(t, "alice"), f.user(t, "bob")
	chatID := f.chat(t, a, b)

	empty, _ := upload(nil)
	oversized, _ := upload(pngBytes(string(make([]byte, testMaxUpload))))
	lying, _ := upload(pngBytes(string(make([]byte, testMaxUpload))))
	lying.Size = 10

	for name, up := range map[string]Upload{"empty": empty, "oversized": oversized, "size lies": lying} {
		t.Run(name, func(t *testing.T) {
			_, err := f.media.UploadMedia(ctx, chatID, a, up)
			assert.ErrorIs(t, err, chaterr.ErrPayloadTooLarge)
		})
	}

	msgs, blobs := f.counts(t, chatID)
	assert.Zero(t, msgs)
	assert.Zero(t, blobs)
}

func TestUploadMedia_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	chatID := f.chat(t, a, b)

	up, body := upload([]byte("just some plain text"))
	_, err := f.media.UploadMedia(ctx, chatID, a, up)
	assert.ErrorIs(t, err, chaterr.ErrUnsupportedMediaType)
	assert.True(t, body.closed)

	up, body = upload(pngBytes("x"))
	_, err = f.media.UploadMedia(ctx, chatID, c, up)
	assert.ErrorIs(t, err, chaterr.ErrNotAParticipant)
	assert.True(t, body.closed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	up, _ = upload(pngBytes("x"))
	_, err = f.media.UploadMedia(cancelled, chatID, a, up)
	assert.Error(t, err)

	msgs, blobs := f.counts(t, chatID)
	assert.Zero(t, msgs)
	assert.Zero(t, blobs)
}

func TestUploadMedia_CancelledDuringCopy(t *testing.T) {
	f := newFixture(t)
	a, b := f.user(t, "alice"), f.user(t, "bob")
	chatID := f.chat(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	data := pngBytes("partial")
	body := &trackedBody{Reader: io.MultiReader(bytes.NewReader(data[:4]), readerFunc(func(p []byte) (int, error) {
		cancel()
		return copy(p, data[4:]), nil
	}))}

	_, err := f.media.UploadMedia(ctx, chatID, a, Upload{Body: body, Size: int64(len(data))})
	assert.ErrorIs(t, err, chaterr.ErrMediaUploadFailed)
	assert.ErrorIs(t, err, context.Canceled)

	msgs, blobs := f.counts(t, chatID)
	assert.Zero(t, msgs)
	assert.Zero(t, blobs)
	entries, err := afero.ReadDir(f.fs, "/media/tmp")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestUploadMedia_FailedCommitKeepsConcurrentUploadReadable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.user(t, "alice"), f.user(t, "bob")
	chatID := f.chat(t, a, b)
	data := pngBytes("uploaded twice at once")

	firstInCommit := make(chan struct{})
	firstDone := make(chan struct{})
	var calls int32
	commit := f.media.appendMedia
	f.media.appendMedia = func(ctx context.Context, row store.MediaBlob, nm store.NewMessage) (*store.Message, *store.Chat, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(firstInCommit)
			time.Sleep(50 * time.Millisecond)
			return nil, nil, errors.New("disk I/O error")
		}
		// Commit only after the failed upload has cleaned up after itself.
		<-firstDone
		return commit(ctx, row, nm)
	}

	var firstErr error
	go func() {
		defer close(firstDone)
		up, _ := upload(data)
		_, firstErr = f.media.UploadMedia(ctx, chatID, a, up)
	}()
	<-firstInCommit

	up, _ := upload(data)
	msg, err := f.media.UploadMedia(ctx, chatID, b, up)
	require.NoError(t, err)
	<-firstDone
	assert.ErrorIs(t, firstErr, chaterr.ErrMediaUploadFailed)

	row, file, err := f.media.OpenMedia(ctx, *msg.MediaRef)
	require.NoError(t, err, "a committed media message always has its object")
	defer file.Close()
	got, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "image/png", row.MimeType)

	msgs, blobs := f.counts(t, chatID)
	assert.Equal(t, 1, msgs)
	assert.Equal(t, 1, blobs)
	assert.Zero(t, f.media.hashLocks.Len())
}

func TestUserService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.users.Signup(ctx, " dana ", "correct horse", "")
	require.NoError(t, err)
	assert.Equal(t, "dana", u.Username)
	assert.Equal(t, "dana", u.DisplayName)

	_, err = f.users.Signup(ctx, "dana", "correct horse", "Dana")
	assert.ErrorIs(t, err, chaterr.ErrUsernameTaken)
	_, err = f.users.Signup(ctx, "eve", "short", "")
	assert.ErrorIs(t, err, chaterr.ErrInvalidRequest)

	got, err := f.users.Login(ctx, "dana", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = f.users.Login(ctx, "dana", "wrong password")
	assert.ErrorIs(t, err, chaterr.ErrUnauthenticated)
	_, err = f.users.Login(ctx, "nobody", "correct horse")
	assert.ErrorIs(t, err, chaterr.ErrUnauthenticated)
}
