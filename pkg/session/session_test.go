package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-im/chatcore/pkg/api"
	"github.com/parley-im/chatcore/pkg/capture"
	"github.com/parley-im/chatcore/pkg/models"
	"github.com/parley-im/chatcore/pkg/syncer"
)

// fakeBackend is an in-memory ChatAPI with just enough behavior to
// exercise the send, mutate and reaction flows.
type fakeBackend struct {
	mu sync.Mutex

	messages  []models.Message
	reactions map[string]map[string]string // message id -> user id -> emoji
	typing    []bool
	sendErr   error
	nextID    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{reactions: make(map[string]map[string]string)}
}

func (f *fakeBackend) seed(msg models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeBackend) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeBackend) GetConversationSummary(_ context.Context, conversationID, peerID string) (models.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := models.ConversationSummary{ConversationID: conversationID}
	if n := len(f.messages); n > 0 {
		out.LatestMessageID = f.messages[n-1].ID
	}
	for _, msg := range f.messages {
		if msg.SenderID != "alice" && msg.Status != models.StatusRead {
			out.UnreadCount++
		}
	}
	if peerID != "" {
		out.Participant = &models.UserStatus{UserID: peerID, IsOnline: true}
	}
	return out, nil
}

func (f *fakeBackend) ListMessages(_ context.Context, _ string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Message, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

func (f *fakeBackend) ListTyping(_ context.Context, _ string) ([]models.TypingSignal, error) {
	return nil, nil
}

func (f *fakeBackend) GetUserStatus(_ context.Context, userID string) (models.UserStatus, error) {
	return models.UserStatus{UserID: userID, IsOnline: true}, nil
}

func (f *fakeBackend) Heartbeat(_ context.Context) error { return nil }

func (f *fakeBackend) SendMessage(_ context.Context, conversationID string, req api.SendMessageRequest) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return models.Message{}, f.sendErr
	}
	f.nextID++
	msg := models.Message{
		ID:               fmt.Sprintf("srv-%d", f.nextID),
		IdempotencyToken: req.IdempotencyToken,
		ConversationID:   conversationID,
		SenderID:         "alice",
		Content:          req.Content,
		Kind:             req.Kind,
		ReplyToID:        req.ReplyToID,
		Attachment:       req.Attachment,
		Voice:            req.Voice,
		CreatedAt:        time.Now().UTC(),
		Status:           models.StatusSent,
	}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeBackend) EditMessage(_ context.Context, _, messageID, content string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].ID == messageID {
			f.messages[i].Content = content
			f.messages[i].IsEdited = true
			return f.messages[i], nil
		}
	}
	return models.Message{}, models.ConflictError("message not found: " + messageID)
}

func (f *fakeBackend) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].ID == messageID {
			f.messages[i].IsDeleted = true
			f.messages[i].Content = ""
			return nil
		}
	}
	return models.ConflictError("message not found: " + messageID)
}

func (f *fakeBackend) React(_ context.Context, messageID, emoji string) (api.ReactionAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	picks := f.reactions[messageID]
	if picks == nil {
		picks = make(map[string]string)
		f.reactions[messageID] = picks
	}
	if picks["alice"] == emoji {
		delete(picks, "alice")
	} else {
		picks["alice"] = emoji
	}

	counts := make(map[string]int)
	for _, e := range picks {
		counts[e]++
	}
	return api.ReactionAggregate{MessageID: messageID, Reactions: counts, OwnReaction: picks["alice"]}, nil
}

func (f *fakeBackend) SearchMessages(_ context.Context, _, query string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, msg := range f.messages {
		if strings.Contains(strings.ToLower(msg.Content), strings.ToLower(query)) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeBackend) SetTyping(_ context.Context, _ string, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, isTyping)
	return nil
}

func (f *fakeBackend) typingCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.typing))
	copy(out, f.typing)
	return out
}

// recordingUploader captures uploads and hands out stable references.
type recordingUploader struct {
	mu      sync.Mutex
	uploads int
	lastLen int
}

func (u *recordingUploader) Upload(_ context.Context, _, filename, mimeType string, payload io.Reader) (models.Attachment, error) {
	raw, err := io.ReadAll(payload)
	if err != nil {
		return models.Attachment{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads++
	u.lastLen = len(raw)
	return models.Attachment{
		FileName:   filename,
		MimeType:   mimeType,
		Size:       int64(len(raw)),
		StorageRef: fmt.Sprintf("blob-%d", u.uploads),
	}, nil
}

// quietIntervals keeps the background pollers out of the way so tests
// observe only the flows they drive.
func quietIntervals() syncer.Intervals {
	return syncer.Intervals{
		Messages:  time.Hour,
		Typing:    time.Hour,
		Presence:  time.Hour,
		Heartbeat: time.Hour,
	}
}

func openTestSession(t *testing.T, backend *fakeBackend, uploader Uploader, device capture.Device) *Session {
	t.Helper()
	sess, err := Open(Config{
		API:            backend,
		Uploader:       uploader,
		Device:         device,
		SelfID:         "alice",
		ConversationID: "conv-1",
		Kind:           models.ConversationDirect,
		PeerID:         "bob",
		Intervals:      quietIntervals(),
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Close)
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForEvent(t *testing.T, sess *Session, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sess.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestSendProducesExactlyOneSentMessage(t *testing.T) {
	backend := newFakeBackend()
	sess := openTestSession(t, backend, nil, nil)

	msg, err := sess.SendText(context.Background(), "Hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != models.StatusPending {
		t.Fatalf("optimistic status %s", msg.Status)
	}

	waitFor(t, "delivery confirmation", func() bool {
		snap := sess.Snapshot()
		return len(snap.Messages) == 1 && snap.Messages[0].Status == models.StatusSent
	})

	// A later poll of the same conversation must not duplicate it.
	if err := sess.ctrl.PollNow(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := sess.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("send produced %d messages, want exactly 1", len(snap.Messages))
	}
	if snap.Messages[0].Content != "Hello" {
		t.Fatalf("content %q", snap.Messages[0].Content)
	}
}

func TestSendRejectsInvalidDraft(t *testing.T) {
	backend := newFakeBackend()
	sess := openTestSession(t, backend, nil, nil)

	if _, err := sess.Send(context.Background(), models.Draft{Kind: "carrier-pigeon", Content: "x"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
	if _, err := sess.Send(context.Background(), models.Draft{Kind: models.MessageText}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("empty draft: want validation error, got %v", err)
	}
}

func TestSendFailureMarksFailedAndRetries(t *testing.T) {
	backend := newFakeBackend()
	backend.setSendErr(models.NetworkError(errors.New("socket closed")))
	sess := openTestSession(t, backend, nil, nil)

	msg, err := sess.SendText(context.Background(), "flaky", "")
	if err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, sess, EventSendFailed)
	if ev.MessageID != msg.LocalID {
		t.Fatalf("failure event for %q, want %q", ev.MessageID, msg.LocalID)
	}
	got, _ := sess.Message(msg.LocalID)
	if got.Status != models.StatusFailed {
		t.Fatalf("status %s after failure", got.Status)
	}

	// The network recovers; an explicit retry lands on the same slot.
	backend.setSendErr(nil)
	if err := sess.Retry(context.Background(), msg.LocalID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "retried delivery", func() bool {
		snap := sess.Snapshot()
		return len(snap.Messages) == 1 && snap.Messages[0].Status == models.StatusSent
	})
}

func TestRetryRequiresFailedState(t *testing.T) {
	backend := newFakeBackend()
	sess := openTestSession(t, backend, nil, nil)

	msg, _ := sess.SendText(context.Background(), "fine", "")
	waitFor(t, "delivery", func() bool {
		snap := sess.Snapshot()
		return len(snap.Messages) == 1 && snap.Messages[0].Status == models.StatusSent
	})

	if err := sess.Retry(context.Background(), msg.LocalID); !errors.Is(err, models.ErrConflict) && !errors.Is(err, models.ErrValidation) {
		t.Fatalf("retry of a delivered message: got %v", err)
	}
}

func TestAuthFailureSurfacesOnSend(t *testing.T) {
	backend := newFakeBackend()
	backend.setSendErr(models.AuthError("token expired"))
	sess := openTestSession(t, backend, nil, nil)

	if _, err := sess.SendText(context.Background(), "hello?", ""); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, sess, EventAuthExpired)
}

func TestReactReconcilesServerAggregate(t *testing.T) {
	backend := newFakeBackend()
	backend.seed(models.Message{ID: "m1", ConversationID: "conv-1", SenderID: "bob", Content: "hi", Kind: models.MessageText, CreatedAt: time.Now()})
	sess := openTestSession(t, backend, nil, nil)

	waitFor(t, "initial fetch", func() bool { return len(sess.Snapshot().Messages) == 1 })

	if err := sess.React(context.Background(), "m1", "👍"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reaction sync", func() bool {
		msg, _ := sess.Message("m1")
		return msg.OwnReaction == "👍" && msg.Reactions["👍"] == 1
	})

	stats := sess.TopReactions("m1", 3)
	if len(stats) != 1 || !stats[0].Own {
		t.Fatalf("stats %+v", stats)
	}
}

func TestEditAndDeletePropagate(t *testing.T) {
	backend := newFakeBackend()
	backend.seed(models.Message{ID: "m1", ConversationID: "conv-1", SenderID: "alice", Content: "typo", Kind: models.MessageText, CreatedAt: time.Now()})
	backend.seed(models.Message{ID: "m2", ConversationID: "conv-1", SenderID: "alice", Content: "oops", Kind: models.MessageText, CreatedAt: time.Now().Add(time.Second)})
	sess := openTestSession(t, backend, nil, nil)

	waitFor(t, "initial fetch", func() bool { return len(sess.Snapshot().Messages) == 2 })

	if err := sess.Edit(context.Background(), "m1", "fixed"); err != nil {
		t.Fatal(err)
	}
	msg, _ := sess.Message("m1")
	if msg.Content != "fixed" || !msg.IsEdited {
		t.Fatalf("local edit missing: %+v", msg)
	}
	waitFor(t, "edit to reach the server", func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.messages[0].IsEdited
	})

	if err := sess.Delete(context.Background(), "m2"); err != nil {
		t.Fatal(err)
	}
	msg, _ = sess.Message("m2")
	if !msg.IsDeleted || msg.Content != "" {
		t.Fatalf("local delete missing: %+v", msg)
	}
	if len(sess.Snapshot().Messages) != 2 {
		t.Fatal("delete removed the slot")
	}
	waitFor(t, "delete to reach the server", func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.messages[1].IsDeleted
	})

	// Editing a deleted message is refused locally.
	if err := sess.Edit(context.Background(), "m2", "resurrect"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("edit of deleted message: got %v", err)
	}
}

func TestSendClearsTypingSignal(t *testing.T) {
	backend := newFakeBackend()
	sess := openTestSession(t, backend, nil, nil)

	sess.Typing(context.Background())
	waitFor(t, "typing announcement", func() bool {
		calls := backend.typingCalls()
		return len(calls) == 1 && calls[0]
	})

	if _, err := sess.SendText(context.Background(), "done typing", ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "typing cleared", func() bool {
		calls := backend.typingCalls()
		return len(calls) == 2 && !calls[1]
	})
}

func TestVoiceMessageFlow(t *testing.T) {
	backend := newFakeBackend()
	uploader := &recordingUploader{}
	samples := make([]float64, 8000) // one second of silence
	device := capture.NewBufferDevice(samples, 8000)
	sess := openTestSession(t, backend, uploader, device)

	if err := sess.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "capture to drain", func() bool { return sess.Recorder().Elapsed() >= 1 })

	msg, err := sess.FinishRecording(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != models.MessageVoice || msg.Voice == nil {
		t.Fatalf("not a voice message: %+v", msg)
	}
	if msg.Voice.StorageRef != "blob-1" {
		t.Fatalf("storage ref %q", msg.Voice.StorageRef)
	}
	if msg.Voice.Duration != 1 {
		t.Fatalf("duration %v, want 1", msg.Voice.Duration)
	}

	waitFor(t, "voice delivery", func() bool {
		snap := sess.Snapshot()
		return len(snap.Messages) == 1 && snap.Messages[0].Status == models.StatusSent
	})
	if got := sess.Recorder().State(); got != capture.StateSent {
		t.Fatalf("recorder state %s after send", got)
	}

	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	if uploader.uploads != 1 {
		t.Fatalf("%d uploads, want 1", uploader.uploads)
	}
	if want := 44 + len(samples)*2; uploader.lastLen != want {
		t.Fatalf("uploaded %d bytes, want %d", uploader.lastLen, want)
	}
}

func TestSearchIsAFilteredView(t *testing.T) {
	backend := newFakeBackend()
	backend.seed(models.Message{ID: "m1", ConversationID: "conv-1", SenderID: "bob", Content: "deploy is done", Kind: models.MessageText, CreatedAt: time.Now()})
	backend.seed(models.Message{ID: "m2", ConversationID: "conv-1", SenderID: "bob", Content: "lunch?", Kind: models.MessageText, CreatedAt: time.Now().Add(time.Second)})
	sess := openTestSession(t, backend, nil, nil)

	waitFor(t, "initial fetch", func() bool { return len(sess.Snapshot().Messages) == 2 })

	results, err := sess.Search(context.Background(), "DEPLOY")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "m1" {
		t.Fatalf("results %+v", results)
	}
	// The store view is untouched by a search.
	if len(sess.Snapshot().Messages) != 2 {
		t.Fatal("search mutated the store")
	}
}

func TestOpenRequiresEssentials(t *testing.T) {
	if _, err := Open(Config{}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestUnreadClearsOnMarkViewed(t *testing.T) {
	backend := newFakeBackend()
	backend.seed(models.Message{ID: "m1", SenderID: "bob", Content: "hi", Kind: models.MessageText, CreatedAt: time.Now()})
	sess := openTestSession(t, backend, nil, nil)

	waitFor(t, "initial fetch", func() bool { return len(sess.Snapshot().Messages) == 1 })
	if got := sess.Snapshot().UnreadCount; got != 1 {
		t.Fatalf("unread before viewing %d, want 1", got)
	}

	sess.MarkViewed()
	snap := sess.Snapshot()
	if snap.UnreadCount != 0 {
		t.Fatalf("unread after viewing %d, want 0", snap.UnreadCount)
	}
	if snap.Messages[0].Status != models.StatusRead {
		t.Fatalf("viewed message is %q, want read", snap.Messages[0].Status)
	}
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	backend := newFakeBackend()
	backend.seed(models.Message{ID: "m1", SenderID: "bob", Content: "hi", Kind: models.MessageText, CreatedAt: time.Now()})
	sess := openTestSession(t, backend, nil, nil)
	waitFor(t, "initial fetch", func() bool { return len(sess.Snapshot().Messages) == 1 })
	sess.Close()

	if _, err := sess.SendText(context.Background(), "too late", ""); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("send after close: want conflict error, got %v", err)
	}
	if err := sess.React(context.Background(), "m1", "👍"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("react after close: want conflict error, got %v", err)
	}
	if err := sess.Edit(context.Background(), "m1", "edit"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("edit after close: want conflict error, got %v", err)
	}
	if err := sess.Delete(context.Background(), "m1"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("delete after close: want conflict error, got %v", err)
	}
	if err := sess.Retry(context.Background(), "m1"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("retry after close: want conflict error, got %v", err)
	}

	// Notification paths reached after teardown must be inert.
	sess.MarkViewed()
	sess.Typing(context.Background())
}
