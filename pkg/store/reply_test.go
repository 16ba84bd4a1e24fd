package store

import (
	"strings"
	"testing"
	"time"

	"github.com/parley-im/chatcore/pkg/models"
)

func seedThread(t *testing.T) *Store {
	t.Helper()
	s := New("conv-1", "alice")
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.Reconcile([]models.Message{
		{ID: "root", SenderID: "bob", Content: "original question", Kind: models.MessageText, CreatedAt: at},
		{ID: "child", SenderID: "alice", Content: "an answer", Kind: models.MessageText, ReplyToID: "root", CreatedAt: at.Add(time.Second)},
		{ID: "grandchild", SenderID: "bob", Content: "a follow-up", Kind: models.MessageText, ReplyToID: "child", CreatedAt: at.Add(2 * time.Second)},
	})
	return s
}

func TestReplyPreviewSingleLevel(t *testing.T) {
	s := seedThread(t)

	// A reply to a reply quotes only its immediate parent, never the
	// chain above it.
	preview, ok := s.ReplyPreviewFor("grandchild")
	if !ok || !preview.Available {
		t.Fatalf("expected available preview, got %+v", preview)
	}
	if preview.MessageID != "child" || preview.Content != "an answer" {
		t.Fatalf("preview points past the immediate parent: %+v", preview)
	}
}

func TestReplyPreviewTruncates(t *testing.T) {
	s := New("conv-1", "alice")
	long := strings.Repeat("щ", 120)
	s.Reconcile([]models.Message{
		{ID: "p", SenderID: "bob", Content: long, Kind: models.MessageText, CreatedAt: time.Now()},
		{ID: "r", SenderID: "alice", Content: "re", Kind: models.MessageText, ReplyToID: "p", CreatedAt: time.Now().Add(time.Second)},
	})

	preview, _ := s.ReplyPreviewFor("r")
	runes := []rune(preview.Content)
	if len(runes) != previewCap {
		t.Fatalf("preview length %d, want %d", len(runes), previewCap)
	}
	if runes[len(runes)-1] != '…' {
		t.Fatal("truncated preview missing ellipsis")
	}
}

func TestReplyPreviewForVoiceParent(t *testing.T) {
	s := New("conv-1", "alice")
	s.Reconcile([]models.Message{
		{ID: "p", SenderID: "bob", Kind: models.MessageVoice, Voice: &models.VoiceClip{StorageRef: "x", Duration: 2}, CreatedAt: time.Now()},
		{ID: "r", SenderID: "alice", Content: "nice", Kind: models.MessageText, ReplyToID: "p", CreatedAt: time.Now().Add(time.Second)},
	})

	preview, _ := s.ReplyPreviewFor("r")
	if preview.Content != "[voice message]" {
		t.Fatalf("unexpected voice placeholder %q", preview.Content)
	}
}

func TestReplyPreviewDeletedParentUnavailable(t *testing.T) {
	s := seedThread(t)
	s.MarkDeleted("root")

	preview, ok := s.ReplyPreviewFor("child")
	if !ok {
		t.Fatal("expected a placeholder preview")
	}
	if preview.Available {
		t.Fatal("deleted parent must render as unavailable")
	}
	if preview.MessageID != "root" {
		t.Fatalf("placeholder lost the reference: %+v", preview)
	}
}

func TestReplyPreviewMissingParent(t *testing.T) {
	s := New("conv-1", "alice")
	s.Reconcile([]models.Message{
		{ID: "r", SenderID: "alice", Content: "re", Kind: models.MessageText, ReplyToID: "gone", CreatedAt: time.Now()},
	})

	preview, ok := s.ReplyPreviewFor("r")
	if !ok || preview.Available {
		t.Fatalf("missing parent must be an unavailable placeholder: %+v ok=%v", preview, ok)
	}
}

func TestResolveReply(t *testing.T) {
	s := seedThread(t)
	parent, ok := s.ResolveReply("child")
	if !ok || parent.ID != "root" {
		t.Fatalf("resolve failed: %+v ok=%v", parent, ok)
	}
	if _, ok := s.ResolveReply("root"); ok {
		t.Fatal("non-reply resolved to a parent")
	}
}
