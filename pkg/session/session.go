// Package session is the per-open-conversation façade the UI layer
// drives: explicit async operations in, state-change notifications out.
// Protocol logic stays here and below; presentation stays outside.
package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/parley-im/chatcore/pkg/api"
	"github.com/parley-im/chatcore/pkg/capture"
	"github.com/parley-im/chatcore/pkg/models"
	"github.com/parley-im/chatcore/pkg/presence"
	"github.com/parley-im/chatcore/pkg/store"
	"github.com/parley-im/chatcore/pkg/syncer"
)

var validate = validator.New()

// EventType tags the state-change notifications consumers subscribe to.
type EventType string

const (
	EventUpdated     EventType = "updated"
	EventSendFailed  EventType = "send.failed"
	EventAuthExpired EventType = "auth.expired"
	EventDevice      EventType = "device.error"
	EventConflict    EventType = "conflict"
)

type Event struct {
	Type      EventType
	MessageID string
	Err       error
}

// ChatAPI is everything the session needs from the message backend.
// *api.Client satisfies it.
type ChatAPI interface {
	syncer.API
	SendMessage(ctx context.Context, conversationID string, req api.SendMessageRequest) (models.Message, error)
	EditMessage(ctx context.Context, conversationID, messageID, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	React(ctx context.Context, messageID, emoji string) (api.ReactionAggregate, error)
	SearchMessages(ctx context.Context, conversationID, query string) ([]models.Message, error)
	SetTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// Uploader is the attachment transfer surface. *transfer.Client
// satisfies it.
type Uploader interface {
	Upload(ctx context.Context, conversationID, filename, mimeType string, payload io.Reader) (models.Attachment, error)
}

type Config struct {
	API            ChatAPI
	Uploader       Uploader
	Device         capture.Device
	SelfID         string
	ConversationID string
	Kind           models.ConversationKind
	PeerID         string
	Intervals      syncer.Intervals
	Logger         zerolog.Logger
}

type Session struct {
	cfg Config
	log zerolog.Logger

	store     *store.Store
	tracker   *presence.Tracker
	announcer *presence.Announcer
	ctrl      *syncer.Controller
	recorder  *capture.Recorder

	reactMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	eventMu      sync.RWMutex
	events       chan Event
	eventsClosed bool

	closeOnce sync.Once
}

// Open builds the session and starts its synchronization loops.
// Closing a conversation discards the in-memory store; nothing is
// retained across sessions.
func Open(cfg Config) (*Session, error) {
	if cfg.API == nil || cfg.SelfID == "" || cfg.ConversationID == "" {
		return nil, models.ValidationError("api, self id and conversation id are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		log:       cfg.Logger,
		store:     store.New(cfg.ConversationID, cfg.SelfID),
		tracker:   presence.NewTracker(cfg.SelfID),
		announcer: presence.NewAnnouncer(cfg.API, cfg.ConversationID, cfg.Logger),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan Event, 16),
	}

	s.ctrl = syncer.New(syncer.Config{
		API:            cfg.API,
		Store:          s.store,
		Tracker:        s.tracker,
		ConversationID: cfg.ConversationID,
		Kind:           cfg.Kind,
		PeerID:         cfg.PeerID,
		Intervals:      cfg.Intervals,
		Logger:         cfg.Logger,
		OnAuthError: func(err error) {
			s.emit(Event{Type: EventAuthExpired, Err: err})
		},
	})

	if cfg.Device != nil {
		s.recorder = capture.NewRecorder(cfg.Device, cfg.Logger)
		s.recorder.OnDeviceError(func(err error) {
			s.emit(Event{Type: EventDevice, Err: err})
		})
	}

	s.ctrl.Start()
	s.wg.Add(1)
	go s.forwardUpdates()

	// Prime the view; a failure here is the same as a failed poll and
	// the next tick covers it.
	if err := s.ctrl.PollNow(ctx); err != nil {
		s.log.Debug().Err(err).Msg("Initial fetch failed, relying on the poll loop...")
	}

	return s, nil
}

func (s *Session) forwardUpdates() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ctrl.Updates():
			s.emit(Event{Type: EventUpdated})
		}
	}
}

func (s *Session) emit(ev Event) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// A saturated consumer only loses intermediate notifications;
		// the snapshot always reflects the latest state.
	}
}

// closed reports whether Close has torn the session down. Operations
// invoked afterwards are rejected instead of racing the teardown.
func (s *Session) closed() bool {
	return s.ctx.Err() != nil
}

// Events is the notification stream the UI subscribes to.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Send validates and optimistically inserts a draft, then pushes it to
// the server off the caller's goroutine. Returns the optimistic entry
// with its local id.
func (s *Session) Send(ctx context.Context, draft models.Draft) (models.Message, error) {
	if s.closed() {
		return models.Message{}, models.ConflictError("conversation is closed")
	}
	if err := validate.Struct(draft); err != nil {
		return models.Message{}, models.ValidationError("invalid draft: %v", err)
	}

	msg, err := s.store.InsertOptimistic(draft)
	if err != nil {
		return models.Message{}, err
	}

	// Sending clears the local typing signal immediately.
	s.announcer.Idle(ctx)
	s.emit(Event{Type: EventUpdated})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(msg)
	}()

	return msg, nil
}

// SendText is a convenience wrapper for the plain text case.
func (s *Session) SendText(ctx context.Context, content, replyToID string) (models.Message, error) {
	return s.Send(ctx, models.Draft{Content: content, Kind: models.MessageText, ReplyToID: replyToID})
}

func (s *Session) deliver(msg models.Message) {
	req := api.SendMessageRequest{
		Content:          msg.Content,
		Kind:             msg.Kind,
		ReplyToID:        msg.ReplyToID,
		IdempotencyToken: msg.IdempotencyToken,
		Attachment:       msg.Attachment,
		Voice:            msg.Voice,
	}

	confirmed, err := s.cfg.API.SendMessage(s.ctx, s.cfg.ConversationID, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// A failed user-initiated send is never silent: the entry is
		// marked Failed with an explicit retry action.
		s.store.MarkFailed(msg.LocalID)
		s.emit(Event{Type: EventSendFailed, MessageID: msg.LocalID, Err: err})
		if errors.Is(err, models.ErrAuth) {
			s.emit(Event{Type: EventAuthExpired, Err: err})
		}
		return
	}

	if confirmed.IdempotencyToken == "" {
		confirmed.IdempotencyToken = msg.IdempotencyToken
	}
	s.store.Reconcile([]models.Message{confirmed})
	s.emit(Event{Type: EventUpdated})
}

// Retry re-attempts a failed send on the same optimistic slot.
func (s *Session) Retry(ctx context.Context, localID string) error {
	if s.closed() {
		return models.ConflictError("conversation is closed")
	}
	msg, ok := s.store.Get(localID)
	if !ok {
		return models.ConflictError("message not found: " + localID)
	}
	if msg.Status != models.StatusFailed {
		return models.ValidationError("message is not in a retriable state")
	}
	s.store.MarkRetrying(localID)
	s.emit(Event{Type: EventUpdated})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(msg)
	}()
	return nil
}

// React toggles the local user's reaction and reconciles the
// authoritative aggregate afterwards. Toggles are serialized so rapid
// taps resolve last-wins instead of interleaving.
func (s *Session) React(ctx context.Context, messageID, emoji string) error {
	if s.closed() {
		return models.ConflictError("conversation is closed")
	}
	if _, err := s.store.ApplyReaction(messageID, emoji); err != nil {
		return err
	}
	s.emit(Event{Type: EventUpdated})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reactMu.Lock()
		defer s.reactMu.Unlock()

		agg, err := s.cfg.API.React(s.ctx, messageID, emoji)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Debug().Err(err).Str("message", messageID).Msg("Reaction sync failed, poll will reconcile...")
			}
			return
		}
		s.store.SetReactions(messageID, agg.Reactions, agg.OwnReaction)
		s.emit(Event{Type: EventUpdated})
	}()
	return nil
}

// Edit applies a local edit and confirms it with the server
// (last-writer-wins).
func (s *Session) Edit(ctx context.Context, messageID, content string) error {
	if s.closed() {
		return models.ConflictError("conversation is closed")
	}
	if len(content) == 0 {
		return models.ValidationError("edited content must not be empty")
	}
	if !s.store.MarkEdited(messageID, content) {
		return models.ConflictError("message not found or deleted: " + messageID)
	}
	s.emit(Event{Type: EventUpdated})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.cfg.API.EditMessage(s.ctx, s.cfg.ConversationID, messageID, content); err != nil {
			s.reportMutation("edit", messageID, err)
		}
	}()
	return nil
}

// Delete soft-deletes: the slot stays to preserve ordering and reply
// references.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	if s.closed() {
		return models.ConflictError("conversation is closed")
	}
	if !s.store.MarkDeleted(messageID) {
		return models.ConflictError("message not found: " + messageID)
	}
	s.emit(Event{Type: EventUpdated})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.cfg.API.DeleteMessage(s.ctx, s.cfg.ConversationID, messageID); err != nil {
			s.reportMutation("delete", messageID, err)
		}
	}()
	return nil
}

func (s *Session) reportMutation(op, messageID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, models.ErrConflict) {
		s.emit(Event{Type: EventConflict, MessageID: messageID, Err: err})
		return
	}
	s.log.Debug().Err(err).Str("op", op).Str("message", messageID).Msg("Mutation sync failed...")
}

// MarkViewed acknowledges the rendered conversation as read. Call it
// when the view actually becomes visible, not on every fetch.
func (s *Session) MarkViewed() {
	if s.store.MarkViewed() {
		s.emit(Event{Type: EventUpdated})
	}
}

// Typing reports local input activity; announcements are coalesced.
func (s *Session) Typing(ctx context.Context) {
	s.announcer.Input(ctx)
}

// Search runs an in-conversation server-side search. Results are a
// filtered view, not merged into the store.
func (s *Session) Search(ctx context.Context, query string) ([]models.Message, error) {
	return s.cfg.API.SearchMessages(ctx, s.cfg.ConversationID, query)
}

// Resume restarts polling after the credential was refreshed.
func (s *Session) Resume() {
	s.ctrl.Resume()
}

// Close tears down timers, in-flight work and the recorder before the
// store is discarded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.announcer.Close()
		if s.recorder != nil {
			s.recorder.Close()
		}
		s.cancel()
		s.ctrl.Close()
		s.wg.Wait()

		s.eventMu.Lock()
		s.eventsClosed = true
		close(s.events)
		s.eventMu.Unlock()
	})
}
