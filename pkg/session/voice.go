package session

import (
	"bytes"
	"context"

	"github.com/parley-im/chatcore/pkg/capture"
	"github.com/parley-im/chatcore/pkg/models"
)

// Recorder exposes the capture state machine for this session, or nil
// when no audio device was configured.
func (s *Session) Recorder() *capture.Recorder {
	return s.recorder
}

// StartRecording acquires the microphone and begins a voice capture.
func (s *Session) StartRecording(ctx context.Context) error {
	if s.recorder == nil {
		return models.DeviceError(capture.ErrDeviceBusy)
	}
	return s.recorder.Start(ctx)
}

// FinishRecording finalizes the capture and sends it as a voice
// message: upload first, then an optimistic Voice-kind insert; local
// buffers are dropped once the payload is handed off.
func (s *Session) FinishRecording(ctx context.Context) (models.Message, error) {
	if s.recorder == nil {
		return models.Message{}, models.ValidationError("no recorder configured")
	}
	clip, err := s.recorder.Stop()
	if err != nil {
		return models.Message{}, err
	}
	return s.SendVoice(ctx, clip)
}

// SendVoice uploads a finalized clip and sends the Voice message.
func (s *Session) SendVoice(ctx context.Context, clip capture.Clip) (models.Message, error) {
	if s.cfg.Uploader == nil {
		return models.Message{}, models.ValidationError("no uploader configured")
	}
	if len(clip.Payload) == 0 {
		return models.Message{}, models.ValidationError("voice clip is empty")
	}

	att, err := s.cfg.Uploader.Upload(ctx, s.cfg.ConversationID, "voice.wav", clip.MimeType, bytes.NewReader(clip.Payload))
	if err != nil {
		return models.Message{}, err
	}

	msg, err := s.Send(ctx, models.Draft{
		Kind:  models.MessageVoice,
		Voice: &models.VoiceClip{StorageRef: att.StorageRef, Duration: clip.Duration},
	})
	if err != nil {
		return models.Message{}, err
	}
	if s.recorder != nil && s.recorder.State() == capture.StateStopped {
		_ = s.recorder.MarkSent()
	}
	return msg, nil
}

// SendAttachment uploads a binary payload and sends it as a File or
// Image message.
func (s *Session) SendAttachment(ctx context.Context, kind models.MessageKind, filename, mimeType string, payload []byte) (models.Message, error) {
	if s.cfg.Uploader == nil {
		return models.Message{}, models.ValidationError("no uploader configured")
	}
	if kind != models.MessageFile && kind != models.MessageImage {
		return models.Message{}, models.ValidationError("attachment kind must be file or image")
	}

	att, err := s.cfg.Uploader.Upload(ctx, s.cfg.ConversationID, filename, mimeType, bytes.NewReader(payload))
	if err != nil {
		return models.Message{}, err
	}
	return s.Send(ctx, models.Draft{Kind: kind, Attachment: &att})
}
