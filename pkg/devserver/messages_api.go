package devserver

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/parley-im/chatcore/pkg/models"
)

func (s *Server) conversationSummary(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")
	return c.JSON(s.state.summary(conversationID, callerID(c), c.Query("peer")))
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")
	return c.JSON(s.state.listMessages(conversationID, callerID(c)))
}

func (s *Server) searchMessages(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")
	query := c.Query("query")
	if len(query) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "search query is required")
	}
	return c.JSON(s.state.searchMessages(conversationID, callerID(c), query))
}

func (s *Server) newMessage(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")

	var data struct {
		Content          string             `json:"content"`
		Kind             models.MessageKind `json:"kind" validate:"required,oneof=text image file voice"`
		ReplyToID        string             `json:"reply_to_id"`
		IdempotencyToken string             `json:"idempotency_token"`
		Attachment       *models.Attachment `json:"attachment"`
		Voice            *models.VoiceClip  `json:"voice"`
	}
	if err := BindAndValidate(c, &data); err != nil {
		return err
	}

	data.Content = strings.TrimSpace(data.Content)
	if len(data.Content) == 0 && data.Attachment == nil && data.Voice == nil {
		return fiber.NewError(fiber.StatusBadRequest, "empty message was not allowed")
	}

	msg := s.state.appendMessage(conversationID, models.Message{
		SenderID:         callerID(c),
		Content:          data.Content,
		Kind:             data.Kind,
		ReplyToID:        data.ReplyToID,
		IdempotencyToken: data.IdempotencyToken,
		Attachment:       data.Attachment,
		Voice:            data.Voice,
	})

	// Sending also clears the sender's typing signal.
	s.state.setTyping(conversationID, callerID(c), callerName(c), false, typingTTL)

	return c.JSON(msg)
}

func (s *Server) editMessage(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")
	messageID := c.Params("messageId")

	var data struct {
		Content string `json:"content" validate:"required"`
	}
	if err := BindAndValidate(c, &data); err != nil {
		return err
	}

	msg, ok := s.state.editMessage(conversationID, messageID, callerID(c), data.Content)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "message not found or not editable")
	}
	return c.JSON(msg)
}

func (s *Server) deleteMessage(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")
	messageID := c.Params("messageId")

	if !s.state.deleteMessage(conversationID, messageID, callerID(c)) {
		return fiber.NewError(fiber.StatusNotFound, "message not found or not deletable")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) react(c *fiber.Ctx) error {
	messageID := c.Params("messageId")

	var data struct {
		Emoji string `json:"emoji" validate:"required"`
	}
	if err := BindAndValidate(c, &data); err != nil {
		return err
	}

	counts, own := s.state.toggleReaction(messageID, callerID(c), data.Emoji)
	return c.JSON(fiber.Map{
		"message_id":   messageID,
		"reactions":    counts,
		"own_reaction": own,
	})
}
