package devserver

import (
	"github.com/gofiber/fiber/v2"

	"github.com/parley-im/chatcore/pkg/models"
)

func (s *Server) listTyping(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")
	signals := s.state.listTyping(conversationID)
	if signals == nil {
		signals = []models.TypingSignal{}
	}
	return c.JSON(signals)
}

func (s *Server) setTyping(c *fiber.Ctx) error {
	conversationID := c.Params("conversationId")

	var data struct {
		IsTyping bool `json:"is_typing"`
	}
	if err := BindAndValidate(c, &data); err != nil {
		return err
	}

	s.state.setTyping(conversationID, callerID(c), callerName(c), data.IsTyping, typingTTL)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) getUserStatus(c *fiber.Ctx) error {
	return c.JSON(s.state.userStatus(c.Params("userId")))
}

func (s *Server) heartbeat(c *fiber.Ctx) error {
	s.state.heartbeat(callerID(c))
	return c.SendStatus(fiber.StatusNoContent)
}
