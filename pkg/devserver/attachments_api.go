package devserver

import (
	"io"

	"github.com/gofiber/fiber/v2"
)

func (s *Server) uploadAttachment(c *fiber.Ctx) error {
	header, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "multipart file field is required")
	}

	file, err := header.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "unable to open uploaded file")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "unable to read uploaded file")
	}

	mime := c.Get("X-Payload-Type")
	if mime == "" {
		mime = header.Header.Get("Content-Type")
	}

	ref := s.state.putBlob(header.Filename, mime, data)
	s.log.Debug().Str("ref", ref).Int("size", len(data)).Msg("Stored uploaded payload.")

	return c.JSON(fiber.Map{
		"storage_reference": ref,
		"mime_type":         mime,
		"size":              len(data),
	})
}

func (s *Server) readAttachment(c *fiber.Ctx) error {
	b, ok := s.state.getBlob(c.Params("ref"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "attachment not found")
	}
	if b.mime != "" {
		c.Set(fiber.HeaderContentType, b.mime)
	}
	return c.Send(b.data)
}
