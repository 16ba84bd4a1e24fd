// Package devserver is an in-memory stand-in for the message backend:
// the full REST surface the client core talks to, without persistence.
// It exists for local development and end-to-end exercising of the
// client; it is not the product server.
package devserver

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	jsoniter "github.com/json-iterator/go"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	typingTTL        = 2 * time.Second
	presenceStale    = 90 * time.Second
	defaultTokenTTL  = 24 * time.Hour
	maxAttachmentMiB = 50
)

type Config struct {
	TokenSecret string
	Logger      zerolog.Logger
}

type Server struct {
	app    *fiber.App
	state  *state
	quartz *cron.Cron
	secret string
	log    zerolog.Logger
}

func New(cfg Config) *Server {
	s := &Server{
		state:  newState(),
		secret: cfg.TokenSecret,
		log:    cfg.Logger,
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "chatmockd",
		JSONEncoder:           jsoniter.ConfigCompatibleWithStandardLibrary.Marshal,
		JSONDecoder:           jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal,
		BodyLimit:             maxAttachmentMiB * 1024 * 1024,
	})

	s.app.Use(cors.New())
	s.app.Use(logger.New(logger.Config{
		Format: "${status} | ${latency} | ${method} ${path}\n",
		Output: s.log,
	}))

	s.mapRoutes()

	s.quartz = cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&s.log)))
	s.quartz.AddFunc("@every 5s", s.doSweep)

	return s
}

func (s *Server) mapRoutes() {
	auth := s.app.Group("/auth")
	{
		auth.Post("/token", s.issueTokenHandler)
	}

	conversations := s.app.Group("/conversations/:conversationId").Use(s.authMiddleware).Name("Conversations API")
	{
		conversations.Get("/summary", s.conversationSummary)
		conversations.Get("/messages", s.listMessages)
		conversations.Post("/messages", s.newMessage)
		conversations.Get("/messages/search", s.searchMessages)
		conversations.Put("/messages/:messageId", s.editMessage)
		conversations.Delete("/messages/:messageId", s.deleteMessage)

		conversations.Post("/attachment", s.uploadAttachment)

		conversations.Get("/typing", s.listTyping)
		conversations.Post("/typing", s.setTyping)
	}

	s.app.Get("/attachments/:ref", s.authMiddleware, s.readAttachment)
	s.app.Post("/messages/:messageId/reaction", s.authMiddleware, s.react)
	s.app.Get("/users/:userId/status", s.authMiddleware, s.getUserStatus)
	s.app.Post("/users/heartbeat", s.authMiddleware, s.heartbeat)
}

// App exposes the underlying fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the sweeper and serves until the listener fails.
func (s *Server) Listen(addr string) error {
	s.quartz.Start()
	defer s.quartz.Stop()
	s.log.Info().Str("addr", addr).Msg("Development chat backend is started...")
	return s.app.Listen(addr)
}

// Shutdown stops the sweeper and the HTTP server.
func (s *Server) Shutdown() error {
	s.quartz.Stop()
	return s.app.Shutdown()
}

func (s *Server) doSweep() {
	if removed := s.state.sweep(presenceStale); removed > 0 {
		s.log.Debug().Int("removed", removed).Msg("Swept expired typing signals.")
	}
}

func (s *Server) issueTokenHandler(c *fiber.Ctx) error {
	var data struct {
		UserID      string `json:"user_id" validate:"required"`
		DisplayName string `json:"display_name"`
	}
	if err := BindAndValidate(c, &data); err != nil {
		return err
	}

	tks, err := s.IssueToken(data.UserID, data.DisplayName, defaultTokenTTL)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"token": tks})
}
