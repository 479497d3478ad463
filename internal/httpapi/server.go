// Package httpapi exposes the declutter operations over HTTP.
package httpapi

import (
	"context"
	"strings"
	"time"

	"github.com/llmack/gmail-declutterer/internal/analysis"
	"github.com/llmack/gmail-declutterer/internal/declutter"
	"github.com/llmack/gmail-declutterer/internal/gmail"
	"github.com/llmack/gmail-declutterer/internal/log"
	"github.com/llmack/gmail-declutterer/internal/model"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Engine is the set of operations the API serves.
type Engine interface {
	Analyze(ctx context.Context) (*analysis.Report, error)
	List(ctx context.Context, cat model.Category) ([]model.CategoryResult, error)
	Summaries() []model.CategorySummary
	Groups(cat model.Category) []model.SenderGroup
	Stats(ctx context.Context) (model.Stats, error)
	Trash(ctx context.Context, req declutter.TrashRequest) (gmail.TrashOutcome, error)
	Exclude(ctx context.Context, sender string, on bool) error
	Exclusions() []string
	Move(ctx context.Context, sender string, source, target model.Category) (model.MoveRecord, error)
	Moves() []model.MoveRecord
	History(ctx context.Context, q declutter.HistoryQuery) (declutter.History, error)
	CreateRule(ctx context.Context, in declutter.RuleInput) (model.AutomationRule, error)
	Rules(ctx context.Context) ([]model.AutomationRule, error)
	DeleteRule(ctx context.Context, id string) error
	ApplyRule(ctx context.Context, id string) (declutter.RuleRun, error)
}

type Options struct {
	AllowOrigins string
	// RequestTimeout bounds the provider work of one request.
	RequestTimeout time.Duration
}

type Server struct {
	app    *fiber.App
	engine Engine
	opts   Options
	l      *logrus.Logger
}

func New(engine Engine, opts Options) *Server {
	if opts.AllowOrigins == "" {
		opts.AllowOrigins = "http://localhost:3000"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	s := &Server{
		engine: engine,
		opts:   opts,
		l:      log.Logger(log.LOG_SERVER),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "declutter",
		UnescapePath:          true,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				code = fe.Code
			}
			return failure(c, code, err.Error(), nil)
		},
	})
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: opts.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	s.app.Use(logger.New(logger.Config{
		Format: "${status} - ${latency} ${method} ${path}\n",
		Output: s.l.Writer(),
	}))
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.app.Group("/api")
	api.Get("/health", s.health)

	gm := api.Group("/gmail", Bearer())
	gm.Post("/analyze", s.analyze)
	gm.Get("/summaries", s.summaries)
	gm.Get("/stats", s.stats)
	gm.Get("/categories/:category", s.category)
	gm.Post("/trash", s.trash)

	api.Get("/history/deletions", s.history)

	api.Get("/exclusions", s.exclusions)
	api.Put("/exclusions/:sender", s.setExclusion(true))
	api.Delete("/exclusions/:sender", s.setExclusion(false))

	api.Get("/moves", s.moves)
	api.Post("/moves", s.move)

	rules := api.Group("/rules")
	rules.Get("", s.listRules)
	rules.Post("", s.createRule)
	rules.Delete("/:id", s.deleteRule)
	rules.Post("/:id/apply", Bearer(), s.applyRule)
}

// App returns the underlying fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.l.WithField("addr", addr).Info("Listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// Bearer requires an OAuth access token and attaches it to the request
// context for the provider adapter.
func Bearer() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return failure(c, fiber.StatusUnauthorized, "Authorization required", nil)
		}
		tok := &oauth2.Token{AccessToken: strings.TrimSpace(token), TokenType: "Bearer"}
		c.SetUserContext(gmail.WithToken(c.UserContext(), tok))
		return c.Next()
	}
}

// ctx derives the context handlers pass to the engine.
func (s *Server) ctx(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.opts.RequestTimeout)
}
