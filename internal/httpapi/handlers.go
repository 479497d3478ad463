package httpapi

import (
	"errors"

	"github.com/llmack/gmail-declutterer/internal/declutter"
	"github.com/llmack/gmail-declutterer/internal/gmail"
	"github.com/llmack/gmail-declutterer/internal/model"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func (s *Server) health(c *fiber.Ctx) error {
	return success(c, fiber.StatusOK, fiber.Map{"status": "ok"})
}

func (s *Server) analyze(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	report, err := s.engine.Analyze(ctx)
	if err != nil {
		return fail(c, "Analysis", err)
	}
	failed := map[model.Category]string{}
	for cat, cr := range report.Categories {
		if cr.Err != nil {
			failed[cat] = cr.Err.Error()
		}
	}
	return success(c, fiber.StatusOK, fiber.Map{
		"generation": report.Generation,
		"summaries":  s.engine.Summaries(),
		"failed":     failed,
	})
}

func (s *Server) summaries(c *fiber.Ctx) error {
	return success(c, fiber.StatusOK, s.engine.Summaries())
}

func (s *Server) stats(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	st, err := s.engine.Stats(ctx)
	if err != nil {
		return fail(c, "Stats", err)
	}
	return success(c, fiber.StatusOK, st)
}

func (s *Server) category(c *fiber.Ctx) error {
	cat, err := model.ParseCategory(c.Params("category"))
	if err != nil {
		return fail(c, "Category", err)
	}
	ctx, cancel := s.ctx(c)
	defer cancel()
	results, err := s.engine.List(ctx, cat)
	if err != nil {
		return fail(c, "Category", err)
	}
	return success(c, fiber.StatusOK, fiber.Map{
		"category": cat,
		"count":    len(results),
		"results":  results,
		"senders":  s.engine.Groups(cat),
	})
}

type senderInfo struct {
	Email string `json:"email" validate:"required"`
	Name  string `json:"name"`
}

type trashRequest struct {
	MessageIDs []string    `json:"messageIds" validate:"required,min=1,dive,required"`
	Category   string      `json:"category" validate:"required"`
	SenderInfo *senderInfo `json:"senderInfo"`
}

func (s *Server) trash(c *fiber.Ctx) error {
	var in trashRequest
	if err := c.BodyParser(&in); err != nil {
		return failure(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := validateStruct(in); err != nil {
		return failure(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	cat, err := model.ParseCategory(in.Category)
	if err != nil {
		return fail(c, "Trash", err)
	}
	req := declutter.TrashRequest{IDs: in.MessageIDs, Category: cat}
	if in.SenderInfo != nil {
		req.Sender = &model.Sender{Name: in.SenderInfo.Name, Address: in.SenderInfo.Email}
	}

	ctx, cancel := s.ctx(c)
	defer cancel()
	out, err := s.engine.Trash(ctx, req)
	if !out.Success() {
		if err == nil {
			err = gmail.ErrTotalBatchFailure
		}
		resp := fiber.Map{"success": false, "error": "Trash failed", "details": err.Error()}
		if out.Results != nil {
			resp["data"] = out
		}
		return c.Status(statusFor(err)).JSON(resp)
	}

	status := fiber.StatusOK
	resp := fiber.Map{"success": true, "data": out}
	if out.Status == gmail.StatusPartial {
		status = fiber.StatusMultiStatus
		resp["warning"] = out.Warning()
	}
	if err != nil {
		// Some messages were trashed before the batch stopped.
		s.l.WithError(err).WithField("succeeded", out.Succeeded).Warn("Trash batch interrupted")
		resp["details"] = err.Error()
	}
	return c.Status(status).JSON(resp)
}

func (s *Server) history(c *fiber.Ctx) error {
	q := declutter.HistoryQuery{Days: c.QueryInt("days", 30), Limit: c.QueryInt("limit", 0)}
	if raw := c.Query("category"); raw != "" {
		cat, err := model.ParseCategory(raw)
		if err != nil {
			return fail(c, "History", err)
		}
		q.Category = cat
	}
	h, err := s.engine.History(c.UserContext(), q)
	if err != nil {
		return fail(c, "History", err)
	}
	type entry struct {
		model.DeletionRecord
		TrashURL string `json:"trashUrl"`
	}
	entries := make([]entry, len(h.Records))
	for i, r := range h.Records {
		entries[i] = entry{DeletionRecord: r, TrashURL: r.TrashSearchURL()}
	}
	return success(c, fiber.StatusOK, fiber.Map{
		"records":      entries,
		"totalDeleted": h.TotalDeleted,
		"days":         q.Days,
	})
}

func (s *Server) exclusions(c *fiber.Ctx) error {
	return success(c, fiber.StatusOK, s.engine.Exclusions())
}

func (s *Server) setExclusion(on bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sender := c.Params("sender")
		if sender == "" {
			return failure(c, fiber.StatusBadRequest, "Sender is required", nil)
		}
		if err := s.engine.Exclude(c.UserContext(), sender, on); err != nil {
			return fail(c, "Exclusion", err)
		}
		s.l.WithFields(logrus.Fields{"sender": sender, "excluded": on}).Info("Exclusion changed")
		return success(c, fiber.StatusOK, s.engine.Exclusions())
	}
}

func (s *Server) moves(c *fiber.Ctx) error {
	return success(c, fiber.StatusOK, s.engine.Moves())
}

type moveRequest struct {
	Sender string `json:"sender" validate:"required"`
	Source string `json:"sourceCategory" validate:"required"`
	Target string `json:"targetCategory" validate:"required"`
}

func (s *Server) move(c *fiber.Ctx) error {
	var in moveRequest
	if err := c.BodyParser(&in); err != nil {
		return failure(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := validateStruct(in); err != nil {
		return failure(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	src, err := model.ParseCategory(in.Source)
	if err != nil {
		return fail(c, "Move", err)
	}
	dst, err := model.ParseCategory(in.Target)
	if err != nil {
		return fail(c, "Move", err)
	}
	mv, err := s.engine.Move(c.UserContext(), in.Sender, src, dst)
	if err != nil {
		return fail(c, "Move", err)
	}
	return success(c, fiber.StatusCreated, mv)
}

func (s *Server) listRules(c *fiber.Ctx) error {
	rules, err := s.engine.Rules(c.UserContext())
	if err != nil {
		return fail(c, "Rules", err)
	}
	return success(c, fiber.StatusOK, rules)
}

type ruleRequest struct {
	Category      string `json:"category" validate:"required"`
	OlderThanDays int    `json:"olderThanDays" validate:"min=0"`
	Frequency     string `json:"frequency" validate:"required"`
}

func (s *Server) createRule(c *fiber.Ctx) error {
	var in ruleRequest
	if err := c.BodyParser(&in); err != nil {
		return failure(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := validateStruct(in); err != nil {
		return failure(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	cat, err := model.ParseCategory(in.Category)
	if err != nil {
		return fail(c, "Rule", err)
	}
	freq, err := declutter.ParseFrequency(in.Frequency)
	if err != nil {
		return fail(c, "Rule", err)
	}
	rule, err := s.engine.CreateRule(c.UserContext(), declutter.RuleInput{
		Category:      cat,
		OlderThanDays: in.OlderThanDays,
		Frequency:     freq,
	})
	if err != nil {
		return fail(c, "Rule", err)
	}
	return success(c, fiber.StatusCreated, rule)
}

func (s *Server) deleteRule(c *fiber.Ctx) error {
	if err := s.engine.DeleteRule(c.UserContext(), c.Params("id")); err != nil {
		return fail(c, "Rule", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) applyRule(c *fiber.Ctx) error {
	ctx, cancel := s.ctx(c)
	defer cancel()
	run, err := s.engine.ApplyRule(ctx, c.Params("id"))
	if err != nil {
		if errors.Is(err, gmail.ErrTotalBatchFailure) && run.Outcome != nil {
			return c.Status(statusFor(err)).JSON(fiber.Map{"success": false, "error": "Rule failed", "details": err.Error(), "data": run})
		}
		return fail(c, "Rule", err)
	}
	return success(c, fiber.StatusOK, run)
}
