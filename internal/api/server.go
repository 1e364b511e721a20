// Package api serves the session manager over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/logits"
	"github.com/samcharles93/ember/internal/metrics"
	"github.com/samcharles93/ember/internal/session"
	"github.com/samcharles93/ember/internal/version"
)

const (
	routeInfer    = "/infer"
	routeFork     = "/fork"
	routeDrop     = "/drop"
	routeSessions = "/sessions"
	routeHealth   = "/healthz"
	routeMetrics  = "/metrics"
)

var tracer = otel.Tracer("github.com/samcharles93/ember/internal/api")

type Server struct {
	sessions *session.Manager
	metrics  *metrics.Metrics
	log      logger.Logger
}

func NewServer(sessions *session.Manager, m *metrics.Metrics, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		sessions: sessions,
		metrics:  m,
		log:      log.With(logger.ComponentKey, "api"),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST(routeInfer, s.handleInfer)
	e.POST(routeFork, s.handleFork)
	e.POST(routeDrop, s.handleDrop)
	e.GET(routeSessions, s.handleSessions)
	e.GET(routeHealth, s.handleHealth)
	if s.metrics != nil {
		h := promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})
		e.GET(routeMetrics, func(c *echo.Context) error {
			h.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
}

func (s *Server) handleInfer(c *echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "infer")
	defer span.End()

	req, err := decodeBody[InferRequest](c)
	if err != nil {
		return s.fail(c, routeInfer, span, err)
	}
	sreq, err := req.sessionRequest()
	if err != nil {
		return s.fail(c, routeInfer, span, err)
	}
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.Int("inputs", len(req.Inputs)),
		attribute.Bool("stream", req.Stream),
	)
	if req.Stream {
		return s.streamInfer(ctx, c, span, sreq)
	}

	res, err := s.sessions.Infer(ctx, sreq)
	if err != nil {
		return s.fail(c, routeInfer, span, err)
	}
	annotate(span, res)
	return s.reply(c, routeInfer, http.StatusOK, inferResponse(res))
}

func (s *Server) streamInfer(ctx context.Context, c *echo.Context, span trace.Span, req session.Request) error {
	w, err := NewSSEStreamWriter(c)
	if err != nil {
		return s.fail(c, routeInfer, span, newInvalidRequest(err.Error()))
	}
	req.OnToken = w.Token
	res, err := s.sessions.Infer(ctx, req)
	if err != nil {
		if !w.Started() {
			return s.fail(c, routeInfer, span, err)
		}
		body := errorBody(err)
		s.record(span, body, err)
		s.metrics.Request(routeInfer, body.Status)
		return w.Error(body)
	}
	annotate(span, res)
	s.metrics.Request(routeInfer, http.StatusOK)
	return w.Done(inferResponse(res))
}

func (s *Server) handleFork(c *echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "fork")
	defer span.End()

	req, err := decodeBody[ForkRequest](c)
	if err != nil {
		return s.fail(c, routeFork, span, err)
	}
	if req.SessionID == "" {
		return s.fail(c, routeFork, span, newInvalidRequest("missing field `session_id`"))
	}
	span.SetAttributes(attribute.String("session.id", req.SessionID))
	id, err := s.sessions.Fork(ctx, req.SessionID, req.NewSessionID)
	if err != nil {
		return s.fail(c, routeFork, span, err)
	}
	span.SetAttributes(attribute.String("session.new_id", id))
	return s.reply(c, routeFork, http.StatusOK, SuccessBody{
		Status:       http.StatusOK,
		Message:      "fork success",
		NewSessionID: id,
	})
}

func (s *Server) handleDrop(c *echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "drop")
	defer span.End()

	req, err := decodeBody[DropRequest](c)
	if err != nil {
		return s.fail(c, routeDrop, span, err)
	}
	if req.SessionID == "" {
		return s.fail(c, routeDrop, span, newInvalidRequest("missing field `session_id`"))
	}
	span.SetAttributes(attribute.String("session.id", req.SessionID))
	if err := s.sessions.Drop(req.SessionID); err != nil {
		return s.fail(c, routeDrop, span, err)
	}
	return s.reply(c, routeDrop, http.StatusOK, SuccessBody{Status: http.StatusOK, Message: "drop success"})
}

func (s *Server) handleSessions(c *echo.Context) error {
	return s.reply(c, routeSessions, http.StatusOK, SessionList{Sessions: s.sessions.List()})
}

func (s *Server) handleHealth(c *echo.Context) error {
	m := s.sessions.Model()
	return s.reply(c, routeHealth, http.StatusOK, Health{
		Status:    "ok",
		Backend:   m.Backend().Name(),
		Sessions:  len(s.sessions.List()),
		Version:   version.String(),
		MaxSeqLen: m.MaxSeqLen(),
	})
}

func (s *Server) reply(c *echo.Context, route string, status int, v any) error {
	s.metrics.Request(route, status)
	return respond(c, status, v)
}

func (s *Server) fail(c *echo.Context, route string, span trace.Span, err error) error {
	body := errorBody(err)
	s.record(span, body, err)
	return s.reply(c, route, body.Status, body)
}

func (s *Server) record(span trace.Span, body ErrorBody, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, body.Message)
	if body.Status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", body.Status, "error", err)
	}
}

func annotate(span trace.Span, res *session.Result) {
	span.SetAttributes(
		attribute.String("session.id", res.SessionID),
		attribute.Int("tokens.prefilled", res.Prefilled),
		attribute.Int("tokens.generated", len(res.Tokens)),
		attribute.String("finish_reason", res.Finish),
	)
}

func inferResponse(res *session.Result) InferResponse {
	tokens := res.Tokens
	if tokens == nil {
		tokens = []uint32{}
	}
	return InferResponse{
		SessionID: res.SessionID,
		Tokens:    tokens,
		DialogPos: res.DialogPos,
		Finish:    res.Finish,
		Prefilled: res.Prefilled,
		ElapsedMS: float64(res.Elapsed.Microseconds()) / 1000,
	}
}

func (r InferRequest) sessionRequest() (session.Request, error) {
	cfg := logits.Config{Seed: r.Seed}
	if r.Temperature != nil {
		cfg.Temperature = *r.Temperature
		// An explicit zero asks for argmax even when the server samples by
		// default; top_k 1 survives the merge with the defaults.
		if *r.Temperature == 0 {
			cfg.TopK = 1
		}
	}
	if r.TopK != nil && cfg.TopK == 0 {
		cfg.TopK = *r.TopK
	}
	if r.TopP != nil {
		cfg.TopP = *r.TopP
	}
	if err := cfg.Validate(); err != nil {
		return session.Request{}, newInvalidRequest(err.Error())
	}
	if r.MaxTokens < 0 {
		return session.Request{}, newInvalidRequest(fmt.Sprintf("max_tokens must be >= 0, got %d", r.MaxTokens))
	}
	return session.Request{
		SessionID: r.SessionID,
		Inputs:    r.Inputs,
		DialogPos: r.DialogPos,
		Sampling:  cfg,
		MaxTokens: r.MaxTokens,
	}, nil
}
