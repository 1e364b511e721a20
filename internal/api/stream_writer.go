package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter sends sampled tokens as server-sent events: one "token"
// event per id, then "done" with the full response or "error".
type SSEStreamWriter struct {
	w       io.Writer
	flusher func()
	seq     int
	begun   bool
}

type tokenEvent struct {
	Token uint32 `json:"token"`
	Index int    `json:"index"`
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	return &SSEStreamWriter{w: res, flusher: flusher.Flush}, nil
}

// Started reports whether any event has been written; after that errors
// can only be reported in-band.
func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

func (s *SSEStreamWriter) Token(tok uint32) error {
	err := s.send("token", tokenEvent{Token: tok, Index: s.seq})
	s.seq++
	return err
}

func (s *SSEStreamWriter) Done(resp InferResponse) error {
	return s.send("done", resp)
}

func (s *SSEStreamWriter) Error(body ErrorBody) error {
	return s.send("error", body)
}

func (s *SSEStreamWriter) send(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.begun = true
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	s.flusher()
	return nil
}
