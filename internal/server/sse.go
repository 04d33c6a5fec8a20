package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"panther/internal/translator"
)

// sse writes a server-sent event stream. Headers go out with the first
// event, so a turn that fails before producing text still gets a plain
// JSON error response.
type sse struct {
	c       echo.Context
	started bool
}

func newSSE(c echo.Context) *sse {
	return &sse{c: c}
}

func (s *sse) start() error {
	if s.started {
		return nil
	}
	if _, ok := s.c.Response().Writer.(http.Flusher); !ok {
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}
	header := s.c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	s.c.Response().WriteHeader(http.StatusOK)
	s.started = true
	return nil
}

func (s *sse) event(name string, payload any) error {
	if err := s.start(); err != nil {
		return err
	}
	if err := writeSSEEvent(s.c.Response(), name, payload); err != nil {
		return err
	}
	s.c.Response().Flush()
	return nil
}

func (s *sse) events(evs []translator.Event) error {
	for _, ev := range evs {
		if err := s.event(ev.Name, ev.Payload); err != nil {
			return err
		}
	}
	return nil
}

// data writes an unnamed event, as OpenAI streams do.
func (s *sse) data(payload any) error {
	return s.event("", payload)
}

func (s *sse) done() error {
	if err := s.start(); err != nil {
		return err
	}
	if _, err := io.WriteString(s.c.Response(), "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("write SSE terminator: %w", err)
	}
	s.c.Response().Flush()
	return nil
}

// fail reports err in-stream once the stream has started, and as a plain
// HTTP error otherwise.
func (s *sse) fail(err error) error {
	mapped := toHTTPError(err)
	if !s.started {
		return mapped
	}
	var reqErr requestError
	errors.As(mapped, &reqErr)
	return s.event("error", newErrorBody(reqErr.Message, reqErr.Type, reqErr.Code))
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return fmt.Errorf("write SSE event name: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
