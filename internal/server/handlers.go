package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"panther/internal/conversation"
	"panther/internal/models"
	"panther/internal/router"
	"panther/internal/translator"
)

// RouteRequest is the native /api/route payload.
type RouteRequest struct {
	ConversationID string           `json:"conversation_id"`
	ProviderID     string           `json:"provider_id"`
	Model          string           `json:"model"`
	Persona        string           `json:"persona,omitempty"`
	Message        string           `json:"message"`
	History        []models.Message `json:"history,omitempty"`
	ProjectID      string           `json:"project_id,omitempty"`
	Params         models.Params    `json:"params"`
	Stream         bool             `json:"stream,omitempty"`
}

// RouteResponse describes a finished turn.
type RouteResponse struct {
	RequestID    string              `json:"request_id"`
	Text         string              `json:"text"`
	FinishReason models.FinishReason `json:"finish_reason,omitempty"`
	Stage        router.Stage        `json:"stage"`
	Outcome      router.Outcome      `json:"outcome"`
	Classified   router.Outcome      `json:"classified"`
	ProviderID   string              `json:"provider_id"`
	ProviderType models.ProviderType `json:"provider_type"`
	Model        string              `json:"model"`
	Calls        int                 `json:"calls"`
	Redactions   int                 `json:"redactions"`
	Usage        *models.Usage       `json:"usage,omitempty"`
}

func newRouteResponse(res *router.Result) RouteResponse {
	out := RouteResponse{
		RequestID:    res.RequestID,
		Stage:        res.Stage,
		Outcome:      res.Outcome,
		Classified:   res.Classified,
		ProviderID:   res.Provider.ID,
		ProviderType: res.Provider.ProviderType,
		Model:        res.Model,
		Calls:        res.Calls,
		Redactions:   res.Redactions,
	}
	if res.Response != nil {
		out.Text = res.Response.Text
		out.FinishReason = res.Response.FinishReason
		out.Usage = res.Response.Usage
	}
	return out
}

func (s *Server) handleRoute(c echo.Context) error {
	var req RouteRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	if req.ProviderID == "" {
		return requestError{Status: http.StatusBadRequest, Message: "provider_id is required", Type: "invalid_request_error"}
	}

	params := req.Params
	params.Stream = req.Stream
	turn := conversation.Request{
		ConversationID: req.ConversationID,
		RequestID:      requestID(c),
		ProviderID:     req.ProviderID,
		Model:          req.Model,
		Persona:        req.Persona,
		History:        req.History,
		UserMessage:    req.Message,
		Params:         params,
		ProjectID:      req.ProjectID,
	}

	if !req.Stream {
		res, err := s.runner.Run(c.Request().Context(), turn)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, newRouteResponse(res))
	}

	stream := newSSE(c)
	turn.OnChunk = func(chunk string) error {
		return stream.event("chunk", map[string]string{"text": chunk})
	}
	res, err := s.runner.Run(c.Request().Context(), turn)
	if err != nil {
		return stream.fail(err)
	}
	return stream.event("done", newRouteResponse(res))
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	turn, err := req.ToRequest()
	if err != nil {
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	}
	turn.RequestID = requestID(c)
	created := time.Now().Unix()

	if !req.Stream {
		res, err := s.runner.Run(c.Request().Context(), turn)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, translator.FromResultChat(res, created))
	}

	id := translator.ChatCompletionID(turn.RequestID)
	model := translator.JoinModel(turn.ProviderID, turn.Model)
	stream := newSSE(c)
	turn.OnChunk = func(chunk string) error {
		return stream.data(translator.ChatChunk(id, model, created, chunk, ""))
	}
	res, err := s.runner.Run(c.Request().Context(), turn)
	if err != nil {
		return stream.fail(err)
	}
	if err := stream.data(translator.ChatChunk(id, model, created, "", translator.FinishReasonOf(res))); err != nil {
		return err
	}
	return stream.done()
}

func (s *Server) handleClaudeMessages(c echo.Context) error {
	var req translator.ClaudeMessageRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	turn, err := req.ToRequest()
	if err != nil {
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	}
	turn.RequestID = requestID(c)

	if !req.Stream {
		res, err := s.runner.Run(c.Request().Context(), turn)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, translator.FromResultClaude(res))
	}

	stream := newSSE(c)
	opened := false
	open := func() error {
		if opened {
			return nil
		}
		opened = true
		return stream.events(translator.ClaudeStreamStart(
			translator.ClaudeMessageID(turn.RequestID),
			translator.JoinModel(turn.ProviderID, turn.Model)))
	}
	turn.OnChunk = func(chunk string) error {
		if err := open(); err != nil {
			return err
		}
		ev := translator.ClaudeStreamDelta(chunk)
		return stream.event(ev.Name, ev.Payload)
	}
	res, err := s.runner.Run(c.Request().Context(), turn)
	if err != nil {
		return stream.fail(err)
	}
	if err := open(); err != nil {
		return err
	}
	return stream.events(translator.ClaudeStreamEnd(res))
}
