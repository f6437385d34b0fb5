package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"waconnector/internal/constants"
	"waconnector/internal/ingest"
	"waconnector/internal/logger"
	"waconnector/internal/processing"
	"waconnector/internal/retryqueue"
	"waconnector/internal/session"
	apperrors "waconnector/pkg/errors"
	"waconnector/pkg/models"
)

// Ingester is the protocol event entry point.
type Ingester interface {
	Ingest(ctx context.Context, msg processing.QueuedMessage) error
	IngestHistory(ctx context.Context, integrationAccountID string, batch ingest.HistoryBatch) (int, error)
	HandleSessionUpdate(ctx context.Context, integrationAccountID string, ev ingest.SessionEvent) (*session.Session, error)
}

type RetryQueueStatus interface {
	Status() retryqueue.Status
}

type StreamStatus interface {
	Enabled() bool
}

type BatcherDepths interface {
	Depths() map[string]int
}

type Handler struct {
	Ingester   Ingester
	Sessions   *session.Registry
	RetryQueue RetryQueueStatus
	Stream     StreamStatus
	Batchers   BatcherDepths
	Logger     logger.Logger
}

type messagesRequest struct {
	Messages []models.InboundMessage `json:"messages"`
}

type messageFailure struct {
	MessageID string `json:"message_id"`
	ErrorCode string `json:"error_code"`
	Error     string `json:"error"`
}

type messagesResponse struct {
	Accepted int              `json:"accepted"`
	Failed   []messageFailure `json:"failed,omitempty"`
}

type historyResponse struct {
	Processed int `json:"processed"`
}

type sessionView struct {
	IntegrationAccountID string         `json:"integration_account_id"`
	WorkspaceID          string         `json:"workspace_id"`
	Status               session.Status `json:"status"`
	Blocked              bool           `json:"blocked"`
	Number               string         `json:"numero,omitempty"`
	Name                 string         `json:"nome,omitempty"`
	QR                   string         `json:"qr,omitempty"`
	Chats                int            `json:"chats"`
}

type queuesResponse struct {
	RetryQueue *retryqueue.Status `json:"retry_queue,omitempty"`
	Stream     struct {
		Enabled bool `json:"enabled"`
	} `json:"stream"`
	Batchers map[string]int `json:"batchers,omitempty"`
}

func (h *Handler) RegisterRoutes(router gin.IRouter, eventMiddleware ...gin.HandlerFunc) {
	v1 := router.Group("/v1")
	{
		v1.GET("/queues", h.GetQueues)
		v1.GET("/sessions", h.ListSessions)

		events := v1.Group("/accounts/:id/events", eventMiddleware...)
		{
			events.POST("/messages", h.PostMessages)
			events.POST("/history", h.PostHistory)
			events.POST("/session", h.PostSession)
		}
	}
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	status := apperrors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, apperrors.ToErrorResponse(err))
}

func (h *Handler) bind(c *gin.Context, dst interface{}) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, constants.MaxEventBodyBytes)
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, apperrors.ToErrorResponse(apperrors.ErrMalformedPayload.WithDetail("message", "request body too large")))
			return false
		}
		h.HandleError(c, apperrors.ErrMalformedPayload.WithCause(err).WithDetail("message", err.Error()))
		return false
	}
	return true
}

// PostMessages ingests realtime messages. Malformed messages are reported per item; an unusable
// session rejects the whole request.
//
// @Summary      Ingest realtime messages
// @Description  Persist live messages of one integration account and publish realtime updates
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        id        path      string           true  "Integration account ID"
// @Param        messages  body      messagesRequest  true  "Inbound messages"
// @Success      202       {object}  messagesResponse
// @Failure      400       {object}  map[string]interface{}
// @Failure      409       {object}  map[string]interface{}
// @Failure      413       {object}  map[string]interface{}
// @Failure      503       {object}  map[string]interface{}
// @Router       /v1/accounts/{id}/events/messages [post]
func (h *Handler) PostMessages(c *gin.Context) {
	accountID := c.Param("id")
	var req messagesRequest
	if !h.bind(c, &req) {
		return
	}

	resp := messagesResponse{}
	var firstErr error
	for _, m := range req.Messages {
		err := h.Ingester.Ingest(c.Request.Context(), processing.QueuedMessage{
			IntegrationAccountID: accountID,
			Source:               models.SourceRealtime,
			Message:              m,
		})
		if err == nil {
			resp.Accepted++
			continue
		}
		if apperrors.IsCode(err, apperrors.ErrSessionUnavailable.Code) {
			h.HandleError(c, err)
			return
		}
		if firstErr == nil {
			firstErr = err
		}
		code := apperrors.ErrInternal.Code
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			code = appErr.Code
		}
		resp.Failed = append(resp.Failed, messageFailure{MessageID: m.Key.ID, ErrorCode: code, Error: err.Error()})
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 && firstErr != nil {
		status = apperrors.ToHTTPStatus(firstErr)
	}
	c.JSON(status, resp)
}

// PostHistory godoc
// @Summary      Ingest a history sync batch
// @Description  Persist synced messages and chat metadata without realtime events
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        id     path      string               true  "Integration account ID"
// @Param        batch  body      ingest.HistoryBatch  true  "History batch"
// @Success      202    {object}  historyResponse
// @Failure      400    {object}  map[string]interface{}
// @Failure      409    {object}  map[string]interface{}
// @Failure      413    {object}  map[string]interface{}
// @Router       /v1/accounts/{id}/events/history [post]
func (h *Handler) PostHistory(c *gin.Context) {
	var batch ingest.HistoryBatch
	if !h.bind(c, &batch) {
		return
	}
	// The sync outlives a dropped bridge connection.
	processed, err := h.Ingester.IngestHistory(context.WithoutCancel(c.Request.Context()), c.Param("id"), batch)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, historyResponse{Processed: processed})
}

// PostSession godoc
// @Summary      Apply a session update
// @Description  Record connection state, QR codes and profile data of an integration account
// @Tags         sessions
// @Accept       json
// @Produce      json
// @Param        id     path      string               true  "Integration account ID"
// @Param        event  body      ingest.SessionEvent  true  "Session event"
// @Success      200    {object}  sessionView
// @Failure      400    {object}  map[string]interface{}
// @Failure      500    {object}  map[string]interface{}
// @Router       /v1/accounts/{id}/events/session [post]
func (h *Handler) PostSession(c *gin.Context) {
	var ev ingest.SessionEvent
	if !h.bind(c, &ev) {
		return
	}
	s, err := h.Ingester.HandleSessionUpdate(c.Request.Context(), c.Param("id"), ev)
	if s == nil && err != nil {
		h.HandleError(c, err)
		return
	}
	if err != nil {
		h.Logger.WarnwCtx(c.Request.Context(), "Session state applied but not persisted", "error", err)
	}
	c.JSON(http.StatusOK, viewOf(s))
}

// GetQueues godoc
// @Summary      Queue depths
// @Description  Report the retry queue, stream mode and batcher backlogs
// @Tags         operations
// @Produce      json
// @Success      200  {object}  queuesResponse
// @Router       /v1/queues [get]
func (h *Handler) GetQueues(c *gin.Context) {
	var resp queuesResponse
	if h.RetryQueue != nil {
		st := h.RetryQueue.Status()
		resp.RetryQueue = &st
	}
	resp.Stream.Enabled = h.Stream != nil && h.Stream.Enabled()
	if h.Batchers != nil {
		resp.Batchers = h.Batchers.Depths()
	}
	c.JSON(http.StatusOK, resp)
}

// ListSessions godoc
// @Summary      List sessions
// @Description  Get the in-memory state of every known integration account
// @Tags         sessions
// @Produce      json
// @Success      200  {array}  sessionView
// @Router       /v1/sessions [get]
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.Sessions.List()
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, viewOf(s))
	}
	c.JSON(http.StatusOK, out)
}

func viewOf(s *session.Session) sessionView {
	return sessionView{
		IntegrationAccountID: s.IntegrationAccountID,
		WorkspaceID:          s.WorkspaceID,
		Status:               s.Status,
		Blocked:              s.Blocked,
		Number:               s.Number,
		Name:                 s.Name,
		QR:                   s.LastQR,
		Chats:                s.Chats.Len(),
	}
}
