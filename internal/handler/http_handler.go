package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/derma-console/internal/alert"
	"github.com/weiawesome/derma-console/internal/api"
	"github.com/weiawesome/derma-console/internal/chat"
	"github.com/weiawesome/derma-console/internal/notification"
	"github.com/weiawesome/derma-console/internal/service"
	"github.com/weiawesome/derma-console/internal/session"
	"github.com/weiawesome/derma-console/pkg/log"
	"github.com/weiawesome/derma-console/pkg/middleware"
	"github.com/weiawesome/derma-console/pkg/response"
)

// AlertFeed is what the SSE stream reads from.
type AlertFeed interface {
	Subscribe() (<-chan alert.Alert, func())
}

// Handler serves the loopback gateway the UI shell talks to.
type Handler struct {
	console  service.Console
	identity middleware.IdentitySource
	feed     AlertFeed
	alerter  alert.Alerter
}

// NewHandler creates a new HTTP handler. Backend failures on any route
// are raised on alerter as error toasts.
func NewHandler(console service.Console, identity middleware.IdentitySource, feed AlertFeed, alerter alert.Alerter) *Handler {
	return &Handler{
		console:  console,
		identity: identity,
		feed:     feed,
		alerter:  alerter,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		// Public routes
		api.GET("/status", h.Status)
		sess := api.Group("/session")
		{
			sess.POST("", h.Login)
			sess.DELETE("", h.Logout)
			sess.GET("", h.GetSession)
		}

		// Protected routes
		protected := api.Group("")
		protected.Use(middleware.RequireSession(h.identity), middleware.OnAuthenticated(h.console.Bootstrap))
		{
			protected.GET("/conversations", h.ListConversations)
			protected.DELETE("/conversations/open", h.CloseConversation)
			protected.POST("/conversations/:id/open", h.OpenConversation)
			protected.GET("/conversations/:id", h.GetConversation)
			protected.POST("/conversations/:id/read", h.MarkConversationRead)
			protected.POST("/conversations/:id/messages", h.SendMessage)
			protected.POST("/conversations/:id/messages/:clientId/retry", h.RetryMessage)
			protected.GET("/conversations/:id/draft", h.GetDraft)
			protected.PUT("/conversations/:id/draft", h.PutDraft)
			protected.POST("/conversations/:id/draft/send", h.SendDraft)
			protected.POST("/conversations/:id/end", h.EndSession)

			protected.GET("/notifications", h.ListNotifications)
			protected.PATCH("/notifications/read-all", h.MarkAllNotificationsRead)
			protected.PATCH("/notifications/:id/read", h.MarkNotificationRead)

			protected.GET("/alerts/stream", h.StreamAlerts)
		}
	}
}

// Login installs the session the shell obtained from the backend.
func (h *Handler) Login(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	var req session.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("invalid login request")
		response.BadRequest(c, err.Error())
		return
	}

	s, err := h.console.Login(ctx, req)
	if err != nil {
		if errors.Is(err, session.ErrEmptyToken) {
			response.BadRequest(c, "token is empty")
			return
		}
		if errors.Is(err, session.ErrTokenExpired) {
			response.Unauthorized(c, "token has expired")
			return
		}
		l.Error().Err(err).Msg("login failed")
		response.InternalError(c, "failed to store session")
		return
	}

	response.Success(c, s)
}

func (h *Handler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	if err := h.console.Logout(ctx); err != nil {
		l.Error().Err(err).Msg("logout failed")
		response.InternalError(c, "failed to clear session")
		return
	}
	response.Success(c, gin.H{"signed_in": false})
}

// GetSession reports the local session. Signed out is not an error.
func (h *Handler) GetSession(c *gin.Context) {
	s := h.console.Session()
	if s == nil {
		response.Success(c, gin.H{"signed_in": false})
		return
	}
	response.Success(c, gin.H{"signed_in": true, "session": s})
}

func (h *Handler) Status(c *gin.Context) {
	response.Success(c, h.console.Status())
}

func (h *Handler) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	list, err := h.console.Conversations(ctx, refresh)
	if err != nil {
		h.fail(c, err, "Could not load conversations")
		return
	}
	response.Success(c, list)
}

// OpenConversation mounts the chat view. A failed history load still
// returns the view so the shell can show the load_failed state.
func (h *Handler) OpenConversation(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	view, err := h.console.Open(ctx, c.Param("id"))
	if view == nil {
		h.fail(c, err, "Could not open conversation")
		return
	}
	if err != nil {
		l.Warn().Err(err).Str(log.FieldConversationID, view.ChatID).Msg("conversation opened without history")
		h.raise(c, err, "Could not load messages")
	}
	response.Success(c, view)
}

func (h *Handler) CloseConversation(c *gin.Context) {
	h.console.CloseView()
	response.Success(c, gin.H{"open": false})
}

func (h *Handler) GetConversation(c *gin.Context) {
	view, err := h.console.View(c.Param("id"))
	if err != nil {
		h.fail(c, err, "")
		return
	}
	response.Success(c, view)
}

func (h *Handler) MarkConversationRead(c *gin.Context) {
	n, err := h.console.MarkConversationRead(c.Param("id"))
	if err != nil {
		h.fail(c, err, "")
		return
	}
	response.Success(c, gin.H{"changed": n})
}

type textRequest struct {
	Text string `json:"text"`
}

// SendResult answers a send. Rejected input is not an error: the line
// is simply not sent.
type SendResult struct {
	Sent    bool        `json:"sent"`
	Reason  string      `json:"reason,omitempty"`
	Message interface{} `json:"message,omitempty"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	msg, err := h.console.Send(ctx, c.Param("id"), req.Text)
	h.sent(c, msg, err)
}

func (h *Handler) SendDraft(c *gin.Context) {
	ctx := c.Request.Context()
	msg, err := h.console.SendDraft(ctx, c.Param("id"))
	h.sent(c, msg, err)
}

func (h *Handler) sent(c *gin.Context, msg interface{}, err error) {
	if reason := rejection(err); reason != "" {
		l := log.Ctx(c.Request.Context())
		l.Debug().Str("reason", reason).Msg("send rejected")
		response.Success(c, SendResult{Sent: false, Reason: reason})
		return
	}
	if err != nil {
		h.fail(c, err, "Could not send message")
		return
	}
	response.Accepted(c, SendResult{Sent: true, Message: msg})
}

func rejection(err error) string {
	switch {
	case errors.Is(err, chat.ErrBlankMessage):
		return "blank"
	case errors.Is(err, chat.ErrNoConversation):
		return "no_conversation"
	case errors.Is(err, chat.ErrConversationEnded):
		return "ended"
	}
	return ""
}

func (h *Handler) RetryMessage(c *gin.Context) {
	ctx := c.Request.Context()
	msg, err := h.console.Retry(ctx, c.Param("id"), c.Param("clientId"))
	if err != nil {
		h.fail(c, err, "")
		return
	}
	response.Accepted(c, SendResult{Sent: true, Message: msg})
}

func (h *Handler) GetDraft(c *gin.Context) {
	response.Success(c, gin.H{"text": h.console.Draft(c.Param("id"))})
}

func (h *Handler) PutDraft(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.console.SetDraft(c.Param("id"), req.Text); err != nil {
		h.fail(c, err, "")
		return
	}
	response.Success(c, gin.H{"text": req.Text})
}

func (h *Handler) EndSession(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.console.EndSession(ctx, c.Param("id")); err != nil {
		h.fail(c, err, "Could not end the session")
		return
	}
	response.Success(c, gin.H{"ended": true})
}

type notificationList struct {
	Items  interface{} `json:"items"`
	Unread int         `json:"unread"`
}

func (h *Handler) ListNotifications(c *gin.Context) {
	list, unread, err := h.console.Notifications()
	if err != nil {
		h.fail(c, err, "")
		return
	}
	response.Success(c, notificationList{Items: list, Unread: unread})
}

func (h *Handler) MarkNotificationRead(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.console.MarkNotificationRead(ctx, c.Param("id")); err != nil {
		h.fail(c, err, "")
		return
	}
	response.Success(c, gin.H{"read": true})
}

func (h *Handler) MarkAllNotificationsRead(c *gin.Context) {
	ctx := c.Request.Context()
	n, err := h.console.MarkAllNotificationsRead(ctx)
	if err != nil {
		h.fail(c, err, "")
		return
	}
	response.Success(c, gin.H{"changed": n})
}

// fail maps err onto a response. Backend failures also raise an error
// toast titled title.
func (h *Handler) fail(c *gin.Context, err error, title string) {
	l := log.Ctx(c.Request.Context()).With().
		Str(log.FieldSpecialistID, middleware.GetSpecialistID(c)).
		Str(log.FieldRole, middleware.GetRole(c)).
		Logger()
	switch {
	case errors.Is(err, service.ErrNoSession), errors.Is(err, api.ErrUnauthorized):
		response.Unauthorized(c, "no active session")
	case errors.Is(err, chat.ErrMessageNotFound), errors.Is(err, notification.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, chat.ErrNotRetryable), errors.Is(err, chat.ErrConversationEnded):
		response.Conflict(c, err.Error())
	case errors.Is(err, chat.ErrNoConversation):
		response.BadRequest(c, err.Error())
	default:
		var apiErr *api.APIError
		if errors.As(err, &apiErr) || errors.Is(err, api.ErrUnrecognizedShape) {
			l.Warn().Err(err).Msg("backend call failed")
			h.raise(c, err, title)
			response.BadGateway(c, err.Error())
			return
		}
		l.Error().Err(err).Msg("request failed")
		h.raise(c, err, title)
		response.InternalError(c, "request failed")
	}
}

func (h *Handler) raise(c *gin.Context, err error, title string) {
	if h.alerter == nil || title == "" {
		return
	}
	a := alert.New(alert.LevelError, alert.SourceAPI, title, err.Error())
	h.alerter.Raise(c.Request.Context(), a)
}

// StreamAlerts pushes toasts as server-sent events until the client
// goes away.
func (h *Handler) StreamAlerts(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	if h.feed == nil {
		response.Error(c, http.StatusServiceUnavailable, "UNAVAILABLE", "alert stream disabled")
		return
	}

	ch, cancel := h.feed.Subscribe()
	defer cancel()
	l.Debug().Msg("alert stream opened")

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	// Clients only see headers once something is flushed.
	c.SSEvent("ready", gin.H{"status": "ok"})
	c.Writer.Flush()
	c.Stream(func(_ io.Writer) bool {
		select {
		case a, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("alert", a)
			return true
		case <-ctx.Done():
			return false
		}
	})
	l.Debug().Msg("alert stream closed")
}
