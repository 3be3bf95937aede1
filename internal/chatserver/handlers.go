package chatserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/prismer-ai/chatsync"
	"github.com/prismer-ai/chatsync/internal/log"
)

// authMiddleware accepts "Authorization: Bearer <userId>". The reference
// server treats the token as the user id.
func authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			abort(c, http.StatusUnauthorized, "unauthorized", "missing or invalid authorization")
			return
		}
		c.Set(log.FieldUserID, userID)
		c.Next()
	}
}

func bearer(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

func storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		abort(c, http.StatusNotFound, "not_found", "conversation not found")
	case errors.Is(err, ErrForbidden):
		abort(c, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ErrInvalid):
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		log.Ctx(c.Request.Context()).Error().Err(err).Msg("store failure")
		abort(c, http.StatusInternalServerError, "internal", err.Error())
	}
}

func conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abort(c, http.StatusBadRequest, "invalid_request", "invalid conversation id")
		return 0, false
	}
	return id, true
}

type createConversationRequest struct {
	OtherUserID string `json:"otherUserId"`
	JobTitle    string `json:"jobTitle"`
}

func (s *Server) createConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OtherUserID == "" {
		abort(c, http.StatusBadRequest, "invalid_request", "otherUserId is required")
		return
	}
	conv, created, err := s.store.GetOrCreateConversation(c.GetString(log.FieldUserID), req.OtherUserID, req.JobTitle)
	if err != nil {
		storeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, conv)
}

func (s *Server) listConversations(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.ListConversations(c.GetString(log.FieldUserID)))
}

func (s *Server) listMessages(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	page := 1
	if p := c.Query("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			abort(c, http.StatusBadRequest, "invalid_request", "page must be a positive integer")
			return
		}
		page = n
	}
	msgs, err := s.store.Messages(id, c.GetString(log.FieldUserID), page, s.cfg.PageSize)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

type postMessageRequest struct {
	Body          string `json:"body"`
	CorrelationID string `json:"correlationId"`
}

func (s *Server) postMessage(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Body) == "" {
		abort(c, http.StatusBadRequest, "invalid_request", "body is required")
		return
	}
	userID := c.GetString(log.FieldUserID)
	msg, created, err := s.store.AddMessage(id, userID, req.Body, req.CorrelationID)
	if err != nil {
		storeError(c, err)
		return
	}
	if !created {
		s.metrics.messages.WithLabelValues("duplicate").Inc()
		log.Ctx(c.Request.Context()).Info().
			Str(log.FieldCorrelationID, req.CorrelationID).
			Int64(log.FieldMessageID, msg.ServerID).
			Msg("duplicate send, returning original message")
		c.JSON(http.StatusOK, msg)
		return
	}
	s.metrics.messages.WithLabelValues("created").Inc()

	conv, err := s.store.Conversation(id, userID)
	if err == nil {
		pushed := msg
		pushed.State = chatsync.DeliveryDelivered
		s.hub.SendTo(conv.Other(userID), chatsync.MessageFrame{ConversationID: id, Message: pushed})
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) markRead(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	userID := c.GetString(log.FieldUserID)
	upTo, err := s.store.MarkRead(id, userID)
	if err != nil {
		storeError(c, err)
		return
	}
	if upTo > 0 {
		if conv, err := s.store.Conversation(id, userID); err == nil {
			s.hub.SendTo(conv.Other(userID), chatsync.ReadReceiptFrame{
				ConversationID: id,
				ReaderID:       userID,
				UpToServerID:   upTo,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"upToServerId": upTo})
}
