package api

import (
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/botlink/internal/connector"
	"github.com/energizer-project/botlink/internal/protocol"
	"github.com/energizer-project/botlink/internal/session"
	"github.com/energizer-project/botlink/internal/transport"
)

// sendRequest is the body of POST /api/sessions/:name/send.
type sendRequest struct {
	Opcode uint32 `json:"opcode"`
	// Body is the hex-encoded message body following the opcode.
	Body string `json:"body"`
}

// lookup resolves the :name parameter, writing a 404 if it is unknown.
func (s *Server) lookup(c *gin.Context) (*session.Session, bool) {
	sess, err := s.hub.Get(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return sess, true
}

func (s *Server) handleListSessions(c *gin.Context) {
	statuses := s.hub.Statuses()
	c.JSON(http.StatusOK, gin.H{
		"sessions": statuses,
		"total":    len(statuses),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

// handleGetRoutes lists the opcodes the session has handlers for.
func (s *Server) handleGetRoutes(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": sess.Name(),
		"routes":  sess.Router().Routes(),
	})
}

// handleConnect blocks until the initial connect attempt completes.
func (s *Server) handleConnect(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}

	if err := sess.Connect(c.Request.Context()); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, connector.ErrConnectInProgress) || errors.Is(err, transport.ErrConnectInProgress) {
			status = http.StatusConflict
		}
		log.Warn().Err(err).Str("session", sess.Name()).Msg("connect via API failed")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, sess.Status())
}

func (s *Server) handleDisconnect(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}

	if err := sess.Disconnect(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

// handleSend frames and sends one message on the session.
func (s *Server) handleSend(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	body, err := hex.DecodeString(req.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be hex encoded"})
		return
	}

	err = sess.SendMessage(c.Request.Context(), protocol.Opcode(req.Opcode), body)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"session": sess.Name(),
			"opcode":  protocol.Opcode(req.Opcode).String(),
			"bytes":   len(body),
		})
	case errors.Is(err, protocol.ErrOpcodeOutOfRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, transport.ErrNotConnected):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
