package httpapi

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"ember/relay/internal/ident"
	"ember/relay/internal/totals"
)

type messageSendRequest struct {
	To               string `json:"to"`
	From             string `json:"from"`
	EncryptedMessage string `json:"encryptedMessage"`
	MessageID        string `json:"messageId"`
}

type messageSendResponse struct {
	Success   bool `json:"success"`
	Duplicate bool `json:"duplicate,omitempty"`
}

type messageJSON struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

type messagesResponse struct {
	Messages []messageJSON `json:"messages"`
}

type ackRequest struct {
	Fingerprint string   `json:"fingerprint"`
	MessageIDs  []string `json:"messageIds"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (s *Server) handleMessageSend(c echo.Context) error {
	var req messageSendRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.EncryptedMessage) == "" || strings.TrimSpace(req.MessageID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed_request")
	}

	// Clients retry sends on flaky transports and reuse the messageId as
	// the idempotency key; a repeat is reported as success.
	if !s.deps.Mailbox.Enqueue(req.To, req.From, req.EncryptedMessage, req.MessageID) {
		return c.JSON(http.StatusOK, messageSendResponse{Success: true, Duplicate: true})
	}
	s.deps.Totals.Increment(totals.ChatMessagesSent)
	return c.JSON(http.StatusCreated, messageSendResponse{Success: true})
}

func (s *Server) handleMessagesFetch(c echo.Context) error {
	fingerprint := c.Param("fingerprint")

	queued := s.deps.Mailbox.Fetch(fingerprint)
	out := messagesResponse{Messages: make([]messageJSON, 0, len(queued))}
	for _, m := range queued {
		out.Messages = append(out.Messages, messageJSON{
			ID:        m.ID,
			From:      m.From,
			Payload:   m.Payload,
			Timestamp: m.Timestamp.UnixMilli(),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleMessagesAck(c echo.Context) error {
	var req ackRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Fingerprint) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed_request")
	}

	s.deps.Mailbox.Ack(req.Fingerprint, req.MessageIDs)
	slog.Debug("messages acked", "fp", ident.Short(req.Fingerprint), "count", len(req.MessageIDs))
	return c.JSON(http.StatusOK, successResponse{Success: true})
}
