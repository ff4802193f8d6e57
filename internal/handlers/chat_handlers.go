package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"gymhealth_checkout/internal/services"
)

const sseKeepAliveInterval = 25 * time.Second

// ChatBackend is implemented by services.ChatService
type ChatBackend interface {
	CustomToken(ctx context.Context, uid string) (string, error)
	Send(ctx context.Context, senderID, receiverID, text string) (string, error)
	Conversation(ctx context.Context, user1, user2 string, limit int) ([]services.ChatMessage, error)
	Watch(ctx context.Context, user1, user2 string, fn func([]services.ChatMessage) error) error
}

type ChatHandler struct {
	chat ChatBackend
	log  *zap.Logger
}

func NewChatHandler(chat ChatBackend, log *zap.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, log: log.Named("chat")}
}

// IssueToken mints the Firebase token the client signs into Firestore with
func (h *ChatHandler) IssueToken(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	token, err := h.chat.CustomToken(c.Request().Context(), sess.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

// Conversation returns the messages exchanged with :peer, oldest first
func (h *ChatHandler) Conversation(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	msgs, err := h.chat.Conversation(c.Request().Context(), sess.UserID, c.Param("peer"), queryInt(c, "limit", services.DefaultConversationLimit))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

// SendMessage stores a message from the member to receiverId
func (h *ChatHandler) SendMessage(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	var req struct {
		ReceiverID string `json:"receiverId"`
		Text       string `json:"text"`
	}
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.ReceiverID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Thiếu người nhận.")
	}

	id, err := h.chat.Send(c.Request().Context(), sess.UserID, req.ReceiverID, req.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// Stream pushes the conversation with :peer as server-sent events on every change
func (h *ChatHandler) Stream(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	peer := c.Param("peer")

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	updates := make(chan []services.ChatMessage, 1)
	done := make(chan error, 1)
	go func() {
		done <- h.chat.Watch(ctx, sess.UserID, peer, func(msgs []services.ChatMessage) error {
			select {
			case updates <- msgs:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return nil
	}
	w.Flush()

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msgs := <-updates:
			data, err := json.Marshal(msgs)
			if err != nil {
				h.log.Error("failed to encode messages", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: messages\ndata: %s\n\n", data); err != nil {
				return nil
			}
			w.Flush()
		case err := <-done:
			// drain what the listener delivered before it stopped
			for {
				select {
				case msgs := <-updates:
					data, _ := json.Marshal(msgs)
					fmt.Fprintf(w, "event: messages\ndata: %s\n\n", data)
				default:
					if err != nil {
						h.log.Warn("conversation stream ended", zap.String("user_id", sess.UserID), zap.Error(err))
					}
					w.Flush()
					return nil
				}
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
