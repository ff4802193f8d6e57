package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"firebase.google.com/go/v4/auth"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
)

const messagesCollection = "messages"

// DefaultConversationLimit caps how many messages a conversation read returns
const DefaultConversationLimit = 200

var ErrEmptyMessage = errors.New("message text is empty")

// ChatMessage is one document of the messages collection
type ChatMessage struct {
	ID         string    `firestore:"-" json:"id"`
	Text       string    `firestore:"text" json:"text"`
	SenderID   string    `firestore:"senderId" json:"senderId"`
	ReceiverID string    `firestore:"receiverId" json:"receiverId"`
	Timestamp  time.Time `firestore:"timestamp" json:"timestamp"`
}

// ChatService reads and writes member/trainer messages in Firestore
type ChatService struct {
	fs   *firestore.Client
	auth *auth.Client
	log  *zap.Logger
}

func NewChatService(fb *Firebase, log *zap.Logger) *ChatService {
	return &ChatService{fs: fb.Firestore, auth: fb.Auth, log: log.Named("chat")}
}

// CustomToken mints a Firebase token so the mobile client can open Firestore as uid
func (s *ChatService) CustomToken(ctx context.Context, uid string) (string, error) {
	token, err := s.auth.CustomToken(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("failed to mint custom token: %w", err)
	}
	return token, nil
}

// Send stores a message with a server-side timestamp
func (s *ChatService) Send(ctx context.Context, senderID, receiverID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	ref, _, err := s.fs.Collection(messagesCollection).Add(ctx, map[string]any{
		"text":       text,
		"senderId":   senderID,
		"receiverId": receiverID,
		"timestamp":  firestore.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return ref.ID, nil
}

func (s *ChatService) conversationQuery(user1, user2 string) firestore.Query {
	return s.fs.Collection(messagesCollection).
		WhereEntity(firestore.OrFilter{Filters: []firestore.EntityFilter{
			firestore.AndFilter{Filters: []firestore.EntityFilter{
				firestore.PropertyFilter{Path: "senderId", Operator: "==", Value: user1},
				firestore.PropertyFilter{Path: "receiverId", Operator: "==", Value: user2},
			}},
			firestore.AndFilter{Filters: []firestore.EntityFilter{
				firestore.PropertyFilter{Path: "senderId", Operator: "==", Value: user2},
				firestore.PropertyFilter{Path: "receiverId", Operator: "==", Value: user1},
			}},
		}}).
		OrderBy("timestamp", firestore.Asc)
}

// Conversation returns the messages between two users, oldest first
func (s *ChatService) Conversation(ctx context.Context, user1, user2 string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultConversationLimit
	}
	docs, err := s.conversationQuery(user1, user2).LimitToLast(limit).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}
	return decodeMessages(docs, user1, user2), nil
}

// Watch delivers the full conversation on every change until ctx ends
func (s *ChatService) Watch(ctx context.Context, user1, user2 string, fn func([]ChatMessage) error) error {
	it := s.conversationQuery(user1, user2).Snapshots(ctx)
	defer it.Stop()

	for {
		snap, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("conversation listener: %w", err)
		}
		docs, err := snap.Documents.GetAll()
		if err != nil {
			return fmt.Errorf("conversation snapshot: %w", err)
		}
		if err := fn(decodeMessages(docs, user1, user2)); err != nil {
			return err
		}
	}
}

func decodeMessages(docs []*firestore.DocumentSnapshot, user1, user2 string) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(docs))
	for _, doc := range docs {
		var m ChatMessage
		if err := doc.DataTo(&m); err != nil {
			continue
		}
		m.ID = doc.Ref.ID
		if inConversation(m, user1, user2) {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

func inConversation(m ChatMessage, user1, user2 string) bool {
	return (m.SenderID == user1 && m.ReceiverID == user2) ||
		(m.SenderID == user2 && m.ReceiverID == user1)
}
