package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/triflow/triflow/internal/actions"
)

// SessionNotifier delivers workflow notifications (approval requests,
// instance alerts) to connected MCP sessions. Recipients are matched
// against operator IDs captured by the session registry; recipients
// without a live session are skipped.
type SessionNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewSessionNotifier creates a notifier that pushes via MCP notifications.
func NewSessionNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *SessionNotifier {
	return &SessionNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Send pushes the notification to every connected recipient. Delivery is
// best-effort: unknown recipients and expired sessions are not errors.
func (n *SessionNotifier) Send(_ context.Context, msg actions.Notification) error {
	payload := map[string]any{
		"channel": msg.Channel,
		"subject": msg.Subject,
		"message": msg.Message,
	}
	for _, recipient := range msg.Recipients {
		sessionID, ok := n.sessions.SessionFor(recipient)
		if !ok {
			continue
		}
		err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			// Session expired between lookup and send.
			n.sessions.Remove(sessionID)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
