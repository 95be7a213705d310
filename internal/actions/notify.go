package actions

import (
	"context"
	"log/slog"
	"time"

	"github.com/triflow/triflow/pkg/schema"
)

// Notification is a message routed to an external channel.
type Notification struct {
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject,omitempty"`
	Message    string   `json:"message"`
}

// Notifier delivers notifications. Deployments wire Slack webhooks, SMTP
// or an SMS gateway behind this interface.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// LogNotifier logs notifications instead of delivering them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Send(ctx context.Context, msg Notification) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification sent",
		"channel", msg.Channel, "recipients", msg.Recipients, "subject", msg.Subject)
	return nil
}

func notificationActions(notifier Notifier) []Action {
	return []Action{
		notifyAction(notifier, "send_slack_notification", "slack", "channel", "Post a message to a Slack channel"),
		notifyAction(notifier, "send_email", "email", "to", "Send an email"),
		notifyAction(notifier, "send_sms", "sms", "to", "Send an SMS"),
	}
}

func notifyAction(notifier Notifier, name, channel, recipientKey, description string) Action {
	return Action{
		Name: name,
		Schema: ActionSchema{
			Description: description,
			Parameters: map[string]string{
				recipientKey: "recipient or list of recipients (required)",
				"subject":    "message subject, where the channel supports one",
				"message":    "message body (required)",
			},
		},
		Validate: func(params map[string]any) error {
			if len(recipients(params, recipientKey)) == 0 {
				return schema.NewErrorf(schema.ErrCodeValidation, "%s requires a %s parameter", name, recipientKey)
			}
			if stringParam(params, "message", "") == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "%s requires a message parameter", name)
			}
			return nil
		},
		Execute: func(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
			n := Notification{
				Channel:    channel,
				Recipients: recipients(input.Params, recipientKey),
				Subject:    stringParam(input.Params, "subject", ""),
				Message:    stringParam(input.Params, "message", ""),
			}
			if err := notifier.Send(ctx, n); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "%s: %v", name, err).WithCause(err)
			}
			return marshalOutput(map[string]any{
				"channel": channel,
				"sent_at": time.Now().UTC().Format(time.RFC3339),
			})
		},
	}
}

// recipients accepts either a single string or a list under the key.
func recipients(params map[string]any, key string) []string {
	if s := stringParam(params, key, ""); s != "" {
		return []string{s}
	}
	return stringSliceParam(params, key)
}
