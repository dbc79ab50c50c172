package humangate

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackNotifier implements model.NotificationChannel by posting to a Slack
// channel, used for gate-approval and budget-warning notifications
// (spec §4.7, §6).
type SlackNotifier struct {
	client *slack.Client
}

// NewSlackNotifier builds a notifier from a bot token.
func NewSlackNotifier(token string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token)}
}

// Send posts message (with an optional link appended) to the target
// channel. At-most-once: failures are returned, not retried.
func (n *SlackNotifier) Send(ctx context.Context, target, message, link string) error {
	text := message
	if link != "" {
		text = fmt.Sprintf("%s\n%s", message, link)
	}
	_, _, err := n.client.PostMessageContext(ctx, target, slack.MsgOptionText(text, false))
	return err
}
