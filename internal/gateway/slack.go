package gateway

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts approval gate notices to a Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a Slack notifier.
// botToken is the Bot User OAuth Token (xoxb-...).
func NewSlackNotifier(botToken, channel string, logger *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Platform() string { return "slack" }

// NotifyGate posts the notice as a Slack message.
func (n *SlackNotifier) NotifyGate(ctx context.Context, notice *GateNotice) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(formatNotice(notice), false),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

func formatNotice(n *GateNotice) string {
	switch n.Status {
	case "pending":
		return fmt.Sprintf(":hourglass: Approval needed: workflow `%s` step %d (agent `%s`). Approval id `%s`.",
			n.WorkflowID, n.StepOrder, n.AgentName, n.ApprovalID)
	case "approved":
		return fmt.Sprintf(":white_check_mark: Approval `%s` granted by %s. Workflow `%s` step %d resuming.",
			n.ApprovalID, n.Resolver, n.WorkflowID, n.StepOrder)
	case "rejected":
		return fmt.Sprintf(":no_entry: Approval `%s` rejected by %s. Workflow `%s` will not proceed.",
			n.ApprovalID, n.Resolver, n.WorkflowID)
	case "expired":
		return fmt.Sprintf(":alarm_clock: Approval `%s` expired. Workflow `%s` will not proceed.",
			n.ApprovalID, n.WorkflowID)
	default:
		return fmt.Sprintf("Approval `%s` is %s (workflow `%s` step %d).",
			n.ApprovalID, n.Status, n.WorkflowID, n.StepOrder)
	}
}
