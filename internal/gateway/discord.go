package gateway

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordNotifier posts approval gate notices to a Discord channel.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordNotifier creates a Discord notifier and opens the session.
func NewDiscordNotifier(botToken, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	// Outbound-only: no message intents needed.
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord open: %w", err)
	}
	return &DiscordNotifier{
		session:   session,
		channelID: channelID,
		logger:    logger,
	}, nil
}

func (n *DiscordNotifier) Platform() string { return "discord" }

// NotifyGate posts the notice as a Discord message.
func (n *DiscordNotifier) NotifyGate(_ context.Context, notice *GateNotice) error {
	if _, err := n.session.ChannelMessageSend(n.channelID, discordFormat(notice)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (n *DiscordNotifier) Close() error {
	return n.session.Close()
}

func discordFormat(n *GateNotice) string {
	switch n.Status {
	case "pending":
		return fmt.Sprintf("⏳ Approval needed: workflow `%s` step %d (agent `%s`). Approval id `%s`.",
			n.WorkflowID, n.StepOrder, n.AgentName, n.ApprovalID)
	case "approved":
		return fmt.Sprintf("✅ Approval `%s` granted by %s. Workflow `%s` step %d resuming.",
			n.ApprovalID, n.Resolver, n.WorkflowID, n.StepOrder)
	case "rejected":
		return fmt.Sprintf("⛔ Approval `%s` rejected by %s. Workflow `%s` will not proceed.",
			n.ApprovalID, n.Resolver, n.WorkflowID)
	case "expired":
		return fmt.Sprintf("⏰ Approval `%s` expired. Workflow `%s` will not proceed.",
			n.ApprovalID, n.WorkflowID)
	default:
		return fmt.Sprintf("Approval `%s` is %s (workflow `%s` step %d).",
			n.ApprovalID, n.Status, n.WorkflowID, n.StepOrder)
	}
}
