package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// GateNotice describes a pending approval gate that needs a human decision,
// or the decision that resolved one.
type GateNotice struct {
	ApprovalID string
	WorkflowID string
	StepOrder  int
	AgentName  string
	Status     string
	Resolver   string
	Comment    string
}

// Notifier delivers gate notices to one chat platform.
type Notifier interface {
	Platform() string
	NotifyGate(ctx context.Context, n *GateNotice) error
}

// Gateway fans gate notices out to every registered platform notifier.
// Delivery is best effort: a platform failure is logged, never propagated,
// so a flaky chat integration cannot stall the approval manager.
type Gateway struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
	logger    *zap.Logger
}

// NewGateway creates a gateway manager.
func NewGateway(logger *zap.Logger) *Gateway {
	return &Gateway{
		notifiers: make(map[string]Notifier),
		logger:    logger,
	}
}

// Register adds a platform notifier.
func (g *Gateway) Register(n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifiers[n.Platform()] = n
	g.logger.Info("registered gateway notifier", zap.String("platform", n.Platform()))
}

// NotifyGate broadcasts a notice to all platforms.
func (g *Gateway) NotifyGate(ctx context.Context, n *GateNotice) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for platform, notifier := range g.notifiers {
		if err := notifier.NotifyGate(ctx, n); err != nil {
			g.logger.Warn("gate notification failed",
				zap.String("platform", platform),
				zap.String("approval", n.ApprovalID),
				zap.Error(err))
		}
	}
}
