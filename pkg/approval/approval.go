// Package approval is the Approval Gate (§4.6): it decides whether a
// freshly submitted task starts life in PENDING_APPROVAL or goes
// straight to PENDING, based on the submitting principal's tier, and
// delegates the approve/reject transitions themselves to the Status
// Authority.
package approval

import (
	"fmt"

	"github.com/riverd/river/pkg/log"
	"github.com/riverd/river/pkg/statemachine"
	"github.com/riverd/river/pkg/types"
)

// Tier is the submitting principal's authorization level: which tier
// of user may skip the approval gate.
type Tier string

const (
	TierUser     Tier = "user"
	TierOperator Tier = "operator"
	TierAdmin    Tier = "admin"
)

// Gate decides initial task status on submission and brokers
// approve/reject decisions through the Status Authority.
type Gate struct {
	authority   *statemachine.Authority
	authEnabled bool
}

// New builds a Gate. When authEnabled is false every submission is
// treated as pre-authorized regardless of tier, matching the "auth
// disabled" carve-out in §4.6.
func New(authority *statemachine.Authority, authEnabled bool) *Gate {
	return &Gate{authority: authority, authEnabled: authEnabled}
}

// InitialStatus returns the status a freshly submitted task should be
// created with: PENDING_APPROVAL for a USER-tier principal while auth
// is enabled, PENDING otherwise.
func (g *Gate) InitialStatus(tier Tier) types.TaskStatus {
	if g.authEnabled && tier == TierUser {
		return types.StatusPendingApproval
	}
	return types.StatusPending
}

// Approve moves a PENDING_APPROVAL task to PENDING, recording the
// approving principal. Only OPERATOR/ADMIN principals may approve;
// the caller is responsible for having authenticated approverTier.
func (g *Gate) Approve(taskID int64, approverID string, approverTier Tier) (*types.Task, error) {
	if approverTier == TierUser {
		return nil, fmt.Errorf("principal %q (tier user) is not authorized to approve tasks", approverID)
	}
	task, err := g.authority.Approve(taskID, approverID)
	if err != nil {
		return nil, err
	}
	logger := log.WithTaskID(taskID)
	logger.Info().Str("approver", approverID).Msg("task approved")
	return task, nil
}

// Reject moves a PENDING_APPROVAL task to REJECTED, recording the
// rejecting principal and reason.
func (g *Gate) Reject(taskID int64, approverID, reason string, approverTier Tier) (*types.Task, error) {
	if approverTier == TierUser {
		return nil, fmt.Errorf("principal %q (tier user) is not authorized to reject tasks", approverID)
	}
	task, err := g.authority.Reject(taskID, approverID, reason)
	if err != nil {
		return nil, err
	}
	logger := log.WithTaskID(taskID)
	logger.Info().Str("approver", approverID).Str("reason", reason).Msg("task rejected")
	return task, nil
}
