package rbac

import (
	"context"

	"petition-billing/internal/auth"
)

// UnlimitedPolicy decides which accounts bypass balance and limit checks:
// configured master user ids, or a request authenticated with the master role.
type UnlimitedPolicy struct {
	masters map[string]struct{}
}

func NewUnlimitedPolicy(masterUserIDs []string) *UnlimitedPolicy {
	p := &UnlimitedPolicy{masters: make(map[string]struct{}, len(masterUserIDs))}
	for _, id := range masterUserIDs {
		if id != "" {
			p.masters[id] = struct{}{}
		}
	}
	return p
}

func (p *UnlimitedPolicy) IsUnlimited(ctx context.Context, userID string) bool {
	if p == nil || userID == "" {
		return false
	}
	if _, ok := p.masters[userID]; ok {
		return true
	}
	// The role only applies to the caller's own account.
	uid, err := auth.UserID(ctx)
	if err != nil || uid != userID {
		return false
	}
	role, _ := auth.Role(ctx)
	return IsMaster(role)
}
