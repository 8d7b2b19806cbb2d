// Package authz resolves whether a caller may redeem an object.
//
// The resolver is a pure predicate over current state. It holds no cache;
// every redemption attempt re-evaluates membership so a revoked member
// loses access immediately.
package authz

import (
	"context"

	"github.com/ElliottDenis/Viewport/internal/store"
)

// Reason explains a denial.
type Reason string

const (
	// ReasonAuthRequired means the object is account-scoped and the caller
	// is anonymous.
	ReasonAuthRequired Reason = "AUTH_REQUIRED"

	// ReasonForbidden means the caller is authenticated but is neither the
	// uploader nor a member of the recipient account.
	ReasonForbidden Reason = "FORBIDDEN"
)

// Caller describes the redeeming identity. A nil *Caller is anonymous.
type Caller struct {
	UserID string
}

// MembershipChecker answers the single membership question the resolver
// needs. store.Store satisfies it.
type MembershipChecker interface {
	IsMember(ctx context.Context, accountID, userID string) (bool, error)
}

// Decision is the resolver's verdict. Reason is set only when not Allowed.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Resolver decides account-scoped access. PIN gating is a separate layer
// handled by the redemption protocol; the two never substitute for each
// other.
type Resolver struct {
	members MembershipChecker
}

// New creates a resolver over the given membership source.
func New(members MembershipChecker) *Resolver {
	return &Resolver{members: members}
}

// Authorize applies the account-scoping rules:
//
//  1. No recipient account on the object: always allowed at this layer.
//  2. Anonymous caller on a scoped object: AUTH_REQUIRED.
//  3. The uploader always retains access to their own object.
//  4. Otherwise the caller must hold a membership row for the account.
func (r *Resolver) Authorize(ctx context.Context, obj *store.Object, caller *Caller) (Decision, error) {
	if obj.RecipientAccountID == "" {
		return Decision{Allowed: true}, nil
	}

	if caller == nil || caller.UserID == "" {
		return Decision{Reason: ReasonAuthRequired}, nil
	}

	if obj.UploaderUserID != "" && caller.UserID == obj.UploaderUserID {
		return Decision{Allowed: true}, nil
	}

	member, err := r.members.IsMember(ctx, obj.RecipientAccountID, caller.UserID)
	if err != nil {
		return Decision{}, err
	}
	if !member {
		return Decision{Reason: ReasonForbidden}, nil
	}
	return Decision{Allowed: true}, nil
}
