// Package secure implements the Secure Connector Base (spec §4.3): the
// generic pre-call interceptor that turns a raw connector method into an
// ACL-checked operation. Every concrete connector's protected methods call
// through Call instead of touching storage directly, so no secure method
// can bypass the check (spec §9, "Decorator-based access control").
package secure

import (
	"context"

	"github.com/rakunlabs/at/internal/identity"
	"github.com/rakunlabs/at/internal/sreerr"
)

// ACLResolver is implemented by any connector: given a resource id and the
// requesting candidate, it returns the effective ACL for that resource.
// For not-yet-existing resources it MUST return identity.OwnerACL(candidate)
// so creation is permitted (spec §4.3).
type ACLResolver interface {
	GetResourceACL(ctx context.Context, resourceID string, candidate identity.AccessCandidate) (*identity.ACL, error)
}

// Call runs the full interceptor pipeline for one protected method call:
//  1. resourceID has already been derived by the caller (connector-local helper).
//  2. ask the connector for the resource's ACL.
//  3. check the candidate against level.
//  4. on success, invoke fn.
//
// Read-only methods must pass identity.LevelRead, mutating methods
// identity.LevelWrite, and ACL mutations identity.LevelOwner (spec §4.3).
func Call[T any](ctx context.Context, resolver ACLResolver, candidate identity.AccessCandidate, resourceID string, level identity.Level, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	acl, err := resolver.GetResourceACL(ctx, resourceID, candidate)
	if err != nil {
		return zero, err
	}

	request := identity.AccessRequest{Candidate: candidate, Level: level}
	if !acl.Check(request) {
		// AccessDenied is surfaced verbatim; no hint of whether the
		// resource exists (spec §4.3, §7).
		return zero, sreerr.New(sreerr.AccessDenied, "access denied for "+resourceID)
	}

	return fn(ctx)
}

// CallVoid is Call for methods with no return value beyond an error.
func CallVoid(ctx context.Context, resolver ACLResolver, candidate identity.AccessCandidate, resourceID string, level identity.Level, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, resolver, candidate, resourceID, level, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
