// Package conversation provides high-level conversation management services.
//
// # Overview
//
// The conversation package sits between the HTTP/WebSocket handlers and the
// store, enforcing membership and admin rules before any row is touched.
//
// # Service
//
// Key operations:
//
//   - CreateOrReuse(ctx, requester, participants, type, name): create a
//     conversation; an existing private pair is returned instead of a
//     duplicate
//   - GetForUser / ListForUser: membership-scoped reads merged with the
//     caller's own settings
//   - AddMembers / RemoveMember / LeaveGroup: group membership changes
//   - UpdateSettings: per-user mute, pin, archive and nickname state
//
// # Visibility
//
// Non-members asking about a conversation get store.ErrNotFound, not a
// forbidden error: whether the conversation exists at all is not disclosed.
// ErrForbidden is reserved for members lacking admin rights on a group.
package conversation
