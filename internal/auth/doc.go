// Package auth provides token verification for parley.
//
// Identity management lives outside this service; requests and websocket
// connections present a JWT signed with the shared HS256 secret, and the
// "sub" claim is trusted verbatim as the user id.
//
// TokenVerifier is the single touchpoint: the HTTP middleware and the
// realtime handshake both resolve credentials through it, so swapping the
// identity scheme means swapping one implementation.
package auth
