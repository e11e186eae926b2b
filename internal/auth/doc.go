// Package auth authenticates operators calling the inbox-allocator API.
//
// # JWT Tokens
//
// Callers present an HS256 token in the Authorization header:
//
//	Authorization: Bearer <token>
//
// The "sub" claim is the operator ID and the optional "tid" claim pins the
// token to a tenant. Tokens must carry an expiry and the inbox-allocator
// issuer. Secrets shorter than 32 bytes are rejected.
//
// # Identity
//
// Middleware looks the operator up and attaches an Identity (operator, tenant,
// role) to the request context. Handlers read it with FromContext. Role
// checks for overrides happen in the allocation engine, not here.
//
// # Anonymous Mode
//
// Without a configured secret the middleware is a pass-through and handlers
// take the caller from an operator_id field. This is meant for local
// development and is logged as a warning at startup.
package auth
