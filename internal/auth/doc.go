// Package auth issues and verifies the bearer tokens of the HTTP API.
//
// Tokens are HS256 JWTs carrying a subject and one of three roles:
// viewer (read state), operator (also issue commands) and admin
// (also trigger a full refresh). The role-permission mapping is static.
package auth
