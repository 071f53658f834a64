// Package bearer verifies the bearer credentials presented by realtime and REST clients.
//
// Token issuance, refresh and login live outside studyhub; this package only checks
// a credential and extracts the identity it carries. Two formats are supported:
// PASETO v4.public (Ed25519) and JWT HS256.
package bearer
