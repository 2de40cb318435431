// Package auth validates the bearer tokens that guard the gateway's write
// endpoints.
//
// Tokens are HS256 JWTs signed with security.jwt.secret. They carry a
// subject and one of three cumulative roles:
//
//	viewer    read state, assets and audit
//	operator  + control commands
//	admin     + asset document replacement
//
// The mapping from role to permission is static; there is no user store.
// Operators mint tokens with "gateway token".
package auth
