package auth

import "errors"

// Sentinel errors returned by Manager. Callers should use errors.Is for
// comparison.
var (
	// ErrTokenExpired is returned when a token's expires-at has passed.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenRevoked is returned when a token appears in the revocation set.
	ErrTokenRevoked = errors.New("auth: token revoked")

	// ErrTokenUnknown is returned when a token verifies against this
	// manager's key but is not in the issued set (never recorded, or its
	// record was already swept). JWTs signed by another key fail signature
	// verification and get ErrTokenInvalid instead.
	ErrTokenUnknown = errors.New("auth: token not issued by this node")

	// ErrTokenInvalid is returned when the token cannot be parsed or its
	// signature does not verify.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
