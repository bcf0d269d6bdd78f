package auth

// AuthError is a stable error code plus a human message for API responses.
type AuthError struct {
	Code    string
	Message string
}

func (e AuthError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid or malformed token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "authentication required"}
	ErrBadSecret    = AuthError{Code: "BAD_SECRET", Message: "operator secret mismatch"}
)

// OperatorClaims identify the caller of the control-plane API. There is no
// user store; tokens are issued against the shared operator secret.
type OperatorClaims struct {
	Subject string `json:"sub_name"`
	Role    string `json:"role"`
}

// TokenPair is the issue response.
type TokenPair struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
