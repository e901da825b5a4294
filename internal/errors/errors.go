package errors

import "errors"

// Authentication errors.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrInvalidGrant       = errors.New("invalid or expired grant")
	ErrUnknownClient      = errors.New("unknown client")
	ErrInvalidCode        = errors.New("invalid or expired one-time code")
)

// Account and ledger errors.
var (
	ErrUserExists         = errors.New("user already exists")
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrInvalidTransaction = errors.New("invalid transaction")
)
