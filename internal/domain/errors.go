package domain

import "errors"

// Domain errors
var (
	ErrUnknownDay            = errors.New("unknown day")
	ErrIncomparableResult    = errors.New("result is not comparable with stored guesses")
	ErrConcurrentRunConflict = errors.New("concurrent scoring run conflict")
	ErrDuplicateGuess        = errors.New("guess already submitted for this day")
	ErrGuessingClosed        = errors.New("guessing is closed for this day")
	ErrDuplicateBet          = errors.New("bet already placed on this item")
	ErrInvalidItemCode       = errors.New("invalid item code")
	ErrAlreadyMinted         = errors.New("address has already minted")
	ErrInvalidCategory       = errors.New("invalid mint category")
	ErrInvalidAddress        = errors.New("invalid wallet address")
	ErrNotFound              = errors.New("not found")
	ErrChainUnavailable      = errors.New("chain unavailable")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInternalError         = errors.New("internal server error")
)

// IsConflictError checks if an error reports a state conflict rather than a failure
func IsConflictError(err error) bool {
	return errors.Is(err, ErrDuplicateGuess) ||
		errors.Is(err, ErrDuplicateBet) ||
		errors.Is(err, ErrAlreadyMinted) ||
		errors.Is(err, ErrGuessingClosed) ||
		errors.Is(err, ErrConcurrentRunConflict)
}

// IsValidationError checks if an error was caused by caller input
func IsValidationError(err error) bool {
	return errors.Is(err, ErrUnknownDay) ||
		errors.Is(err, ErrIncomparableResult) ||
		errors.Is(err, ErrInvalidItemCode) ||
		errors.Is(err, ErrInvalidCategory) ||
		errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrInvalidRequest)
}
