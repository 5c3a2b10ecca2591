package domain

// ErrorCode is the closed set of failure codes surfaced to clients.
type ErrorCode string

const (
	ErrValidation         ErrorCode = "VALIDATION_ERROR"
	ErrChecksumMismatch   ErrorCode = "CHECKSUM_MISMATCH"
	ErrDuplicateAction    ErrorCode = "DUPLICATE_ACTION"
	ErrEntityNotFound     ErrorCode = "ENTITY_NOT_FOUND"
	ErrAlreadyValidated   ErrorCode = "ALREADY_VALIDATED"
	ErrAlreadyCancelled   ErrorCode = "ALREADY_CANCELLED"
	ErrInvalidState       ErrorCode = "INVALID_STATE"
	ErrInvoiceAlreadyPaid ErrorCode = "INVOICE_ALREADY_PAID"
	ErrInsufficientFunds  ErrorCode = "INSUFFICIENT_BALANCE"
)

var nonRetryable = map[ErrorCode]bool{
	ErrChecksumMismatch:   true,
	ErrDuplicateAction:    true,
	ErrEntityNotFound:     true,
	ErrAlreadyValidated:   true,
	ErrAlreadyCancelled:   true,
	ErrInvalidState:       true,
	ErrInvoiceAlreadyPaid: true,
	ErrInsufficientFunds:  true,
}

// Retryable tells the client whether to keep the action queued locally.
// Only VALIDATION_ERROR (transient or infrastructure trouble) is retryable.
func (c ErrorCode) Retryable() bool {
	if c == "" {
		return true
	}
	return !nonRetryable[c]
}

func (c ErrorCode) Valid() bool {
	return c == ErrValidation || nonRetryable[c]
}

type ResolutionAction string

const (
	ResolveDiscardLocal ResolutionAction = "DISCARD_LOCAL"
	ResolveUseServerID  ResolutionAction = "USE_SERVER_ID"
	ResolveRetry        ResolutionAction = "RETRY"
	ResolveManual       ResolutionAction = "MANUAL"
)

// ResolutionHint tells the client how to reconcile a rejected action.
type ResolutionHint struct {
	Action ResolutionAction       `json:"action"`
	Data   map[string]interface{} `json:"data,omitempty"`
}
