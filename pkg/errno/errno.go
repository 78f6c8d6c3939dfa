package errno

import "errors"

// Kind classifies an error for retry handling. Fund-movement code never
// guesses: transient errors go back to the queue, everything else is
// terminal in its own way.
type Kind int8

const (
	KindInternal             Kind = iota
	KindTransientNetwork          // retried with exponential backoff
	KindInsufficientResource      // energy exhausted, degrade to fallback or requeue
	KindInsufficientBalance       // below sweep minimum, terminal non-retryable skip
	KindPolicyViolation           // deterministic gate/rule outcome, never retried
	KindPermanentChain            // invalid signature/address, terminal + alert
	KindCircuitOpen               // suspended after repeated failures, manual reset
)

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
	Kind    Kind
}

func (e Errno) Error() string {
	return e.Message
}

// WithMessage returns a copy carrying a more specific message while keeping
// the code and kind, so classification survives the rewording.
func (e Errno) WithMessage(msg string) Errno {
	e.Message = msg
	return e
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	switch typed := err.(type) {
	case *Errno:
		return typed.Code, typed.Message
	case Errno:
		return typed.Code, typed.Message
	default:
		return InternalServerError.Code, err.Error()
	}
}

// KindOf extracts the Kind from an error chain. Unknown errors are treated
// as internal (not retryable) so a misclassified failure cannot loop.
func KindOf(err error) Kind {
	var e Errno
	if errors.As(err, &e) {
		return e.Kind
	}
	var pe *Errno
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the error should re-enter the retry path.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientNetwork
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrBind             = Errno{Code: 10002, Message: "Error occurred while binding the request body to the struct"}
	ErrDatabase         = Errno{Code: 10004, Message: "Database error"}
)

// Fund movement errors (20000+)
var (
	ErrTransientNetwork     = Errno{Code: 20101, Message: "Transient network error", Kind: KindTransientNetwork}
	ErrInsufficientResource = Errno{Code: 20102, Message: "Energy capacity exhausted", Kind: KindInsufficientResource}
	ErrInsufficientBalance  = Errno{Code: 20103, Message: "Balance below sweep minimum", Kind: KindInsufficientBalance}
	ErrPolicyViolation      = Errno{Code: 20104, Message: "Withdrawal policy violation", Kind: KindPolicyViolation}
	ErrPermanentChain       = Errno{Code: 20105, Message: "Permanent chain error", Kind: KindPermanentChain}
	ErrCircuitOpen          = Errno{Code: 20106, Message: "Auto processing suspended, manual reset required", Kind: KindCircuitOpen}
)

// Address / vault errors (20200+)
var (
	ErrAddressNotFound   = Errno{Code: 20201, Message: "Deposit address not found"}
	ErrDerivationSpace   = Errno{Code: 20202, Message: "HD derivation path space exhausted"}
	ErrPartnerNotFound   = Errno{Code: 20203, Message: "Partner wallet not found"}
	ErrIndexConflict     = Errno{Code: 20204, Message: "Derivation index update conflict"}
	ErrTaskNotFound      = Errno{Code: 20301, Message: "Sweep task not found"}
	ErrTaskNotCancelable = Errno{Code: 20302, Message: "Sweep task already claimed, cannot cancel"}
	ErrWithdrawNotFound  = Errno{Code: 20401, Message: "Withdrawal not found"}
)
