package freeze

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every error returned by the transfer, cache and encryption
// layers matches exactly one of these with errors.Is.
var (
	ErrAuth            = errors.New("authorization failed")
	ErrTransient       = errors.New("transient failure")
	ErrUpload          = errors.New("upload rejected")
	ErrIntegrity       = errors.New("integrity check failed")
	ErrDeserialization = errors.New("malformed snapshot")
	ErrIO              = errors.New("i/o failure")
	ErrKey             = errors.New("invalid key")
	ErrArgument        = errors.New("invalid argument")

	// ErrAttemptsExhausted is returned when an upload ran out of attempts
	// without a definitive answer from the backend. It is transient: the
	// file may succeed on the next run.
	ErrAttemptsExhausted = fmt.Errorf("%w: upload attempts exhausted", ErrTransient)
)

// Outcome is the class of a backend response, decided once at the adapter
// boundary so the retry logic never inspects backend-specific errors.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAuth
	OutcomeTransient
	OutcomeUnavailable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAuth:
		return "auth"
	case OutcomeTransient:
		return "transient"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "fatal"
	}
}

// Classify maps an HTTP status to an Outcome. Status 0 stands for a request
// that never produced a response (network fault) and is transient.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusUnauthorized:
		return OutcomeAuth
	case status == 0, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return OutcomeTransient
	case status == http.StatusServiceUnavailable:
		return OutcomeUnavailable
	default:
		return OutcomeFatal
	}
}

// RemoteError describes a failed backend call.
type RemoteError struct {
	Op      string // backend operation, e.g. "b2_upload_file"
	Path    string // logical file path, if any
	Status  int    // HTTP status, 0 when no response was received
	Code    string // backend error code, e.g. "expired_auth_token"
	Message string
	Kind    error // one of the Err* sentinels
	Err     error // underlying cause, may be nil
}

// NewRemoteError builds a RemoteError whose Kind follows from the status.
// Fatal statuses are classified with fatalKind (ErrUpload for uploads,
// ErrTransient or ErrArgument for other calls, at the caller's choice).
func NewRemoteError(op, path string, status int, code, message string, cause error, fatalKind error) *RemoteError {
	kind := fatalKind
	switch Classify(status) {
	case OutcomeAuth:
		kind = ErrAuth
	case OutcomeTransient, OutcomeUnavailable:
		kind = ErrTransient
	}
	return &RemoteError{Op: op, Path: path, Status: status, Code: code, Message: message, Kind: kind, Err: cause}
}

func (e *RemoteError) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StatusOf extracts the HTTP status from err, or 0 if err carries none.
func StatusOf(err error) int {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status
	}
	return 0
}
