package services

const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeSessionCorrupted = "DATA_CORRUPTED"
	CodeInvalidSession   = "INVALID_SESSION"
	CodeInfrastructure   = "INTERNAL_ERROR"

	ActionReRegister = "re-register"
	ActionRetry      = "retry"
)

// Error is a presence failure with a stable machine readable code.
// errors.Is matches on Code, so wrapped instances compare equal to the sentinels.
type Error struct {
	Code    string
	Message string
	Action  string
	Err     error
}

var (
	ErrValidation       = &Error{Code: CodeValidation, Message: "Invalid request"}
	ErrSessionExpired   = &Error{Code: CodeSessionExpired, Message: "User session not found or expired", Action: ActionReRegister}
	ErrSessionCorrupted = &Error{Code: CodeSessionCorrupted, Message: "Session data corrupted", Action: ActionReRegister}
	ErrInvalidSession   = &Error{Code: CodeInvalidSession, Message: "Session id does not match the active session"}
	ErrInfrastructure   = &Error{Code: CodeInfrastructure, Message: "Presence store unavailable", Action: ActionRetry}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) ErrorCode() string {
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func validationError(message string) error {
	return &Error{Code: CodeValidation, Message: message}
}

func infraError(err error) error {
	return &Error{
		Code:    ErrInfrastructure.Code,
		Message: ErrInfrastructure.Message,
		Action:  ErrInfrastructure.Action,
		Err:     err,
	}
}
