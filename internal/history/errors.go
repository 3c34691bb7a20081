package history

import "fmt"

const (
	CodeStorageUnavailable = "storage_unavailable"
	CodeInvalidMeta        = "invalid_meta"
)

type HistoryError struct {
	Code    string
	Message string
	Err     error
}

func (e *HistoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *HistoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func historyError(code, message string, err error) *HistoryError {
	return &HistoryError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
