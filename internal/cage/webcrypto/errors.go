package webcrypto

import "fmt"

// DOMError is a failure reported to the script as an Error with the given
// name, the way Web Crypto reports DOMExceptions.
type DOMError struct {
	Name    string
	Message string
}

func (e *DOMError) Error() string { return e.Name + ": " + e.Message }

func domError(name, format string, args ...any) *DOMError {
	return &DOMError{Name: name, Message: fmt.Sprintf(format, args...)}
}

func typeError(format string, args ...any) error {
	return domError("TypeError", format, args...)
}

func notSupported(format string, args ...any) error {
	return domError("NotSupportedError", format, args...)
}

func invalidAccess(format string, args ...any) error {
	return domError("InvalidAccessError", format, args...)
}

func operationError(format string, args ...any) error {
	return domError("OperationError", format, args...)
}

func dataError(format string, args ...any) error {
	return domError("DataError", format, args...)
}

func syntaxError(format string, args ...any) error {
	return domError("SyntaxError", format, args...)
}
