package app

import "fmt"

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errNotFound(message string) *DomainError {
	return domainError(404, "NOT_FOUND", message, nil)
}

func errForbidden(message string) *DomainError {
	return domainError(403, "FORBIDDEN", message, nil)
}

func errLocked(message string) *DomainError {
	return domainError(423, "LOCKED", message, nil)
}

func errVersionConflict(currentVersion string, structured []byte, rendered string) *DomainError {
	return domainError(409, "VERSION_CONFLICT", "document changed since the expected version", map[string]any{
		"currentVersion":    currentVersion,
		"structuredContent": structured,
		"renderedContent":   rendered,
	})
}

func errInvalid(message string) *DomainError {
	return domainError(400, "INVALID", message, nil)
}
