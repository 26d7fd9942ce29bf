package models

import "fmt"

// AppError carries a machine-readable code and the HTTP status the handler
// layer should answer with. Services return it explicitly instead of panicking
// or mapping errors by string.
type AppError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAppError(status int, code, message string) *AppError {
	return &AppError{Status: status, Code: code, Message: message}
}
