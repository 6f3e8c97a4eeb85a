// Package errorutil distinguishes business rule violations from internal
// failures so the API layer can decide what is safe to surface to clients.
package errorutil

import "fmt"

type Error struct {
	description string
	wrapped     error
}

func (err Error) Error() string {
	return err.description
}

func (err Error) Unwrap() error {
	return err.wrapped
}

func New(description string) Error {
	return Error{description: description}
}

// Format builds an Error from a format string. The %w verb is honored so
// sentinel errors keep working with errors.Is.
func Format(format string, args ...any) Error {
	wrapped := fmt.Errorf(format, args...)
	return Error{
		description: wrapped.Error(),
		wrapped:     wrapped,
	}
}
