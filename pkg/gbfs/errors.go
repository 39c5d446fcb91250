package gbfs

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by the typed feed errors through errors.Is.
var (
	// ErrNetwork indicates a transport failure or a non-2xx response.
	ErrNetwork = errors.New("network error")

	// ErrDecode indicates a payload that is not a JSON object.
	ErrDecode = errors.New("decode error")

	// ErrSchema indicates well-formed JSON with an unexpected shape.
	ErrSchema = errors.New("schema error")

	// ErrSuperseded is returned by a fetch that was cancelled because a newer
	// fetch was issued through the same client.
	ErrSuperseded = errors.New("request superseded by a newer fetch")
)

// NetworkError is returned when a feed could not be retrieved.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("error fetching %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// DecodeError is returned when a feed body is not a JSON object.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("error decoding %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// SchemaError is returned when a document lacks the structure a feed requires.
type SchemaError struct {
	Feed string
	Path string
	Msg  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("unexpected %s document: %s %s", e.Feed, e.Path, e.Msg)
}

func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}
