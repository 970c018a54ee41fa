// Package graphql talks to the replication backend: queries and mutations over
// HTTP, live subscriptions over the graphql-ws websocket protocol, and the
// document builders for a model's delta query, upsert and subscription.
package graphql

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedResponse is returned when a response does not carry exactly one
// top-level operation result.
var ErrMalformedResponse = errors.New("malformed graphql response")

// Request is a GraphQL operation.
type Request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// Response is the standard GraphQL response envelope.
type Response struct {
	Data   map[string]json.RawMessage `json:"data,omitempty"`
	Errors []ResponseError            `json:"errors,omitempty"`
}

// ResponseError is one entry of the errors array.
type ResponseError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// ResponseErrors is returned when the server answered with GraphQL errors.
type ResponseErrors []ResponseError

func (e ResponseErrors) Error() string {
	msgs := make([]string, len(e))
	for i, re := range e {
		msgs[i] = re.Message
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

// Error is an HTTP-level failure from the GraphQL endpoint.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("graphql http error (%d): %s", e.Status, e.Message)
}

// FirstOperationData returns the single top-level result of resp. Responses
// with zero or several keys are rejected.
func FirstOperationData(resp *Response) (string, json.RawMessage, error) {
	if resp == nil || len(resp.Data) != 1 {
		n := 0
		if resp != nil {
			n = len(resp.Data)
		}
		return "", nil, fmt.Errorf("%w: expected 1 top-level key, got %d", ErrMalformedResponse, n)
	}
	for k, v := range resp.Data {
		return k, v, nil
	}
	return "", nil, ErrMalformedResponse
}

// MutationResult is the payload of an insert mutation.
type MutationResult[T any] struct {
	AffectedRows int `json:"affected_rows,omitempty"`
	Returning    []T `json:"returning"`
}
