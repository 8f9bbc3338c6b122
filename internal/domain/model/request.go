package model

import (
	"encoding/json"
	"errors"
)

var errMissingRoute = errors.New("request: route is required")

// Request is the only inbound frame shape accepted from clients.
type Request struct {
	Route   Route           `json:"route"`
	Payload json.RawMessage `json:"payload"`
}

// ParseRequest decodes a text frame. Frames of any other shape are rejected
// so the caller can ignore them.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, err
	}
	if req.Route == "" {
		return Request{}, errMissingRoute
	}
	return req, nil
}
