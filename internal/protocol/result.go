package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoData is returned by DecodeData when the result carries no data.
var ErrNoData = errors.New("result has no data")

// Result is the outcome of a command that received a response. A result with
// Success false is still a normal completion.
type Result struct {
	ID              string
	Success         bool
	ExitCode        *int
	Stdout          *string
	Stderr          *string
	ExecutionTimeMs *int64
	CommandType     json.RawMessage
	Data            json.RawMessage
	Error           string
}

// NewResult converts a decoded response into a Result, recovering structured
// data from stdout for actions whose agents print JSON there.
func NewResult(resp *Response, action Action) *Result {
	r := &Result{
		ID:              resp.ID,
		Success:         resp.Success,
		ExitCode:        resp.ExitCode,
		Stdout:          resp.Stdout,
		Stderr:          resp.Stderr,
		ExecutionTimeMs: resp.ExecutionTimeMs,
		CommandType:     resp.CommandType,
		Data:            resp.Data,
		Error:           resp.Error,
	}
	if action.RecoversStdout() {
		r.RecoverData()
	}
	return r
}

// RecoverData fills an empty Data from Stdout when stdout holds a JSON
// object or array. It reports whether anything was recovered.
func (r *Result) RecoverData() bool {
	if !emptyData(r.Data) || r.Stdout == nil {
		return false
	}
	out := bytes.TrimSpace([]byte(*r.Stdout))
	if len(out) == 0 || (out[0] != '{' && out[0] != '[') {
		return false
	}
	if !json.Valid(out) {
		return false
	}
	r.Data = json.RawMessage(out)
	return true
}

func emptyData(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// DecodeData unmarshals the result's Data into T.
func DecodeData[T any](r *Result) (T, error) {
	var v T
	if r == nil || emptyData(r.Data) {
		return v, ErrNoData
	}
	if err := json.Unmarshal(r.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s data: %w", r.ID, err)
	}
	return v, nil
}

// Typed views of common action data.

type DiskUsage struct {
	Filesystem  string  `json:"filesystem"`
	Mountpoint  string  `json:"mountpoint"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

type ServiceInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Active bool   `json:"active"`
}

type CheckOutcome struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}
