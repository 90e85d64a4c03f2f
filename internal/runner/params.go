package runner

import (
	"encoding/json"
	"fmt"
)

// Params are the run parameters carried by a queue entry.
type Params struct {
	Name      string            `json:"name"`
	Scenarios []string          `json:"scenarios"`
	Switches  map[string]string `json:"switches,omitempty"`
	OutputDir string            `json:"output_dir"`

	// Trace carries the submitting request's trace context.
	Trace map[string]string `json:"trace,omitempty"`
}

// Encode serializes p as a queue payload.
func (p Params) Encode() (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return b, nil
}

// DecodeParams parses a queue payload.
func DecodeParams(payload []byte) (Params, error) {
	var p Params
	if err := json.Unmarshal(payload, &p); err != nil {
		return Params{}, fmt.Errorf("decode params: %w", err)
	}
	if p.OutputDir == "" {
		return Params{}, fmt.Errorf("decode params: output_dir is missing")
	}
	return p, nil
}
