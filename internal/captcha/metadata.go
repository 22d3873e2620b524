package captcha

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes the model's input and output layout.
type Metadata struct {
	// InputShape is NCHW, e.g. [1, 1, 64, 160].
	InputShape []int     `json:"input_shape"`
	Mean       []float64 `json:"mean"`
	Std        []float64 `json:"std"`
	// Charset maps output class index to character.
	Charset        string `json:"charset"`
	OutputIsLogits bool   `json:"output_is_logits"`
}

// Channels, Height and Width read the NCHW input shape.
func (m Metadata) Channels() int { return m.InputShape[1] }
func (m Metadata) Height() int   { return m.InputShape[2] }
func (m Metadata) Width() int    { return m.InputShape[3] }

// LoadMetadata reads and validates a metadata document.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the shape and normalization constants agree.
func (m Metadata) Validate() error {
	if len(m.InputShape) != 4 {
		return fmt.Errorf("input_shape must be NCHW, got %v", m.InputShape)
	}
	for _, d := range m.InputShape[1:] {
		if d <= 0 {
			return fmt.Errorf("input_shape has non-positive dimension: %v", m.InputShape)
		}
	}
	c := m.Channels()
	if len(m.Mean) != c || len(m.Std) != c {
		return fmt.Errorf("mean/std must have %d entries", c)
	}
	for _, s := range m.Std {
		if s == 0 {
			return fmt.Errorf("std must be non-zero")
		}
	}
	if m.Charset == "" {
		return fmt.Errorf("charset is empty")
	}
	return nil
}
