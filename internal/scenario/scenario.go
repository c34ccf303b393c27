package scenario

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario is one simulation: bus settings, targets and steps.
type Scenario struct {
	// Name identifies the scenario in transcripts and the trace store.
	// Defaults to the file name without extension.
	Name string `yaml:"name"`

	// Description is free text.
	Description string `yaml:"description,omitempty"`

	Bus BusConfig `yaml:"bus"`

	Targets []TargetSpec `yaml:"targets"`

	// Steps are command strings, see the package documentation.
	Steps []string `yaml:"steps"`
}

// BusConfig maps onto i2cm.Config and the hostbus latency.
type BusConfig struct {
	TimeoutTicks uint16 `yaml:"timeout_ticks,omitempty"`
	Retries      uint8  `yaml:"retries,omitempty"`
	NACKRetries  uint8  `yaml:"nack_retries,omitempty"`
	// Latency is the number of bus steps each primitive takes.
	Latency int `yaml:"latency,omitempty"`
}

// Target kinds.
const (
	KindMemory = "memory"
	KindScript = "script"
)

// TargetSpec describes one simulated device.
type TargetSpec struct {
	Addr uint8  `yaml:"addr"`
	Kind string `yaml:"kind"`

	// memory
	Size      int   `yaml:"size,omitempty"`
	Data      []int `yaml:"data,omitempty"`
	NackAfter int   `yaml:"nack_after,omitempty"`
	Busy      int   `yaml:"busy,omitempty"`

	// script
	Reply []int `yaml:"reply,omitempty"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return s, nil
}

// Parse decodes a scenario with strict field checking.
func Parse(r io.Reader) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject typos such as "target:"
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func (s *Scenario) validate() error {
	if s.Bus.Latency < 0 {
		return fmt.Errorf("bus.latency must not be negative")
	}
	seen := map[uint8]bool{}
	for i, t := range s.Targets {
		if t.Addr > 0x7F {
			return fmt.Errorf("targets[%d]: address 0x%X is not 7-bit", i, t.Addr)
		}
		if seen[t.Addr] {
			return fmt.Errorf("targets[%d]: address 0x%02X attached twice", i, t.Addr)
		}
		seen[t.Addr] = true
		switch t.Kind {
		case KindMemory:
			if t.Size <= 0 || t.Size > 65536 {
				return fmt.Errorf("targets[%d]: memory size must be in 1..65536", i)
			}
			if len(t.Data) > t.Size {
				return fmt.Errorf("targets[%d]: data longer than size", i)
			}
			if _, err := toBytes(t.Data); err != nil {
				return fmt.Errorf("targets[%d].data: %w", i, err)
			}
		case KindScript:
			if _, err := toBytes(t.Reply); err != nil {
				return fmt.Errorf("targets[%d].reply: %w", i, err)
			}
		default:
			return fmt.Errorf("targets[%d]: unknown kind %q", i, t.Kind)
		}
	}
	for i, st := range s.Steps {
		if _, err := parseStep(st); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func toBytes(v []int) ([]byte, error) {
	out := make([]byte, len(v))
	for i, x := range v {
		if x < 0 || x > 0xFF {
			return nil, fmt.Errorf("value %d at %d is not a byte", x, i)
		}
		out[i] = byte(x)
	}
	return out, nil
}
