// Package runbook composes remote commands into typed, strictly sequential
// steps run against one or more targets.
package runbook

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Runbook struct {
	Name        string            `yaml:"name" json:"name" validate:"required,stepname"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Targets     []string          `yaml:"targets,omitempty" json:"targets,omitempty" validate:"dive,required"`
	Timeout     time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`
	PollEvery   time.Duration     `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty" validate:"gte=0"`
	MaxWait     time.Duration     `yaml:"maxWait,omitempty" json:"maxWait,omitempty" validate:"gte=0"`
	SecretEnv   map[string]string `yaml:"secretEnv,omitempty" json:"secretEnv,omitempty" validate:"omitempty,dive,keys,envname,endkeys,required"`
	Steps       []Step            `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

// Step is one command in a runbook. Exactly one of Shell, Patch, Restart and
// Verify is set.
type Step struct {
	Name    string        `yaml:"name" json:"name" validate:"required,stepname"`
	Shell   *ShellStep    `yaml:"shell,omitempty" json:"shell,omitempty"`
	Patch   *PatchStep    `yaml:"patch,omitempty" json:"patch,omitempty"`
	Restart *RestartStep  `yaml:"restart,omitempty" json:"restart,omitempty"`
	Verify  *VerifyStep   `yaml:"verify,omitempty" json:"verify,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`
	MaxWait time.Duration `yaml:"maxWait,omitempty" json:"maxWait,omitempty" validate:"gte=0"`
	// Process names line processors applied to stdout before the step's
	// check and captures. The report keeps the raw output.
	Process []string `yaml:"process,omitempty" json:"process,omitempty" validate:"omitempty,dive,oneof=strip_ansi trim drop_empty key_value split_lines"`

	// Capture maps a variable name to a JSON path in the step output. Captured
	// values are exported to the following steps on the same target.
	Capture map[string]string `yaml:"capture,omitempty" json:"capture,omitempty" validate:"omitempty,dive,keys,envname,endkeys,required"`
	// If names a captured variable; the step is skipped when it is empty.
	If        string            `yaml:"if,omitempty" json:"if,omitempty" validate:"omitempty,envname"`
	SecretEnv map[string]string `yaml:"secretEnv,omitempty" json:"secretEnv,omitempty" validate:"omitempty,dive,keys,envname,endkeys,required"`
}

// Action returns the one step kind that is set, or nil.
func (s Step) Action() Action {
	var set []Action
	if s.Shell != nil {
		set = append(set, s.Shell)
	}
	if s.Patch != nil {
		set = append(set, s.Patch)
	}
	if s.Restart != nil {
		set = append(set, s.Restart)
	}
	if s.Verify != nil {
		set = append(set, s.Verify)
	}
	if len(set) != 1 {
		return nil
	}
	return set[0]
}

// Load reads and validates a runbook file.
func Load(path string) (*Runbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read runbook: %w", err)
	}
	rb, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rb, nil
}

// Parse decodes a YAML runbook, rejecting unknown fields, and validates it.
func Parse(data []byte) (*Runbook, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var rb Runbook
	if err := dec.Decode(&rb); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty runbook", ErrInvalidRunbook)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRunbook, err)
	}
	if err := Validate(&rb); err != nil {
		return nil, err
	}
	return &rb, nil
}
