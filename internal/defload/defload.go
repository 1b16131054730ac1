// Package defload reads already-compiled task definitions from a YAML
// file on disk. Parsing the workflow DSL and compiling its dependency
// graph is an external collaborator (spec.md §1 "workflow
// configuration parsing/graph compilation" is a Non-goal); this
// package only deserialises the flat, already-resolved definition
// records an external compiler would hand the scheduler.
package defload

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/schedd/internal/cyclepoint"
	"github.com/flowmesh/schedd/internal/taskdef"
)

// sequenceSpec is the on-disk shape of a task's cycling sequence.
type sequenceSpec struct {
	Calendar string `yaml:"calendar"` // "integer" or "iso8601"
	Start    string `yaml:"start"`
	IntStep  int64  `yaml:"int_step"`
	ISOStep  string `yaml:"iso_step"` // parsed with time.ParseDuration
}

// definitionSpec is the on-disk shape of one taskdef.Definition.
type definitionSpec struct {
	Name             string                `yaml:"name"`
	Sequence         sequenceSpec          `yaml:"sequence"`
	DependsOn        string                `yaml:"depends_on"`
	Outputs          []string              `yaml:"outputs"`
	Platform         taskdef.Platform      `yaml:"platform"`
	EventHandlers    []taskdef.EventHandler `yaml:"event_handlers"`
	XTriggers        []taskdef.XTrigger    `yaml:"xtriggers"`
	ExternalTriggers []string              `yaml:"external_triggers"`
	ExpiryOffset     string                `yaml:"expiry_offset"`
	LateOffset       string                `yaml:"late_offset"`
	ElapsedCapacity  int                   `yaml:"elapsed_history_capacity"`
	MaxSubmitRetries int                   `yaml:"max_submit_retries"`
	RetryDelay       string                `yaml:"retry_delay"`
	QueueName        string                `yaml:"queue_name"`
}

// document is the on-disk shape of a whole definitions file.
type document struct {
	Tasks []definitionSpec `yaml:"tasks"`
}

// Load reads and converts every task definition in path.
func Load(path string) ([]*taskdef.Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("defload: read %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("defload: parse %s: %w", path, err)
	}

	defs := make([]*taskdef.Definition, 0, len(doc.Tasks))
	for _, spec := range doc.Tasks {
		def, err := convert(spec)
		if err != nil {
			return nil, fmt.Errorf("defload: task %q: %w", spec.Name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func convert(spec definitionSpec) (*taskdef.Definition, error) {
	seq, err := convertSequence(spec.Sequence)
	if err != nil {
		return nil, err
	}
	expiry, err := parseDurationOrEmpty(spec.ExpiryOffset)
	if err != nil {
		return nil, fmt.Errorf("expiry_offset: %w", err)
	}
	late, err := parseDurationOrEmpty(spec.LateOffset)
	if err != nil {
		return nil, fmt.Errorf("late_offset: %w", err)
	}
	retryDelay, err := parseDurationOrEmpty(spec.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("retry_delay: %w", err)
	}

	return &taskdef.Definition{
		Name:             spec.Name,
		Sequence:         seq,
		DependsOn:        spec.DependsOn,
		Outputs:          spec.Outputs,
		Platform:         spec.Platform,
		EventHandlers:    spec.EventHandlers,
		XTriggers:        spec.XTriggers,
		ExternalTriggers: spec.ExternalTriggers,
		ExpiryOffset:     expiry,
		LateOffset:       late,
		Elapsed:          taskdef.NewElapsedHistory(spec.ElapsedCapacity),
		MaxSubmitRetries: spec.MaxSubmitRetries,
		RetryDelay:       retryDelay,
		QueueName:        spec.QueueName,
	}, nil
}

func convertSequence(spec sequenceSpec) (cyclepoint.Sequence, error) {
	switch spec.Calendar {
	case "", "integer":
		start, err := cyclepoint.ParseInt(spec.Start)
		if err != nil {
			return cyclepoint.Sequence{}, err
		}
		step := spec.IntStep
		if step <= 0 {
			step = 1
		}
		return cyclepoint.NewIntSequence(start, step)
	case "iso8601":
		start, err := cyclepoint.ParseISO(spec.Start)
		if err != nil {
			return cyclepoint.Sequence{}, err
		}
		step, err := time.ParseDuration(spec.ISOStep)
		if err != nil {
			return cyclepoint.Sequence{}, fmt.Errorf("iso_step: %w", err)
		}
		return cyclepoint.NewISOSequence(start, step)
	default:
		return cyclepoint.Sequence{}, fmt.Errorf("unrecognised calendar %q", spec.Calendar)
	}
}

func parseDurationOrEmpty(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
