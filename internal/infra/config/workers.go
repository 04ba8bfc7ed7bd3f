package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
)

// WorkerSetting accepts a positive integer or "auto" (one worker per CPU).
type WorkerSetting struct {
	kind  workerKind
	value int
}

// Workers returns an explicit worker setting.
func Workers(n int) WorkerSetting {
	if n <= 0 {
		return WorkerSetting{}
	}
	return WorkerSetting{kind: workerExplicit, value: n}
}

// UnmarshalYAML supports integer and "auto" values.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{}
		return nil
	}
	return s.parse(node.Value)
}

// UnmarshalText lets environment overrides use the same syntax.
func (s *WorkerSetting) UnmarshalText(text []byte) error {
	return s.parse(string(text))
}

// MarshalYAML renders the setting back to its textual form.
func (s WorkerSetting) MarshalYAML() (any, error) {
	switch s.kind {
	case workerExplicit:
		return s.value, nil
	case workerAuto:
		return "auto", nil
	default:
		return nil, nil
	}
}

func (s *WorkerSetting) parse(raw string) error {
	text := strings.ToLower(strings.TrimSpace(raw))
	switch text {
	case "", "default":
		*s = WorkerSetting{}
		return nil
	case "auto":
		*s = WorkerSetting{kind: workerAuto}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("workers: invalid value %q", raw)
	}
	if val <= 0 {
		return fmt.Errorf("workers: numeric value must be > 0")
	}
	*s = WorkerSetting{kind: workerExplicit, value: val}
	return nil
}

// Resolve returns the effective worker count, falling back to def when unset.
func (s WorkerSetting) Resolve(def int) int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
	}
	return def
}
