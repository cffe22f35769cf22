package parse

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownProcessor is returned for a processor name the chain lacks.
var ErrUnknownProcessor = errors.New("unknown processor")

const (
	ProcessorStripANSI  = "strip_ansi"
	ProcessorTrim       = "trim"
	ProcessorDropEmpty  = "drop_empty"
	ProcessorKeyValue   = "key_value"
	ProcessorSplitLines = "split_lines"
)

// Processor transforms the lines of a command's output.
type Processor interface {
	Process([]string) ([]string, error)
	Name() string
}

// Chain holds registered processors and applies a named subset in order.
type Chain struct {
	processors map[string]Processor
}

func NewChain() *Chain {
	c := &Chain{processors: make(map[string]Processor)}
	c.Register(StripANSIProcessor{})
	c.Register(TrimProcessor{})
	c.Register(DropEmptyProcessor{})
	c.Register(KeyValueProcessor{})
	c.Register(SplitLinesProcessor{})
	return c
}

// Register adds p, replacing any processor with the same name.
func (c *Chain) Register(p Processor) {
	c.processors[p.Name()] = p
}

// Process applies the named processors to lines in order.
func (c *Chain) Process(lines []string, names ...string) ([]string, error) {
	if err := c.Check(names...); err != nil {
		return nil, err
	}
	result := lines
	for _, name := range names {
		var err error
		result, err = c.processors[name].Process(result)
		if err != nil {
			return nil, fmt.Errorf("%s processor failed: %w", name, err)
		}
	}
	return result, nil
}

// Check reports an error for the first name that is not registered.
func (c *Chain) Check(names ...string) error {
	for _, name := range names {
		if _, ok := c.processors[name]; !ok {
			return fmt.Errorf("%w: processor %q not registered", ErrUnknownProcessor, name)
		}
	}
	return nil
}

// Apply runs the named processors over the lines of stdout and joins the
// result back into newline terminated text. Without names stdout is returned
// unchanged.
func (c *Chain) Apply(stdout string, names ...string) (string, error) {
	if len(names) == 0 {
		return stdout, nil
	}
	if err := c.Check(names...); err != nil {
		return "", err
	}
	lines, err := c.Process(Lines(stdout), names...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// Lines splits captured output into lines, dropping the trailing newline.
func Lines(out string) []string {
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

type StripANSIProcessor struct{}

func (StripANSIProcessor) Name() string { return ProcessorStripANSI }
func (StripANSIProcessor) Process(lines []string) ([]string, error) {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = Clean(line)
	}
	return out, nil
}

// TrimProcessor trims whitespace from each line in the input.
type TrimProcessor struct{}

func (TrimProcessor) Name() string { return ProcessorTrim }
func (TrimProcessor) Process(lines []string) ([]string, error) {
	trimmed := make([]string, len(lines))
	for i, line := range lines {
		trimmed[i] = strings.TrimSpace(line)
	}
	return trimmed, nil
}

type DropEmptyProcessor struct{}

func (DropEmptyProcessor) Name() string { return ProcessorDropEmpty }
func (DropEmptyProcessor) Process(lines []string) ([]string, error) {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// KeyValueProcessor keeps only "key: value" lines (or two-cell table rows)
// and normalizes them to "key: value", preserving order.
type KeyValueProcessor struct{}

func (KeyValueProcessor) Name() string { return ProcessorKeyValue }
func (KeyValueProcessor) Process(lines []string) ([]string, error) {
	pairs, err := parseKeyValueLines(lines, true)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p[0]+": "+p[1])
	}
	return out, nil
}

// SplitLinesProcessor splits every line into whitespace separated fields.
type SplitLinesProcessor struct{}

func (SplitLinesProcessor) Name() string { return ProcessorSplitLines }
func (SplitLinesProcessor) Process(lines []string) ([]string, error) {
	result := make([]string, 0, len(lines)*3)
	for _, line := range lines {
		result = append(result, strings.Fields(line)...)
	}
	return result, nil
}

// KeyValues parses "key: value" lines and box-drawn two column tables such as
// the one printed by `pm2 describe`. Other lines are ignored; later keys win.
func KeyValues(out string) (map[string]string, error) {
	pairs, err := parseKeyValueLines(Lines(Clean(out)), false)
	if err != nil {
		return nil, err
	}
	kv := make(map[string]string, len(pairs))
	for _, p := range pairs {
		kv[p[0]] = p[1]
	}
	return kv, nil
}

func parseKeyValueLines(lines []string, strict bool) ([][2]string, error) {
	var pairs [][2]string
	for _, line := range lines {
		var key, value string
		if strings.ContainsRune(line, '│') {
			var cells []string
			for _, cell := range strings.Split(line, "│") {
				if cell = strings.TrimSpace(cell); cell != "" {
					cells = append(cells, cell)
				}
			}
			if len(cells) != 2 {
				continue
			}
			key, value = cells[0], cells[1]
		} else {
			parts := strings.SplitN(strings.TrimSpace(line), ":", 2)
			if len(parts) != 2 {
				continue
			}
			key, value = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
			if key == "" {
				if strict {
					return nil, fmt.Errorf("empty key in line: %q", line)
				}
				continue
			}
		}
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs, nil
}
