// Package batch parses the tab-separated batch submission format: a header
// row naming parameters by role, then one row of concrete values per task.
package batch

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ahodges/stagehand/internal/engine"
	"github.com/ahodges/stagehand/internal/model"
)

// Header designators. Each header cell is a designator followed by the
// parameter name, e.g. "--input VCF" or "--output-recursive RESULTS".
const (
	designatorEnv             = "--env"
	designatorInput           = "--input"
	designatorInputRecursive  = "--input-recursive"
	designatorOutput          = "--output"
	designatorOutputRecursive = "--output-recursive"
)

type column struct {
	designator string
	name       string
}

// Parse reads a batch table and returns one TaskSpec per data row. Parameter
// names must be unique across the header; every row must fill every column.
func Parse(r io.Reader) ([]engine.TaskSpec, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		return nil, fmt.Errorf("batch table is empty")
	}
	columns, err := parseHeader(scanner.Text())
	if err != nil {
		return nil, err
	}

	var specs []engine.TaskSpec
	line := 1
	for scanner.Scan() {
		line++
		row := scanner.Text()
		if strings.TrimSpace(row) == "" {
			continue
		}
		values := strings.Split(row, "\t")
		if len(values) != len(columns) {
			return nil, fmt.Errorf("line %d: %d values for %d columns", line, len(values), len(columns))
		}
		spec, err := buildSpec(columns, values)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		specs = append(specs, spec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch table: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("batch table has no task rows")
	}
	return specs, nil
}

func parseHeader(header string) ([]column, error) {
	cells := strings.Split(header, "\t")
	columns := make([]column, 0, len(cells))
	seen := make(map[string]bool, len(cells))

	for i, cell := range cells {
		fields := strings.Fields(cell)
		if len(fields) != 2 {
			return nil, fmt.Errorf("header column %d: want %q, got %q", i+1, "<designator> <NAME>", cell)
		}
		designator, name := fields[0], fields[1]
		switch designator {
		case designatorEnv, designatorInput, designatorInputRecursive,
			designatorOutput, designatorOutputRecursive:
		default:
			return nil, fmt.Errorf("header column %d: unknown designator %q", i+1, designator)
		}
		if seen[name] {
			return nil, fmt.Errorf("header column %d: duplicate parameter name %q", i+1, name)
		}
		seen[name] = true
		columns = append(columns, column{designator: designator, name: name})
	}
	return columns, nil
}

func buildSpec(columns []column, values []string) (engine.TaskSpec, error) {
	var spec engine.TaskSpec
	for i, col := range columns {
		value := strings.TrimSpace(values[i])
		if value == "" {
			return engine.TaskSpec{}, fmt.Errorf("column %q: empty value", col.name)
		}
		switch col.designator {
		case designatorEnv:
			if spec.Env == nil {
				spec.Env = make(map[string]string)
			}
			spec.Env[col.name] = value
		case designatorInput:
			spec.Inputs = append(spec.Inputs, model.Param{Name: col.name, URI: value})
		case designatorInputRecursive:
			spec.Inputs = append(spec.Inputs, model.Param{Name: col.name, URI: value, Recursive: true})
		case designatorOutput:
			spec.Outputs = append(spec.Outputs, model.Param{Name: col.name, URI: value})
		case designatorOutputRecursive:
			spec.Outputs = append(spec.Outputs, model.Param{Name: col.name, URI: value, Recursive: true})
		}
	}
	return spec, nil
}
