package recipe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/arloliu/go-anneal/mks647b"
	"gopkg.in/yaml.v3"
)

// Format is a recipe file format.
type Format int

const (
	JSON Format = iota
	YAML
)

func (f Format) String() string {
	switch f {
	case JSON:
		return "json"
	case YAML:
		return "yaml"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ErrUnsupportedFormat is returned for an unknown file extension or format.
var ErrUnsupportedFormat = errors.New("recipe: unsupported format")

// FormatOf returns the format implied by the extension of path: .json, or
// .yaml and .yml.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return JSON, nil
	case ".yaml", ".yml":
		return YAML, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

type document struct {
	Stages []Stage `json:"stages" yaml:"stages"`
}

// stageFields mirrors Stage with pointers so that missing fields are detected.
type stageFields struct {
	Temperature  *int           `json:"temperature" yaml:"temperature"`
	RampMinutes  *int           `json:"ramp_time" yaml:"ramp_time"`
	HoldMinutes  *int           `json:"hold_time" yaml:"hold_time"`
	FlowSetpoint *float64       `json:"flow_rate" yaml:"flow_rate"`
	FlowRange    *mks647b.Range `json:"range" yaml:"range"`
}

func (f *stageFields) stage() (Stage, error) {
	switch {
	case f.Temperature == nil:
		return Stage{}, missingField("temperature")
	case f.RampMinutes == nil:
		return Stage{}, missingField("ramp_time")
	case f.HoldMinutes == nil:
		return Stage{}, missingField("hold_time")
	case f.FlowSetpoint == nil:
		return Stage{}, missingField("flow_rate")
	case f.FlowRange == nil:
		return Stage{}, missingField("range")
	}

	s := Stage{
		Temperature:  *f.Temperature,
		RampMinutes:  *f.RampMinutes,
		HoldMinutes:  *f.HoldMinutes,
		FlowSetpoint: *f.FlowSetpoint,
		FlowRange:    *f.FlowRange,
	}

	return s, s.Validate()
}

func missingField(name string) error {
	return fmt.Errorf("%w: missing field %q", ErrInvalidStage, name)
}

// Decode reads a recipe in format f. Every stage must carry every field and
// pass validation; otherwise the error names the 1-based stage and nothing
// is returned.
func Decode(r io.Reader, f Format) (*Recipe, error) {
	switch f {
	case JSON:
		return decodeJSON(r)
	case YAML:
		return decodeYAML(r)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
	}
}

func decodeJSON(r io.Reader) (*Recipe, error) {
	var doc struct {
		Stages *[]json.RawMessage `json:"stages"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("recipe: decode json: %w", err)
	}
	if doc.Stages == nil {
		return nil, errors.New(`recipe: missing "stages"`)
	}

	raw := *doc.Stages
	if len(raw) > MaxStages {
		return nil, fmt.Errorf("%w: %d stages, at most %d", ErrTooManyStages, len(raw), MaxStages)
	}

	stages := make([]Stage, 0, len(raw))
	for i, msg := range raw {
		var fields stageFields
		if err := json.Unmarshal(msg, &fields); err != nil {
			return nil, fmt.Errorf("recipe: stage %d: %w", i+1, err)
		}

		s, err := fields.stage()
		if err != nil {
			return nil, fmt.Errorf("recipe: stage %d: %w", i+1, err)
		}
		stages = append(stages, s)
	}

	return &Recipe{stages: stages}, nil
}

func decodeYAML(r io.Reader) (*Recipe, error) {
	var doc struct {
		Stages *[]yaml.Node `yaml:"stages"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("recipe: decode yaml: %w", err)
	}
	if doc.Stages == nil {
		return nil, errors.New(`recipe: missing "stages"`)
	}

	nodes := *doc.Stages
	if len(nodes) > MaxStages {
		return nil, fmt.Errorf("%w: %d stages, at most %d", ErrTooManyStages, len(nodes), MaxStages)
	}

	stages := make([]Stage, 0, len(nodes))
	for i := range nodes {
		var fields stageFields
		if err := nodes[i].Decode(&fields); err != nil {
			return nil, fmt.Errorf("recipe: stage %d: %w", i+1, err)
		}

		s, err := fields.stage()
		if err != nil {
			return nil, fmt.Errorf("recipe: stage %d: %w", i+1, err)
		}
		stages = append(stages, s)
	}

	return &Recipe{stages: stages}, nil
}

// Encode writes rec in format f, stages in order. JSON is indented by four
// spaces.
func Encode(w io.Writer, f Format, rec *Recipe) error {
	doc := document{Stages: rec.Stages()}

	switch f {
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("recipe: encode json: %w", err)
		}

		return nil

	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("recipe: encode yaml: %w", err)
		}

		return enc.Close()

	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, f)
	}
}

// Load reads the recipe file at path; the format follows the extension.
func Load(path string) (*Recipe, error) {
	f, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recipe: %w", err)
	}

	return Decode(bytes.NewReader(data), f)
}

// Save writes rec to path; the format follows the extension.
func Save(path string, rec *Recipe) error {
	f, err := FormatOf(path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := Encode(&buf, f, rec); err != nil {
		return err
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("recipe: %w", err)
	}

	return nil
}
