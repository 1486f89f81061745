package ingest

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// IngestorType selects a remote source collector.
type IngestorType string

const (
	IngestorCrawler IngestorType = "crawler"
	IngestorURL     IngestorType = "url"
	IngestorGitHub  IngestorType = "github"
	IngestorReddit  IngestorType = "reddit"
)

// FieldType is the value type of a config field.
type FieldType int

const (
	FieldString FieldType = iota
	FieldNumber
	FieldEnum
	FieldBoolean
)

func (t FieldType) String() string {
	switch t {
	case FieldNumber:
		return "number"
	case FieldEnum:
		return "enum"
	case FieldBoolean:
		return "boolean"
	default:
		return "string"
	}
}

// Field describes one config field of an ingestor.
type Field struct {
	Name     string
	Label    string
	Type     FieldType
	Required bool
	Advanced bool
	// Options lists the accepted values of an enum field.
	Options []string
}

// Config maps field names to values. Numbers are float64, booleans bool,
// strings and enums string.
type Config map[string]any

type ingestor struct {
	schema   []Field
	defaults Config
}

var ingestors = map[IngestorType]ingestor{
	IngestorCrawler: {
		schema:   []Field{{Name: "url", Label: "URL", Type: FieldString, Required: true}},
		defaults: Config{"url": ""},
	},
	IngestorURL: {
		schema:   []Field{{Name: "url", Label: "URL", Type: FieldString, Required: true}},
		defaults: Config{"url": ""},
	},
	IngestorGitHub: {
		schema:   []Field{{Name: "repo_url", Label: "Repository URL", Type: FieldString, Required: true}},
		defaults: Config{"repo_url": ""},
	},
	IngestorReddit: {
		schema: []Field{
			{Name: "client_id", Label: "Client ID", Type: FieldString, Required: true},
			{Name: "client_secret", Label: "Client secret", Type: FieldString, Required: true},
			{Name: "user_agent", Label: "User agent", Type: FieldString, Required: true},
			{Name: "search_queries", Label: "Search queries", Type: FieldString, Required: true},
			{Name: "number_posts", Label: "Number of posts", Type: FieldNumber, Required: true},
		},
		defaults: Config{
			"client_id":      "",
			"client_secret":  "",
			"user_agent":     "",
			"search_queries": "",
			"number_posts":   float64(10),
		},
	},
}

// Types returns every known ingestor type in a stable order.
func Types() []IngestorType {
	return slices.Sorted(maps.Keys(ingestors))
}

// ParseType converts a user-supplied name to an IngestorType.
func ParseType(s string) (IngestorType, error) {
	t := IngestorType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := ingestors[t]; !ok {
		return "", fmt.Errorf("unknown ingestor %q (valid: %s)", s, joinTypes(Types()))
	}
	return t, nil
}

func joinTypes(ts []IngestorType) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func lookup(t IngestorType) (ingestor, error) {
	ing, ok := ingestors[t]
	if !ok {
		return ingestor{}, fmt.Errorf("unknown ingestor %q", t)
	}
	return ing, nil
}

// Schema returns a copy of the field schema of t.
func Schema(t IngestorType) ([]Field, error) {
	ing, err := lookup(t)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(ing.schema)
	for i := range out {
		out[i].Options = slices.Clone(out[i].Options)
	}
	return out, nil
}

// Defaults returns a fresh default config for t.
func Defaults(t IngestorType) (Config, error) {
	ing, err := lookup(t)
	if err != nil {
		return nil, err
	}
	return maps.Clone(ing.defaults), nil
}

// ChangeType returns the config to use after switching to t. Nothing from the
// previous type's config is carried over.
func ChangeType(t IngestorType) (Config, error) {
	return Defaults(t)
}

func merged(ing ingestor, cfg Config) Config {
	out := maps.Clone(ing.defaults)
	if out == nil {
		out = Config{}
	}
	maps.Copy(out, cfg)
	return out
}

// Validate checks cfg, on top of t's defaults, against t's schema. Only
// required fields are checked.
func Validate(t IngestorType, cfg Config) error {
	ing, err := lookup(t)
	if err != nil {
		return err
	}
	all := merged(ing, cfg)

	var verr ValidationError
	for _, f := range ing.schema {
		if !f.Required {
			continue
		}
		if reason := checkField(f, all[f.Name]); reason != "" {
			verr.Fields = append(verr.Fields, FieldError{Field: f.Name, Reason: reason})
		}
	}
	if len(verr.Fields) > 0 {
		return &verr
	}
	return nil
}

func checkField(f Field, v any) string {
	if v == nil {
		return "is required"
	}
	switch f.Type {
	case FieldString:
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if strings.TrimSpace(s) == "" {
			return "must not be blank"
		}
	case FieldNumber:
		n, ok := asNumber(v)
		if !ok {
			return "must be a number"
		}
		if n <= 0 {
			return "must be greater than zero"
		}
	case FieldBoolean:
		if _, ok := v.(bool); !ok {
			return "must be true or false"
		}
	case FieldEnum:
		s, ok := v.(string)
		if !ok || !slices.Contains(f.Options, s) {
			return fmt.Sprintf("must be one of %s", strings.Join(f.Options, ", "))
		}
	}
	return ""
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Prepare merges cfg over t's defaults and keeps required fields plus any
// field with a non-empty value. The result is what the backend receives.
func Prepare(t IngestorType, cfg Config) (Config, error) {
	ing, err := lookup(t)
	if err != nil {
		return nil, err
	}
	required := make(map[string]bool, len(ing.schema))
	for _, f := range ing.schema {
		required[f.Name] = f.Required
	}

	out := Config{}
	for k, v := range merged(ing, cfg) {
		if required[k] || !isEmpty(v) {
			out[k] = v
		}
	}
	return out, nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// ParseAssignments converts key=value pairs into typed config values using
// t's schema. Unknown keys are rejected.
func ParseAssignments(t IngestorType, pairs []string) (Config, error) {
	ing, err := lookup(t)
	if err != nil {
		return nil, err
	}

	out := Config{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, expected key=value", pair)
		}
		idx := slices.IndexFunc(ing.schema, func(f Field) bool { return f.Name == key })
		if idx < 0 {
			return nil, fmt.Errorf("unknown field %q for ingestor %s", key, t)
		}

		f := ing.schema[idx]
		switch f.Type {
		case FieldNumber:
			n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, fmt.Errorf("field %s: %q is not a number", key, raw)
			}
			out[key] = n
		case FieldBoolean:
			b, err := strconv.ParseBool(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("field %s: %q is not a boolean", key, raw)
			}
			out[key] = b
		default:
			out[key] = raw
		}
	}
	return out, nil
}
