package diff

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Source labels used in the reliability table.
const (
	SourceManual   = "manual"
	SourceScrape   = "scrape"
	SourceHybrid   = "hybrid"
	SourceAnalysis = "analysis"
)

// Weights holds the scoring tables for the diff engine.
type Weights struct {
	SourceReliability  map[string]float64 `yaml:"source_reliability"`
	FieldImportance    map[string]float64 `yaml:"field_importance"`
	OrderedFields      []string           `yaml:"ordered_fields"`
	DefaultReliability float64            `yaml:"default_reliability"`
	DefaultImportance  float64            `yaml:"default_importance"`
}

// DefaultWeights returns the built-in scoring tables.
func DefaultWeights() *Weights {
	return &Weights{
		SourceReliability: map[string]float64{
			SourceManual:   1.0,
			SourceScrape:   0.9,
			SourceHybrid:   0.85,
			SourceAnalysis: 0.8,
		},
		FieldImportance: map[string]float64{
			// identity
			"name":  1.0,
			"brand": 1.0,
			// classification
			"gender":        0.9,
			"concentration": 0.9,
			"year":          0.9,
			"country":       0.9,
			// descriptive
			"top_notes":    0.8,
			"middle_notes": 0.8,
			"base_notes":   0.8,
			"accords":      0.8,
			"perfumers":    0.8,
			"description":  0.8,
			"rating":       0.8,
			"longevity":    0.8,
			"sillage":      0.8,
			// auxiliary
			"url":       0.6,
			"image_url": 0.6,
			"images":    0.6,
			"tags":      0.6,
		},
		OrderedFields:      []string{"images"},
		DefaultReliability: 0.5,
		DefaultImportance:  0.7,
	}
}

// LoadWeights reads a YAML override file and layers it over the defaults.
// Only keys present in the file replace built-in values.
func LoadWeights(path string) (*Weights, error) {
	w := DefaultWeights()
	if path == "" {
		return w, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "diff: read weights %s", path)
	}

	var override Weights
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, eris.Wrap(err, "diff: parse weights")
	}

	for k, v := range override.SourceReliability {
		if v < 0 || v > 1 {
			return nil, eris.Errorf("diff: source reliability %q out of range: %v", k, v)
		}
		w.SourceReliability[k] = v
	}
	for k, v := range override.FieldImportance {
		if v < 0 || v > 1 {
			return nil, eris.Errorf("diff: field importance %q out of range: %v", k, v)
		}
		w.FieldImportance[k] = v
	}
	if override.OrderedFields != nil {
		w.OrderedFields = override.OrderedFields
	}
	if override.DefaultReliability > 0 {
		w.DefaultReliability = override.DefaultReliability
	}
	if override.DefaultImportance > 0 {
		w.DefaultImportance = override.DefaultImportance
	}
	return w, nil
}

// Reliability returns the trust weight for a source label.
func (w *Weights) Reliability(source string) float64 {
	if v, ok := w.SourceReliability[source]; ok {
		return v
	}
	return w.DefaultReliability
}

// Importance returns the weight for a field name.
func (w *Weights) Importance(field string) float64 {
	if v, ok := w.FieldImportance[field]; ok {
		return v
	}
	return w.DefaultImportance
}

// Ordered reports whether array order is significant for the field.
func (w *Weights) Ordered(field string) bool {
	for _, f := range w.OrderedFields {
		if f == field {
			return true
		}
	}
	return false
}

// Equal compares two values of the named field with the field's array
// ordering rule.
func (w *Weights) Equal(field string, a, b any) bool {
	return ValuesEqual(a, b, w.Ordered(field))
}
