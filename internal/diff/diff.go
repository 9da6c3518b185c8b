// Package diff compares a baseline record with a candidate record and scores
// every proposed field mutation. It performs no I/O.
package diff

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/catalog-curator/internal/model"
)

// DefaultConfidenceThreshold drops changes scored below it.
const DefaultConfidenceThreshold = 0.5

// Change quality multipliers.
const (
	qualityAddition    = 1.0
	qualityEnhancement = 0.95
	qualityUpdate      = 0.9
	qualityCorrection  = 0.85
	shrinkPenalty      = 0.7
)

// Options tunes a DetectChanges call.
type Options struct {
	// ConfidenceThreshold drops changes scored below it. Zero selects
	// DefaultConfidenceThreshold; a negative value keeps every change.
	ConfidenceThreshold float64

	// Weights overrides the scoring tables. Nil uses DefaultWeights.
	Weights *Weights

	// FieldSources attributes individual fields to a source other than the
	// call-level one, e.g. after a hybrid merge.
	FieldSources map[string]string

	// Now anchors date validation. Zero uses time.Now.
	Now time.Time
}

func (o Options) threshold() float64 {
	switch {
	case o.ConfidenceThreshold < 0:
		return 0
	case o.ConfidenceThreshold == 0:
		return DefaultConfidenceThreshold
	default:
		return o.ConfidenceThreshold
	}
}

// DetectChanges returns the scored field-level changes turning baseline into
// candidate. The result is deterministic: sorted by field importance, then
// confidence (both descending), then field name.
//
// A field present in baseline but empty in candidate is never proposed:
// clearing a value requires a manual edit.
func DetectChanges(baseline, candidate map[string]any, source, sourceURL string, opts Options) []model.EnhancementChange {
	w := opts.Weights
	if w == nil {
		w = DefaultWeights()
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	threshold := opts.threshold()

	fields := make(map[string]struct{}, len(baseline)+len(candidate))
	for k := range baseline {
		fields[k] = struct{}{}
	}
	for k := range candidate {
		fields[k] = struct{}{}
	}

	var changes []model.EnhancementChange
	for field := range fields {
		if model.IsSystemField(field) {
			continue
		}
		oldVal, newVal := baseline[field], candidate[field]

		if IsEmpty(newVal) {
			// Both empty, or a deletion.
			continue
		}
		if w.Equal(field, oldVal, newVal) {
			continue
		}

		fieldSource := source
		if s, ok := opts.FieldSources[field]; ok && s != "" {
			fieldSource = s
		}

		ct := Classify(oldVal, newVal)
		errs := Validate(field, newVal, now)
		score := w.Reliability(fieldSource) * w.Importance(field) * ChangeQuality(ct, oldVal, newVal) * validationFactor(len(errs))
		score = clamp01(score)
		if score < threshold {
			continue
		}

		changes = append(changes, model.EnhancementChange{
			FieldName:        field,
			OldValue:         oldVal,
			NewValue:         newVal,
			ChangeType:       ct,
			ConfidenceScore:  score,
			Source:           fieldSource,
			SourceURL:        sourceURL,
			Status:           model.ChangePending,
			ValidationErrors: errs,
		})
	}

	sort.SliceStable(changes, func(i, j int) bool {
		ii, ij := w.Importance(changes[i].FieldName), w.Importance(changes[j].FieldName)
		if ii != ij {
			return ii > ij
		}
		if changes[i].ConfidenceScore != changes[j].ConfidenceScore {
			return changes[i].ConfidenceScore > changes[j].ConfidenceScore
		}
		return changes[i].FieldName < changes[j].FieldName
	})
	return changes
}

// Classify determines the change type for a non-equal pair of values.
func Classify(oldVal, newVal any) model.ChangeType {
	if IsEmpty(oldVal) {
		return model.ChangeAddition
	}
	ko, kn := kindOf(oldVal), kindOf(newVal)
	if ko != kn {
		return model.ChangeCorrection
	}
	lo, ln := length(oldVal), length(newVal)
	switch ko {
	case kindArray:
		if ln < lo {
			return model.ChangeCorrection
		}
		if ln > lo {
			return model.ChangeEnhancement
		}
	case kindString:
		if float64(ln) < float64(lo)*0.5 {
			return model.ChangeCorrection
		}
		if float64(ln) > float64(lo)*1.5 {
			return model.ChangeEnhancement
		}
	}
	return model.ChangeUpdate
}

// ChangeQuality scores the nature of a change. Additions score highest;
// reductions in size are penalized.
func ChangeQuality(ct model.ChangeType, oldVal, newVal any) float64 {
	var q float64
	switch ct {
	case model.ChangeAddition:
		q = qualityAddition
	case model.ChangeEnhancement:
		q = qualityEnhancement
	case model.ChangeCorrection:
		q = qualityCorrection
	default:
		q = qualityUpdate
	}
	if ct != model.ChangeAddition && shrinks(oldVal, newVal) {
		q *= shrinkPenalty
	}
	return q
}

func shrinks(oldVal, newVal any) bool {
	ko := kindOf(oldVal)
	if ko != kindOf(newVal) {
		return false
	}
	lo, ln := length(oldVal), length(newVal)
	switch ko {
	case kindArray:
		return ln < lo
	case kindString:
		return float64(ln) < float64(lo)*0.5
	}
	return false
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
