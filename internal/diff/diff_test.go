package diff

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-curator/internal/model"
)

var fixedNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func sampleRecord() map[string]any {
	return map[string]any{
		"id":         "rec-1",
		"name":       "Sauvage EDT",
		"brand":      "Dior",
		"gender":     "male",
		"year":       float64(2015),
		"top_notes":  []any{"Bergamot", "Pepper"},
		"images":     []any{"https://img.example.com/1.jpg", "https://img.example.com/2.jpg"},
		"rating":     4.2,
		"updated_at": "2026-01-01T00:00:00Z",
	}
}

func TestDetectChanges_IdenticalRecordsProduceNothing(t *testing.T) {
	t.Parallel()

	r := sampleRecord()
	changes := DetectChanges(r, sampleRecord(), SourceScrape, "", Options{Now: fixedNow})
	assert.Empty(t, changes)
}

func TestDetectChanges_AdditionToEmptyArray(t *testing.T) {
	t.Parallel()

	baseline := map[string]any{"top_notes": []any{}}
	candidate := map[string]any{"top_notes": []any{"Bergamot", "Lemon"}}

	changes := DetectChanges(baseline, candidate, SourceScrape, "https://example.com/p/1", Options{Now: fixedNow})
	require.Len(t, changes, 1)

	c := changes[0]
	assert.Equal(t, "top_notes", c.FieldName)
	assert.Equal(t, model.ChangeAddition, c.ChangeType)
	assert.InDelta(t, 0.9*0.8, c.ConfidenceScore, 1e-9)
	assert.Equal(t, []any{}, c.OldValue)
	assert.Equal(t, []any{"Bergamot", "Lemon"}, c.NewValue)
	assert.Equal(t, model.ChangePending, c.Status)
	assert.Equal(t, "https://example.com/p/1", c.SourceURL)
	assert.Empty(t, c.ValidationErrors)
}

func TestDetectChanges_DeletionsAreNotProposed(t *testing.T) {
	t.Parallel()

	baseline := map[string]any{"description": "Fresh and spicy", "tags": []any{"fresh"}}
	candidate := map[string]any{"description": "  ", "tags": []any{}}

	assert.Empty(t, DetectChanges(baseline, candidate, SourceManual, "", Options{Now: fixedNow}))
}

func TestDetectChanges_BothEmpty(t *testing.T) {
	t.Parallel()

	baseline := map[string]any{"description": nil}
	candidate := map[string]any{"description": ""}
	assert.Empty(t, DetectChanges(baseline, candidate, SourceManual, "", Options{Now: fixedNow}))
}

func TestDetectChanges_UnorderedArraysAndTrimmedStrings(t *testing.T) {
	t.Parallel()

	baseline := map[string]any{"top_notes": []any{"Bergamot", "Lemon"}, "brand": "Dior", "year": 2015}
	candidate := map[string]any{"top_notes": []string{"Lemon", "Bergamot"}, "brand": " Dior ", "year": float64(2015)}

	assert.Empty(t, DetectChanges(baseline, candidate, SourceManual, "", Options{Now: fixedNow}))
}

func TestDetectChanges_OrderedArrayReorderIsAChange(t *testing.T) {
	t.Parallel()

	baseline := map[string]any{"images": []any{"https://a.example.com/1.jpg", "https://a.example.com/2.jpg"}}
	candidate := map[string]any{"images": []any{"https://a.example.com/2.jpg", "https://a.example.com/1.jpg"}}

	changes := DetectChanges(baseline, candidate, SourceManual, "", Options{Now: fixedNow, ConfidenceThreshold: -1})
	require.Len(t, changes, 1)
	assert.Equal(t, model.ChangeUpdate, changes[0].ChangeType)
	assert.InDelta(t, 1.0*0.6*0.9, changes[0].ConfidenceScore, 1e-9)
}

func TestDetectChanges_SystemFieldsIgnored(t *testing.T) {
	t.Parallel()

	baseline := map[string]any{"id": "a", "updated_at": "x", "verified": false}
	candidate := map[string]any{"id": "b", "updated_at": "y", "verified": true}
	assert.Empty(t, DetectChanges(baseline, candidate, SourceManual, "", Options{Now: fixedNow}))
}

func TestDetectChanges_ValidationErrorsReduceButDoNotBlock(t *testing.T) {
	t.Parallel()

	baseline := map[string]any{}
	candidate := map[string]any{"rating": 7.5}

	changes := DetectChanges(baseline, candidate, SourceManual, "", Options{Now: fixedNow})
	require.Len(t, changes, 1)
	assert.Len(t, changes[0].ValidationErrors, 1)
	assert.True(t, changes[0].Flagged())
	assert.InDelta(t, 1.0*0.8*1.0*0.75, changes[0].ConfidenceScore, 1e-9)
}

func TestDetectChanges_ThresholdDropsLowConfidence(t *testing.T) {
	t.Parallel()

	// analysis 0.8 x tags 0.6 x addition 1.0 = 0.48
	baseline := map[string]any{}
	candidate := map[string]any{"tags": []any{"summer"}, "name": "Sauvage"}

	changes := DetectChanges(baseline, candidate, SourceAnalysis, "", Options{Now: fixedNow})
	require.Len(t, changes, 1)
	assert.Equal(t, "name", changes[0].FieldName)

	all := DetectChanges(baseline, candidate, SourceAnalysis, "", Options{Now: fixedNow, ConfidenceThreshold: -1})
	assert.Len(t, all, 2)
}

func TestDetectChanges_SortedByImportanceThenConfidence(t *testing.T) {
	t.Parallel()

	baseline := map[string]any{"description": "A long woody description of the scent"}
	candidate := map[string]any{
		"description": "Woody",
		"top_notes":   []any{"Bergamot"},
		"brand":       "Dior",
		"gender":      "male",
		"country":     "France",
	}

	changes := DetectChanges(baseline, candidate, SourceManual, "", Options{Now: fixedNow, ConfidenceThreshold: -1})
	require.Len(t, changes, 5)

	names := make([]string, len(changes))
	for i, c := range changes {
		names[i] = c.FieldName
	}
	assert.Equal(t, []string{"brand", "country", "gender", "top_notes", "description"}, names)

	desc := changes[4]
	assert.Equal(t, model.ChangeCorrection, desc.ChangeType)
	assert.InDelta(t, 1.0*0.8*0.85*0.7, desc.ConfidenceScore, 1e-9)
}

func TestDetectChanges_FieldSourceOverride(t *testing.T) {
	t.Parallel()

	candidate := map[string]any{"name": "Sauvage", "brand": "Dior"}
	changes := DetectChanges(map[string]any{}, candidate, SourceAnalysis, "", Options{
		Now:          fixedNow,
		FieldSources: map[string]string{"brand": SourceHybrid},
	})
	require.Len(t, changes, 2)

	bySource := map[string]model.EnhancementChange{}
	for _, c := range changes {
		bySource[c.FieldName] = c
	}
	assert.Equal(t, SourceHybrid, bySource["brand"].Source)
	assert.InDelta(t, 0.85, bySource["brand"].ConfidenceScore, 1e-9)
	assert.Equal(t, SourceAnalysis, bySource["name"].Source)
	assert.InDelta(t, 0.8, bySource["name"].ConfidenceScore, 1e-9)
}

func TestDetectChanges_ConfidenceBounds(t *testing.T) {
	t.Parallel()

	w := DefaultWeights()
	w.SourceReliability["overconfident"] = 1.0
	w.FieldImportance["name"] = 1.0
	candidate := map[string]any{"name": "x", "rating": "not a number", "year": 1200, "images": []any{"ftp://x"}}

	for _, c := range DetectChanges(map[string]any{}, candidate, "overconfident", "", Options{Now: fixedNow, Weights: w, ConfidenceThreshold: -1}) {
		assert.GreaterOrEqual(t, c.ConfidenceScore, 0.0, c.FieldName)
		assert.LessOrEqual(t, c.ConfidenceScore, 1.0, c.FieldName)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		old  any
		new  any
		want model.ChangeType
	}{
		{"absent to value", nil, "x", model.ChangeAddition},
		{"blank to value", " ", "x", model.ChangeAddition},
		{"type change", "4.5", 4.5, model.ChangeCorrection},
		{"array shrink", []any{"a", "b"}, []any{"a"}, model.ChangeCorrection},
		{"array grow", []any{"a"}, []any{"a", "b"}, model.ChangeEnhancement},
		{"string halves", "abcdefghij", "abcd", model.ChangeCorrection},
		{"string grows", "abcd", "abcdefgh", model.ChangeEnhancement},
		{"same size", "abcd", "abce", model.ChangeUpdate},
		{"number", 3.0, 4.0, model.ChangeUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.old, tt.new))
		})
	}
}

func TestValuesEqual(t *testing.T) {
	t.Parallel()

	assert.True(t, ValuesEqual(nil, "", false))
	assert.True(t, ValuesEqual([]any{}, nil, false))
	assert.True(t, ValuesEqual(map[string]any{"a": 1}, map[string]any{"a": 1.0, "b": nil}, false))
	assert.False(t, ValuesEqual(map[string]any{"a": 1}, map[string]any{"a": 2}, false))
	assert.True(t, ValuesEqual([]any{"a", "a", "b"}, []any{"b", "a", "a"}, false))
	assert.False(t, ValuesEqual([]any{"a", "a", "b"}, []any{"b", "b", "a"}, false))
	assert.False(t, ValuesEqual([]any{"a", "b"}, []any{"b", "a"}, true))
	assert.False(t, ValuesEqual("1", 1, false))
	assert.True(t, ValuesEqual(true, true, false))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Validate("gender", "Unisex", fixedNow))
	assert.NotEmpty(t, Validate("gender", "women", fixedNow))
	assert.Empty(t, Validate("concentration", "EDP", fixedNow))
	assert.NotEmpty(t, Validate("concentration", "spray", fixedNow))
	assert.Empty(t, Validate("year", 2027.0, fixedNow))
	assert.NotEmpty(t, Validate("year", 2028.0, fixedNow))
	assert.Len(t, Validate("year", 1650.5, fixedNow), 2)
	assert.NotEmpty(t, Validate("top_notes", []any{"Rose", ""}, fixedNow))
	assert.NotEmpty(t, Validate("accords", "woody", fixedNow))
	assert.Empty(t, Validate("url", "https://www.fragrantica.com/perfume/1", fixedNow))
	assert.NotEmpty(t, Validate("image_url", "/relative.jpg", fixedNow))
	assert.Len(t, Validate("images", []any{"https://a/1.jpg", "nope", 3}, fixedNow), 2)
	assert.NotEmpty(t, Validate("name", string(make([]rune, 201)), fixedNow))
	assert.Empty(t, Validate("some_custom_field", 42, fixedNow))
}

func TestValidate_LongValueCutOnRuneBoundary(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 80)
	errs := Validate("concentration", long, fixedNow)
	require.Len(t, errs, 1)
	assert.True(t, utf8.ValidString(errs[0]))
	assert.True(t, strings.HasSuffix(errs[0], strings.Repeat("é", 57)+"..."))

	assert.Equal(t, "short", describe("short"))
}

func TestValidationFactorFloor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, validationFactor(0))
	assert.InDelta(t, 0.5625, validationFactor(2), 1e-9)
	assert.Equal(t, 0.25, validationFactor(10))
}

func TestLoadWeights(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source_reliability:
  scrape: 0.95
  partner_feed: 0.7
field_importance:
  tags: 0.3
ordered_fields: [images, top_notes]
`), 0o644))

	w, err := LoadWeights(path)
	require.NoError(t, err)
	assert.Equal(t, 0.95, w.Reliability("scrape"))
	assert.Equal(t, 0.7, w.Reliability("partner_feed"))
	assert.Equal(t, 0.8, w.Reliability("analysis"))
	assert.Equal(t, 0.3, w.Importance("tags"))
	assert.Equal(t, 1.0, w.Importance("name"))
	assert.True(t, w.Ordered("top_notes"))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("field_importance:\n  name: 3\n"), 0o644))
	_, err = LoadWeights(bad)
	assert.Error(t, err)

	_, err = LoadWeights(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	def, err := LoadWeights("")
	require.NoError(t, err)
	assert.Equal(t, DefaultWeights(), def)
}
