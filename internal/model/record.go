package model

import (
	"time"
)

// System fields are owned by the record store and never diffed, applied or
// rolled back.
var systemFields = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
	"verified":   true,
}

// IsSystemField reports whether the field is managed by the record store.
func IsSystemField(name string) bool {
	return systemFields[name]
}

// Record is a catalog entry (a fragrance) as seen by the enhancement pipeline.
// Fields hold JSON-shaped values: string, float64, bool, []any, map[string]any.
type Record struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Verified  bool           `json:"verified"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Get returns the value of a field, or nil when absent.
func (r *Record) Get(field string) any {
	if r == nil || r.Fields == nil {
		return nil
	}
	return r.Fields[field]
}

// Snapshot returns a shallow copy of the record's non-system fields.
func (r *Record) Snapshot() map[string]any {
	out := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		if IsSystemField(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Name returns the record's display name for logging.
func (r *Record) Name() string {
	if r == nil {
		return ""
	}
	name, _ := r.Fields["name"].(string)
	brand, _ := r.Fields["brand"].(string)
	switch {
	case name != "" && brand != "":
		return brand + " " + name
	case name != "":
		return name
	default:
		return r.ID
	}
}

// KnownFields lists the catalog fields the pipeline knows how to enhance, in
// display order.
var KnownFields = []string{
	"name", "brand", "country", "gender", "concentration", "year",
	"top_notes", "middle_notes", "base_notes", "accords", "perfumers",
	"description", "rating", "longevity", "sillage",
	"url", "image_url", "images", "tags",
}

// IsKnownField reports whether name is one of KnownFields.
func IsKnownField(name string) bool {
	for _, f := range KnownFields {
		if f == name {
			return true
		}
	}
	return false
}
