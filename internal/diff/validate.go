package diff

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

const (
	maxIdentityLen    = 200
	minYear           = 1700
	validationPenalty = 0.75
	validationFloor   = 0.25
)

var (
	validGenders = map[string]bool{"male": true, "female": true, "unisex": true}

	validConcentrations = map[string]bool{
		"parfum": true, "extrait": true, "edp": true, "edt": true,
		"edc": true, "cologne": true, "oil": true,
	}

	stringArrayFields = map[string]bool{
		"top_notes": true, "middle_notes": true, "base_notes": true,
		"accords": true, "perfumers": true, "tags": true,
	}

	scoreFields = map[string]bool{"rating": true, "longevity": true, "sillage": true}
)

// Validate checks a proposed value for a field and returns human-readable
// problems. Unknown fields are never flagged.
func Validate(field string, value any, now time.Time) []string {
	switch {
	case field == "name" || field == "brand":
		s, ok := value.(string)
		if !ok {
			return []string{fmt.Sprintf("%s must be a string", field)}
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return []string{fmt.Sprintf("%s must not be empty", field)}
		}
		if len([]rune(s)) > maxIdentityLen {
			return []string{fmt.Sprintf("%s exceeds %d characters", field, maxIdentityLen)}
		}

	case scoreFields[field]:
		f, ok := toFloat(value)
		if !ok {
			return []string{fmt.Sprintf("%s must be numeric, got %s", field, describe(value))}
		}
		if f < 0 || f > 5 {
			return []string{fmt.Sprintf("%s must be between 0 and 5, got %v", field, f)}
		}

	case field == "year":
		f, ok := toFloat(value)
		if !ok {
			return []string{fmt.Sprintf("year must be numeric, got %s", describe(value))}
		}
		var errs []string
		if f != math.Trunc(f) {
			errs = append(errs, fmt.Sprintf("year must be a whole number, got %v", f))
		}
		maxYear := now.Year() + 1
		if f < minYear || f > float64(maxYear) {
			errs = append(errs, fmt.Sprintf("year must be between %d and %d, got %v", minYear, maxYear, f))
		}
		return errs

	case field == "gender":
		s, _ := value.(string)
		if !validGenders[strings.ToLower(strings.TrimSpace(s))] {
			return []string{fmt.Sprintf("gender must be one of male, female, unisex, got %s", describe(value))}
		}

	case field == "concentration":
		s, _ := value.(string)
		if !validConcentrations[strings.ToLower(strings.TrimSpace(s))] {
			return []string{fmt.Sprintf("unknown concentration %s", describe(value))}
		}

	case stringArrayFields[field]:
		return validateStringArray(field, value)

	case field == "url" || field == "image_url":
		if msg := checkURL(value); msg != "" {
			return []string{fmt.Sprintf("%s %s", field, msg)}
		}

	case field == "images":
		items, ok := toSlice(value)
		if !ok {
			return []string{"images must be an array"}
		}
		var errs []string
		for i, item := range items {
			if msg := checkURL(item); msg != "" {
				errs = append(errs, fmt.Sprintf("images[%d] %s", i, msg))
			}
		}
		return errs
	}
	return nil
}

func validateStringArray(field string, value any) []string {
	items, ok := toSlice(value)
	if !ok {
		return []string{fmt.Sprintf("%s must be an array", field)}
	}
	if len(items) == 0 {
		return []string{fmt.Sprintf("%s must not be empty", field)}
	}
	var errs []string
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s[%d] must be a string", field, i))
			continue
		}
		if strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Sprintf("%s[%d] is blank", field, i))
		}
	}
	return errs
}

func checkURL(v any) string {
	s, ok := v.(string)
	if !ok {
		return "must be a string URL"
	}
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Sprintf("is not an absolute http(s) URL: %s", describe(s))
	}
	return ""
}

// validationFactor is the confidence multiplier for n validation errors.
func validationFactor(n int) float64 {
	if n == 0 {
		return 1
	}
	return math.Max(validationFloor, math.Pow(validationPenalty, float64(n)))
}
