package feeds

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openwatt/datamesh/pkg/models"
)

// FilterOperator enumerates filter comparisons
type FilterOperator string

// Filter operators
const (
	FilterContains FilterOperator = "contains"
	FilterEquals   FilterOperator = "equals"
	FilterRegex    FilterOperator = "regex"
	FilterGreater  FilterOperator = "greater"
	FilterLess     FilterOperator = "less"
)

// Filter keeps items whose named field satisfies the comparison.
// Comparisons are case-insensitive unless CaseSensitive is set.
type Filter struct {
	Field         string         `json:"field" mapstructure:"field"`
	Operator      FilterOperator `json:"operator" mapstructure:"operator"`
	Value         string         `json:"value" mapstructure:"value"`
	CaseSensitive bool           `json:"case_sensitive" mapstructure:"case_sensitive"`
}

// Matches reports whether the item passes the filter. Unknown fields and
// unparseable regex patterns reject the item.
func (f Filter) Matches(item models.FeedItem) bool {
	field, ok := fieldValue(item, f.Field)
	if !ok {
		return false
	}
	value := f.Value
	if !f.CaseSensitive {
		field = strings.ToLower(field)
		value = strings.ToLower(value)
	}

	switch f.Operator {
	case FilterContains:
		return strings.Contains(field, value)
	case FilterEquals:
		return field == value
	case FilterRegex:
		matched, err := regexp.MatchString(value, field)
		return err == nil && matched
	case FilterGreater:
		return compareOrdered(field, value) > 0
	case FilterLess:
		return compareOrdered(field, value) < 0
	default:
		return false
	}
}

// TransformType enumerates transformation stages
type TransformType string

// Transformation types
const (
	TransformFilter   TransformType = "filter"
	TransformMap      TransformType = "map"
	TransformValidate TransformType = "validate"
	TransformEnrich   TransformType = "enrich"
)

// TransformFunc rewrites an item; returning false drops it
type TransformFunc func(models.FeedItem) (models.FeedItem, bool)

// Transformation is one stage of a stream's transformation chain
type Transformation struct {
	Order int
	Type  TransformType
	Apply TransformFunc
}

func applyFilters(items []models.FeedItem, filters []Filter) []models.FeedItem {
	if len(filters) == 0 {
		return items
	}
	kept := items[:0]
	for _, item := range items {
		pass := true
		for _, f := range filters {
			if !f.Matches(item) {
				pass = false
				break
			}
		}
		if pass {
			kept = append(kept, item)
		}
	}
	return kept
}

func applyTransformations(items []models.FeedItem, transformations []Transformation) []models.FeedItem {
	if len(transformations) == 0 {
		return items
	}
	ordered := append([]Transformation(nil), transformations...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Order < ordered[j].Order
	})

	for _, t := range ordered {
		if t.Apply == nil {
			continue
		}
		kept := items[:0]
		for _, item := range items {
			transformed, keep := t.Apply(item)
			if keep {
				kept = append(kept, transformed)
			}
		}
		items = kept
	}
	return items
}

func fieldValue(item models.FeedItem, field string) (string, bool) {
	switch strings.ToLower(field) {
	case "id":
		return item.ID, true
	case "title":
		return item.Title, true
	case "link":
		return item.Link, true
	case "description":
		return item.Description, true
	case "content":
		return item.Content, true
	case "author":
		return item.Author, true
	case "source":
		return item.Source, true
	case "pubdate", "pub_date":
		return item.PubDate.UTC().Format(time.RFC3339), true
	case "tags":
		return strings.Join(item.Tags, ","), true
	default:
		return "", false
	}
}

// compareOrdered compares numerically when both sides parse as numbers,
// otherwise lexicographically (which orders RFC3339 dates correctly).
func compareOrdered(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa > fb:
			return 1
		case fa < fb:
			return -1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
