package core

import "sort"

// Operator combines the terms of a QueryFilter.
type Operator int

const (
	OperatorAnd Operator = iota
	OperatorOr
)

func (o Operator) String() string {
	if o == OperatorOr {
		return "OR"
	}
	return "AND"
}

// QueryFilter selects index rows by property value. Each key allows a list of
// values; keys and child filters are combined with Operator.
type QueryFilter struct {
	Operator Operator
	Values   map[string][]any
	Children []*QueryFilter

	// KeepDuplicates returns one result per matching index row instead of
	// one per document.
	KeepDuplicates bool
}

// NewQueryFilter returns an empty AND filter.
func NewQueryFilter() *QueryFilter {
	return &QueryFilter{Values: make(map[string][]any)}
}

// Add appends allowed values for key.
func (q *QueryFilter) Add(key string, values ...any) *QueryFilter {
	if q.Values == nil {
		q.Values = make(map[string][]any)
	}
	q.Values[key] = append(q.Values[key], values...)
	return q
}

// Or switches the filter to OR semantics.
func (q *QueryFilter) Or() *QueryFilter {
	q.Operator = OperatorOr
	return q
}

// Child appends a nested filter.
func (q *QueryFilter) Child(c *QueryFilter) *QueryFilter {
	q.Children = append(q.Children, c)
	return q
}

// Keys returns the filtered keys in sorted order.
func (q *QueryFilter) Keys() []string {
	keys := make([]string, 0, len(q.Values))
	for k := range q.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsEmpty reports whether the filter matches everything.
func (q *QueryFilter) IsEmpty() bool {
	if q == nil {
		return true
	}
	if len(q.Values) > 0 {
		return false
	}
	for _, c := range q.Children {
		if !c.IsEmpty() {
			return false
		}
	}
	return true
}
