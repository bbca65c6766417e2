package views

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/poiesic/graphstore/core"
	"github.com/poiesic/graphstore/storage"
)

// Expression translates filter into the expression language of the document
// store. Every key must be IDKey or an indexed property of the view. A nil or
// empty filter yields the empty expression, which matches every row.
func (v *View) Expression(filter *core.QueryFilter) (string, error) {
	if filter.IsEmpty() {
		return "", nil
	}
	return v.expression(filter)
}

func (v *View) expression(filter *core.QueryFilter) (string, error) {
	var terms []string
	for _, key := range filter.Keys() {
		variable, err := v.variable(key)
		if err != nil {
			return "", err
		}
		term, err := match(variable, filter.Values[key])
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", storage.ErrInvalidQuery, key, err)
		}
		terms = append(terms, term)
	}
	for _, child := range filter.Children {
		if child.IsEmpty() {
			continue
		}
		term, err := v.expression(child)
		if err != nil {
			return "", err
		}
		terms = append(terms, "("+term+")")
	}

	join := " && "
	if filter.Operator == core.OperatorOr {
		join = " || "
	}
	return strings.Join(terms, join), nil
}

// variable returns the expression variable holding key.
func (v *View) variable(key string) (string, error) {
	if key == IDKey {
		return "id", nil
	}
	i, ok := v.keys[key]
	if !ok {
		return "", fmt.Errorf("%w: %s is not indexed by %s", storage.ErrInvalidQuery, key, v.spec.Type)
	}
	return "key" + strconv.Itoa(i), nil
}

func match(variable string, values []any) (string, error) {
	if len(values) == 0 {
		return "false", nil
	}

	var literals []string
	var terms []string
	for _, value := range values {
		k, err := FilterKey(value)
		if err != nil {
			return "", err
		}
		if !k.Valid {
			terms = append(terms, variable+" == nil")
			continue
		}
		literals = append(literals, strconv.Quote(k.Value))
	}

	switch len(literals) {
	case 0:
	case 1:
		terms = append([]string{variable + " == " + literals[0]}, terms...)
	default:
		terms = append([]string{variable + " in [" + strings.Join(literals, ", ") + "]"}, terms...)
	}

	if len(terms) == 1 {
		return terms[0], nil
	}
	return "(" + strings.Join(terms, " || ") + ")", nil
}

// FilterKey canonicalizes a filter value the same way payload values are
// indexed. Storables match by ID.
func FilterKey(value any) (storage.KeyValue, error) {
	if core.IsNil(value) {
		return storage.Null, nil
	}
	switch v := value.(type) {
	case core.Storable:
		return storage.Key(v.ID().String()), nil
	case storage.KeyValue:
		return v, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return storage.Null, err
	}
	return canonical(raw), nil
}

// Rows runs filter against the view in tx. Rows are deduplicated by entity
// ID, keeping the first, unless the filter keeps duplicates.
func (v *View) Rows(tx storage.Txn, filter *core.QueryFilter) ([]storage.IndexRow, error) {
	expression, err := v.Expression(filter)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(v.Name(), expression)
	if err != nil {
		return nil, err
	}
	if filter != nil && filter.KeepDuplicates {
		return rows, nil
	}

	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, row := range rows {
		if seen[row.DocID] {
			continue
		}
		seen[row.DocID] = true
		out = append(out, row)
	}
	return out, nil
}
