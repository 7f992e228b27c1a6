package vectorstore

import (
	"fmt"

	"github.com/lib/pq"
)

// Filter restricts which chunks are eligible for a nearest-neighbor
// search. Filters are applied before the ordering and limit steps, so
// they change which rows compete for the top matches.
//
// The type is a closed tagged union: DocumentIDFilter,
// DocumentIDSetFilter and AndFilter are the only variants, which lets
// each backend compile filters statically instead of interpreting an
// open-ended structure.
type Filter interface {
	isFilter()
}

// DocumentIDFilter restricts results to chunks of one source document.
type DocumentIDFilter struct {
	ID string
}

// DocumentIDSetFilter restricts results to chunks of any of the given
// source documents. An empty set matches nothing.
type DocumentIDSetFilter struct {
	IDs []string
}

// AndFilter is the conjunction of two filters.
type AndFilter struct {
	Left, Right Filter
}

func (DocumentIDFilter) isFilter()    {}
func (DocumentIDSetFilter) isFilter() {}
func (AndFilter) isFilter()           {}

// ByDocumentID returns a filter matching a single source document.
func ByDocumentID(id string) Filter { return DocumentIDFilter{ID: id} }

// ByDocumentIDSet returns a filter matching any of the given documents.
func ByDocumentIDSet(ids []string) Filter { return DocumentIDSetFilter{IDs: ids} }

// And combines two filters conjunctively.
func And(left, right Filter) Filter { return AndFilter{Left: left, Right: right} }

// compileFilter renders f as a parameterized SQL predicate, appending
// bind values to args. Placeholders continue from len(*args).
func compileFilter(f Filter, args *[]any) (string, error) {
	switch v := f.(type) {
	case DocumentIDFilter:
		*args = append(*args, v.ID)
		return fmt.Sprintf("material_id = $%d", len(*args)), nil
	case DocumentIDSetFilter:
		if len(v.IDs) == 0 {
			return "FALSE", nil
		}
		*args = append(*args, pq.Array(v.IDs))
		return fmt.Sprintf("material_id = ANY($%d)", len(*args)), nil
	case AndFilter:
		left, err := compileFilter(v.Left, args)
		if err != nil {
			return "", err
		}
		right, err := compileFilter(v.Right, args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s AND %s)", left, right), nil
	default:
		return "", fmt.Errorf("unknown filter type %T", f)
	}
}
