package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/onexay/revcache/internal/types"
)

// Store is the persistent revision cache. Put upserts by id; Search filters on
// structured fields.
type Store interface {
	Put(ctx context.Context, id string, rev types.Revision) error
	Search(ctx context.Context, q Query) ([]Document, error)
	Close() error
}

// Document is a stored revision and its id.
type Document struct {
	ID       string         `json:"id"`
	Revision types.Revision `json:"value"`
}

// Searchable fields.
const (
	FieldChangesetID   = "changeset.id"
	FieldChangesetID12 = "changeset.id12"
	FieldBranchName    = "branch.name"
	FieldBranchLocale  = "branch.locale"
)

const defaultQuerySize = 2000

// Filter matches one field exactly, or by prefix when Prefix is set.
type Filter struct {
	Field  string
	Value  string
	Prefix bool
}

// Term builds an exact-match filter.
func Term(field, value string) Filter {
	return Filter{Field: field, Value: value}
}

// Prefix builds a prefix-match filter.
func Prefix(field, value string) Filter {
	return Filter{Field: field, Value: value, Prefix: true}
}

// Query combines filters with AND semantics.
type Query struct {
	Filters []Filter
	Size    int
}

// ValidationError represents invalid input supplied by clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// BackendError wraps a failure of the underlying store. Callers may retry it.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("cache backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func fieldValue(rev types.Revision, field string) string {
	switch field {
	case FieldChangesetID:
		return rev.Changeset.ID
	case FieldChangesetID12:
		return rev.Changeset.ID12
	case FieldBranchName:
		return rev.Branch.Name
	case FieldBranchLocale:
		return rev.Branch.Locale
	}
	return ""
}

func (q Query) validate() error {
	for _, f := range q.Filters {
		switch f.Field {
		case FieldChangesetID, FieldChangesetID12, FieldBranchName, FieldBranchLocale:
		default:
			return &ValidationError{Message: fmt.Sprintf("unsupported query field %q", f.Field)}
		}
	}
	return nil
}

func (q Query) size() int {
	if q.Size > 0 {
		return q.Size
	}
	return defaultQuerySize
}

func (q Query) matches(rev types.Revision) bool {
	for _, f := range q.Filters {
		v := fieldValue(rev, f.Field)
		if f.Prefix {
			if !strings.HasPrefix(v, f.Value) {
				return false
			}
		} else if v != f.Value {
			return false
		}
	}
	return true
}

// indexPrefix returns the longest key prefix of the changeset index implied
// by the filters, or "" when the whole index must be scanned.
func (q Query) indexPrefix() string {
	best := ""
	for _, f := range q.Filters {
		var p string
		switch {
		case f.Field == FieldChangesetID && f.Prefix:
			p = f.Value
		case f.Field == FieldChangesetID:
			p = f.Value + indexSep
		case f.Field == FieldChangesetID12:
			p = f.Value
		default:
			continue
		}
		if len(p) > len(best) {
			best = p
		}
	}
	return best
}

// indexSep separates the changeset id from the document id in index entries.
const indexSep = "|"

func indexEntry(id string, rev types.Revision) string {
	return rev.Changeset.ID + indexSep + id
}

func docIDFromEntry(entry string) string {
	if i := strings.LastIndex(entry, indexSep); i >= 0 {
		return entry[i+1:]
	}
	return entry
}

func validatePut(id string) error {
	if id == "" {
		return &ValidationError{Message: "document id is required"}
	}
	return nil
}
