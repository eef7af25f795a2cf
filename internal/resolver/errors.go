package resolver

import "fmt"

// NotFoundError means the changeset id is empty or a placeholder.
type NotFoundError struct {
	Changeset string
}

func (e *NotFoundError) Error() string {
	if e.Changeset == "" {
		return "changeset not found: empty id"
	}
	return fmt.Sprintf("changeset %q not found", e.Changeset)
}

// InvalidInputError represents a request missing a required identifier.
type InvalidInputError struct {
	Message string
}

func (e *InvalidInputError) Error() string {
	return e.Message
}

// InvalidBranchError means neither (name, locale) nor (name, default locale)
// is registered.
type InvalidBranchError struct {
	Name   string
	Locale string
}

func (e *InvalidBranchError) Error() string {
	return fmt.Sprintf("can not find branch (%s, %s)", e.Name, e.Locale)
}

// AmbiguousResultError means the remote returned other than exactly one match.
type AmbiguousResultError struct {
	Kind      string
	Changeset string
	Count     int
}

func (e *AmbiguousResultError) Error() string {
	return fmt.Sprintf("expected exactly one %s for %s, got %d", e.Kind, e.Changeset, e.Count)
}
