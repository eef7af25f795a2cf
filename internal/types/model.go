package types

import (
	"errors"
	"strings"
	"time"
)

// DefaultLocale is used when neither the caller nor the branch names a locale.
const DefaultLocale = "en-US"

// BranchKey identifies a branch by lower-cased name and locale.
type BranchKey struct {
	Name   string
	Locale string
}

// NewBranchKey normalises name and locale into a registry key.
func NewBranchKey(name, locale string) BranchKey {
	if locale == "" {
		locale = DefaultLocale
	}
	return BranchKey{Name: strings.ToLower(strings.TrimSpace(name)), Locale: strings.ToLower(strings.TrimSpace(locale))}
}

// Branch is a repository known to the registry.
type Branch struct {
	Name        string    `json:"name" yaml:"name" toml:"name"`
	Locale      string    `json:"locale" yaml:"locale" toml:"locale"`
	URL         string    `json:"url" yaml:"url" toml:"url"`
	RefreshedAt time.Time `json:"refreshedAt" yaml:"-" toml:"-"`
}

// NewBranch validates the required identifiers and lower-cases the name.
func NewBranch(name, locale, url string) (Branch, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Branch{}, errors.New("branch name is required")
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return Branch{}, errors.New("branch url is required")
	}
	if locale = strings.TrimSpace(locale); locale == "" {
		locale = DefaultLocale
	}
	return Branch{Name: name, Locale: locale, URL: strings.TrimRight(url, "/")}, nil
}

// Key returns the registry identity of the branch.
func (b Branch) Key() BranchKey {
	return NewBranchKey(b.Name, b.Locale)
}

// Push groups the changesets landed together on a branch.
type Push struct {
	ID   int64     `json:"id"`
	Date time.Time `json:"date"`
	User string    `json:"user"`
}

// Changeset captures a single repository change.
type Changeset struct {
	ID          string     `json:"id"`
	ID12        string     `json:"id12"`
	Author      string     `json:"author,omitempty"`
	Description string     `json:"description,omitempty"`
	Date        time.Time  `json:"date"`
	Files       []string   `json:"files,omitempty"`
	BackedOutBy string     `json:"backedoutby,omitempty"`
	BugID       int        `json:"bug,omitempty"`
	Diff        []FileDiff `json:"diff,omitempty"`
	Parents     []string   `json:"parents,omitempty"`
	Children    []string   `json:"children,omitempty"`
}

// ETL records who resolved a revision and when.
type ETL struct {
	Timestamp time.Time `json:"timestamp"`
	Machine   string    `json:"machine,omitempty"`
	Instance  string    `json:"instance,omitempty"`
}

// Revision is a changeset as seen on one branch.
type Revision struct {
	Branch    Branch    `json:"branch"`
	Index     int       `json:"index"`
	Changeset Changeset `json:"changeset"`
	Push      Push      `json:"push"`
	ETL       ETL       `json:"etl"`
}

// CacheKey is the document id used by the cache store.
func (r Revision) CacheKey() string {
	return RevisionKey(r.Changeset.ID, r.Branch.Name, r.Branch.Locale)
}

// RevisionKey builds the cache document id for a changeset on a branch.
func RevisionKey(changesetID, branch, locale string) string {
	if locale == "" {
		locale = DefaultLocale
	}
	return Short(changesetID) + "-" + branch + "-" + locale
}

// Short returns the 12 character prefix of a changeset id.
func Short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
