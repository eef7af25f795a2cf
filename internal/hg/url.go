package hg

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// RepoURL is a repository URL split into the parts the repair rules inspect.
type RepoURL struct {
	Scheme   string
	Host     string
	Segments []string
	RawQuery string
}

// ParseRepoURL splits raw into scheme, host, path segments and query.
func ParseRepoURL(raw string) (RepoURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RepoURL{}, err
	}
	if u.Scheme == "" || u.Host == "" {
		return RepoURL{}, fmt.Errorf("url %q is not absolute", raw)
	}
	var segments []string
	if p := strings.Trim(u.Path, "/"); p != "" {
		segments = strings.Split(p, "/")
	}
	return RepoURL{Scheme: u.Scheme, Host: u.Host, Segments: segments, RawQuery: u.RawQuery}, nil
}

func (u RepoURL) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	for _, s := range u.Segments {
		b.WriteByte('/')
		b.WriteString(s)
	}
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// Insecure returns the same URL over plain http.
func (u RepoURL) Insecure() RepoURL {
	out := u.clone()
	out.Scheme = "http"
	return out
}

// Base drops the endpoint suffix and query, leaving the repository root.
func (u RepoURL) Base() RepoURL {
	out := u.clone()
	out.RawQuery = ""
	for i, s := range out.Segments {
		if isEndpoint(s) {
			out.Segments = out.Segments[:i]
			break
		}
	}
	return out
}

func (u RepoURL) clone() RepoURL {
	u.Segments = slices.Clone(u.Segments)
	return u
}

func (u RepoURL) segment(i int) string {
	if i < len(u.Segments) {
		return u.Segments[i]
	}
	return ""
}

func isEndpoint(segment string) bool {
	switch segment {
	case "json-pushes", "json-info", "raw-rev", "raw-file":
		return true
	}
	return false
}

// Rule is one structural rewrite for a known repository alias.
type Rule struct {
	Name    string
	Match   func(RepoURL) bool
	Rewrite func(RepoURL) RepoURL
}

// DefaultRules lists the layout repairs in the order they are tried.
func DefaultRules() []Rule {
	return []Rule{
		{
			// l10n-central/<locale>/... lives in mozilla-central
			Name: "l10n-central",
			Match: func(u RepoURL) bool {
				return u.segment(0) == "l10n-central" && len(u.Segments) >= 2
			},
			Rewrite: func(u RepoURL) RepoURL {
				return replacePrefix(u, 2, "mozilla-central")
			},
		},
		localizedRelease("mozilla-aurora"),
		localizedRelease("mozilla-beta"),
		localizedRelease("mozilla-release"),
		{
			Name: "build-autoland",
			Match: func(u RepoURL) bool {
				return u.segment(0) == "build" && u.segment(1) == "autoland"
			},
			Rewrite: func(u RepoURL) RepoURL {
				return replacePrefix(u, 2, "integration", "autoland")
			},
		},
	}
}

// localizedRelease maps releases/l10n/<repo>/<locale>/... to releases/<repo>/...
func localizedRelease(repo string) Rule {
	return Rule{
		Name: "l10n-" + repo,
		Match: func(u RepoURL) bool {
			return u.segment(0) == "releases" && u.segment(1) == "l10n" && u.segment(2) == repo && len(u.Segments) >= 4
		},
		Rewrite: func(u RepoURL) RepoURL {
			return replacePrefix(u, 4, "releases", repo)
		},
	}
}

func replacePrefix(u RepoURL, n int, prefix ...string) RepoURL {
	out := u.clone()
	rest := out.Segments[min(n, len(out.Segments)):]
	out.Segments = append(slices.Clone(prefix), rest...)
	return out
}

// PushlogURL lists the push containing changeset.
func PushlogURL(base, changeset string) string {
	return strings.TrimRight(base, "/") + "/json-pushes?full=1&changeset=" + url.QueryEscape(changeset)
}

// InfoURL describes the changesets matching node.
func InfoURL(base, node string) string {
	return strings.TrimRight(base, "/") + "/json-info?node=" + url.QueryEscape(node)
}

// RawDiffURL serves the unified diff of a changeset.
func RawDiffURL(base, changeset string) string {
	return strings.TrimRight(base, "/") + "/raw-rev/" + changeset
}

// RawFileURL serves one file as of changeset. path must start with "/".
func RawFileURL(base, changeset, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(base, "/") + "/raw-file/" + changeset + path
}
