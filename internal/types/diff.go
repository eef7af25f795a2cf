package types

// FileRef names one side of a file diff.
type FileRef struct {
	Name string `json:"name"`
}

// Line is a single line of file content addressed by its 0-based number.
type Line struct {
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// LineChange is either an added line (New) or a removed line (Old).
type LineChange struct {
	New *Line `json:"new,omitempty"`
	Old *Line `json:"old,omitempty"`
}

// Added reports whether the change adds a line to the new file.
func (c LineChange) Added() bool { return c.New != nil }

// Removed reports whether the change removes a line from the old file.
func (c LineChange) Removed() bool { return c.Old != nil }

// FileDiff holds the line changes of one file in a changeset.
type FileDiff struct {
	New     FileRef      `json:"new"`
	Old     FileRef      `json:"old"`
	Changes []LineChange `json:"changes"`
}

// Added returns the lines added to the new file, in order.
func (f FileDiff) Added() []Line {
	out := make([]Line, 0, len(f.Changes))
	for _, c := range f.Changes {
		if c.New != nil {
			out = append(out, *c.New)
		}
	}
	return out
}

// Removed returns the lines removed from the old file, in order.
func (f FileDiff) Removed() []Line {
	out := make([]Line, 0, len(f.Changes))
	for _, c := range f.Changes {
		if c.Old != nil {
			out = append(out, *c.Old)
		}
	}
	return out
}
