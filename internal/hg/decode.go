package hg

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/onexay/revcache/internal/types"
)

// Pushlog is the body of json-pushes?full=1, keyed by push id.
type Pushlog map[string]struct {
	Date int64  `json:"date"`
	User string `json:"user"`
}

// Pushes returns the log ordered by push id.
func (p Pushlog) Pushes() ([]types.Push, error) {
	out := make([]types.Push, 0, len(p))
	for key, entry := range p {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("push id %q: %w", key, err)
		}
		out = append(out, types.Push{ID: id, Date: time.Unix(entry.Date, 0).UTC(), User: entry.User})
	}
	slices.SortFunc(out, func(a, b types.Push) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Info is the body of json-info, keyed by node.
type Info map[string]InfoEntry

// InfoEntry describes one changeset.
type InfoEntry struct {
	Rev         int      `json:"rev"`
	Node        string   `json:"node"`
	User        string   `json:"user"`
	Description string   `json:"description"`
	Date        Date     `json:"date"`
	Files       []string `json:"files"`
	Parents     []string `json:"parents"`
	Children    []string `json:"children"`
	BackedOutBy string   `json:"backedoutby"`
}

// Changeset converts the entry, leaving diff and bug id empty.
func (e InfoEntry) Changeset() types.Changeset {
	return types.Changeset{
		ID:          e.Node,
		ID12:        types.Short(e.Node),
		Author:      e.User,
		Description: e.Description,
		Date:        e.Date.Time,
		Files:       e.Files,
		BackedOutBy: e.BackedOutBy,
		Parents:     e.Parents,
		Children:    e.Children,
	}
}

// Entries returns the entries ordered by node.
func (i Info) Entries() []InfoEntry {
	out := make([]InfoEntry, 0, len(i))
	for node, e := range i {
		if e.Node == "" {
			e.Node = node
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b InfoEntry) int { return cmp.Compare(a.Node, b.Node) })
	return out
}

// Date accepts either a unix timestamp or Mercurial's [timestamp, offset] pair.
type Date struct {
	time.Time
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) == 0 {
			return nil
		}
		d.Time = unixFloat(pair[0])
		return nil
	}
	var ts float64
	if err := json.Unmarshal(data, &ts); err != nil {
		return fmt.Errorf("unsupported hg date %s", data)
	}
	d.Time = unixFloat(ts)
	return nil
}

func unixFloat(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
