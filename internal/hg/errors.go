package hg

import (
	"errors"
	"fmt"
	"strings"
)

// StatusError reports a non-success HTTP status from the remote.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Status)
}

// RemoteFetchError is returned once every transport and URL repair has failed.
type RemoteFetchError struct {
	URL    string
	Causes []error
}

func (e *RemoteFetchError) Error() string {
	msgs := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		msgs = append(msgs, c.Error())
	}
	return fmt.Sprintf("fetch %s failed: %s", e.URL, strings.Join(msgs, "; "))
}

func (e *RemoteFetchError) Unwrap() []error {
	return e.Causes
}

// UnknownRevisionError means the remote confirmed the revision does not exist.
type UnknownRevisionError struct {
	Revision string
}

func (e *UnknownRevisionError) Error() string {
	return fmt.Sprintf("unknown revision %q", e.Revision)
}

const unknownRevisionMarker = "unknown revision"

// unknownRevision returns the revision named by an "unknown revision 'x'"
// message.
func unknownRevision(msg string) (string, bool) {
	if !strings.HasPrefix(msg, unknownRevisionMarker) {
		return "", false
	}
	start := strings.IndexByte(msg, '\'')
	if start < 0 {
		return "", true
	}
	end := strings.IndexByte(msg[start+1:], '\'')
	if end < 0 {
		return msg[start+1:], true
	}
	return msg[start+1 : start+1+end], true
}

func isUnknownRevision(err error) bool {
	var unknown *UnknownRevisionError
	return errors.As(err, &unknown)
}
