package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrRejected       = errors.New("record rejected")
)

// RejectedError lists staged operations a Save dropped because replaying them
// can never succeed. Everything else staged with them was committed.
type RejectedError struct {
	// Records maps record id to the reason its operation was dropped.
	Records map[string]error
}

func (e *RejectedError) Error() string {
	ids := e.IDs()
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Records[id]))
	}
	return "rejected " + strings.Join(parts, "; ")
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// IDs returns the rejected record ids in sorted order.
func (e *RejectedError) IDs() []string {
	ids := make([]string, 0, len(e.Records))
	for id := range e.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
