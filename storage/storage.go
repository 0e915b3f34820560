// Package storage persists the last-seen post of every target.
//
// Every backend stores the whole mapping and rewrites it in full on Save.
// An absent or unreadable document loads as an empty state so that a cold
// start and a corrupted file behave the same way.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"insta-notifier/pkg/notifier"
	"strings"
)

// Store loads and saves the full state mapping.
type Store interface {
	Load(ctx context.Context) (notifier.State, error)
	Save(ctx context.Context, state notifier.State) error
}

// StateIOError indicates the state could not be read or written.
type StateIOError struct {
	Err     error
	Op      string // "load" or "save"
	Backend string
}

func (e *StateIOError) Error() string {
	return fmt.Sprintf("%s state (%s): %v", e.Op, e.Backend, e.Err)
}

func (e *StateIOError) Unwrap() error { return e.Err }

// IsStateIOError checks if an error is a StateIOError.
func IsStateIOError(err error) bool {
	var se *StateIOError
	return errors.As(err, &se)
}

var errCorrupt = errors.New("corrupt state document")

// Encode renders state as the JSON document written by every backend.
func Encode(state notifier.State) ([]byte, error) {
	if state == nil {
		state = notifier.State{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

// Decode parses a state document. Entries may be a bare post id string,
// the format written by earlier releases, or a full entry object.
// Entries without a post id are dropped.
func Decode(data []byte) (notifier.State, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return notifier.State{}, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}

	state := make(notifier.State, len(raw))
	for target, value := range raw {
		var id string
		if err := json.Unmarshal(value, &id); err == nil {
			if id != "" {
				state[target] = notifier.Entry{LastSeenPostID: id}
			}
			continue
		}
		var e notifier.Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return nil, fmt.Errorf("%w: entry %q: %w", errCorrupt, target, err)
		}
		if e.LastSeenPostID != "" {
			state[target] = e
		}
	}
	return state, nil
}
