// Package crdt implements a replicated text sequence. Every character
// carries a globally unique ID and the IDs of its neighbours at the
// time it was inserted (its origins). Concurrent inserts between the
// same origins are ordered by replica ID, so every replica that has
// integrated the same set of operations holds the same text no matter
// the delivery order. Deleted characters stay in the sequence as
// tombstones so they remain valid origins.
package crdt

import (
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

var (
	// ErrMissingDependency means an operation references something this
	// replica has not integrated yet. The caller should retry later.
	ErrMissingDependency = errors.New("crdt: missing dependency")

	// ErrInvalidOperation means an operation can never be integrated.
	ErrInvalidOperation = errors.New("crdt: invalid operation")

	// ErrConflict means an insert reuses IDs already integrated with a
	// different character or different origins. The sender has diverged.
	ErrConflict = errors.New("crdt: conflicting insert")
)

// ID identifies one character. Seq starts at 1 and increases by one per
// character inserted by Replica.
type ID struct {
	Replica string `json:"replica"`
	Seq     uint64 `json:"seq"`
}

// Compare orders IDs by replica, then sequence.
func (a ID) Compare(b ID) int {
	switch {
	case a.Replica < b.Replica:
		return -1
	case a.Replica > b.Replica:
		return 1
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

func (a ID) String() string {
	return a.Replica + ":" + strconv.FormatUint(a.Seq, 10)
}

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Operation is the unit replicas exchange. An insert carries a run of
// text: rune k gets ID{Replica, Seq+k} and its left origin is rune k-1.
// A delete tombstones Targets.
type Operation struct {
	Kind    Kind   `json:"kind"`
	ID      ID     `json:"id"`
	Left    *ID    `json:"left,omitempty"`
	Right   *ID    `json:"right,omitempty"`
	Text    string `json:"text,omitempty"`
	Targets []ID   `json:"targets,omitempty"`
}

// Len returns the number of characters an insert carries, or the number
// of targets of a delete.
func (op Operation) Len() int {
	if op.Kind == KindDelete {
		return len(op.Targets)
	}
	return utf8.RuneCountInString(op.Text)
}

// Validate checks the operation shape without looking at any document.
func (op Operation) Validate() error {
	switch op.Kind {
	case KindInsert:
		if op.ID.Replica == "" || op.ID.Seq == 0 {
			return fmt.Errorf("%w: insert needs a replica and a positive seq", ErrInvalidOperation)
		}
		if op.Text == "" || !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: insert text must be non-empty UTF-8", ErrInvalidOperation)
		}
		last := op.ID.Seq + uint64(op.Len()) - 1
		for _, origin := range []*ID{op.Left, op.Right} {
			if origin != nil && origin.Replica == op.ID.Replica && origin.Seq >= op.ID.Seq && origin.Seq <= last {
				return fmt.Errorf("%w: insert references itself", ErrInvalidOperation)
			}
		}
	case KindDelete:
		if len(op.Targets) == 0 {
			return fmt.Errorf("%w: delete without targets", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

// Seed builds the operation that loads text into an empty document
// under replica. Every replica seeding the same text with the same
// replica ID produces identical characters.
func Seed(replica, text string) Operation {
	return Operation{Kind: KindInsert, ID: ID{Replica: replica, Seq: 1}, Text: text}
}
