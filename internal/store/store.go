// Package store persists lead records to an external row store. Every
// backend speaks in semantic model.Field names; column translation happens
// in one place per backend (see columns.go).
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/leadfunnel/internal/model"
)

// LeadID is the opaque identifier a store assigns to a lead record.
type LeadID string

// UnknownLeadID is returned by CreateLead when the store accepted the insert
// but did not let us read the new record back. It is not an error; callers
// must skip any later update for that lead.
const UnknownLeadID LeadID = ""

// Known reports whether the id can be used for an update.
func (id LeadID) Known() bool { return id != UnknownLeadID }

func (id LeadID) String() string {
	if id == UnknownLeadID {
		return "<unknown>"
	}
	return string(id)
}

// Gateway creates and updates lead records.
type Gateway interface {
	// CreateLead inserts a record and returns its id, or UnknownLeadID when
	// the store withholds the read-back.
	CreateLead(ctx context.Context, fields model.Fields) (LeadID, error)
	// UpdateLead applies fields to an existing record and stamps updated_at.
	UpdateLead(ctx context.Context, id LeadID, fields model.Fields) error
}

// Error codes set by the gateway itself. Store-native codes (SQLSTATE,
// PostgREST, Notion, Salesforce) pass through unchanged.
const (
	CodeNotFound     = "not_found"
	CodeInvalidID    = "invalid_id"
	CodeInvalidField = "invalid_field"
	CodeTransport    = "transport"
	CodeRejected     = "rejected"
)

// Operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
)

// PersistenceError describes a failed create or update.
type PersistenceError struct {
	Backend string
	Op      string
	Code    string
	Message string
	Hint    string
	Details string
	Err     error
}

func (e *PersistenceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "store: %s %s", e.Backend, e.Op)
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, " (hint: %s)", e.Hint)
	}
	return b.String()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// AsPersistenceError unwraps err to a *PersistenceError.
func AsPersistenceError(err error) (*PersistenceError, bool) {
	var pe *PersistenceError
	ok := errors.As(err, &pe)
	return pe, ok
}

// IsNotFound reports whether err is an update against a missing record.
func IsNotFound(err error) bool {
	pe, ok := AsPersistenceError(err)
	return ok && pe.Code == CodeNotFound
}

// prepare returns a copy of fields ready for storage: the phone is
// normalized (and dropped when no digits remain), empty strings are dropped,
// and updated_at is stamped when stamp is non-zero.
func prepare(fields model.Fields, stamp time.Time) model.Fields {
	out := make(model.Fields, len(fields)+1)
	for k, v := range fields {
		if s, ok := v.(string); ok {
			if k == model.FieldPhone {
				p, ok := NormalizePhone(s)
				if !ok {
					continue
				}
				s = p
			}
			if s == "" {
				continue
			}
			v = s
		}
		if v == nil {
			continue
		}
		out[k] = v
	}
	if !stamp.IsZero() {
		out[model.FieldUpdatedAt] = stamp.UTC()
	}
	return out
}
