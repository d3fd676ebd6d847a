package store

import (
	"context"
	"time"

	"github.com/sells-group/leadfunnel/internal/model"
	"github.com/sells-group/leadfunnel/pkg/salesforce"
)

// SalesforceStore implements Gateway against a Salesforce sObject, Lead by
// default. Lead ids are record ids.
type SalesforceStore struct {
	client  salesforce.Client
	sObject string
	cols    ColumnMap
	now     func() time.Time
}

// NewSalesforce creates a store writing records of type sObject.
func NewSalesforce(client salesforce.Client, sObject string, cols ColumnMap) *SalesforceStore {
	if sObject == "" {
		sObject = "Lead"
	}
	return &SalesforceStore{client: client, sObject: sObject, cols: cols, now: time.Now}
}

// Check verifies that every mapped field exists and is writable.
func (s *SalesforceStore) Check(ctx context.Context) error {
	return salesforce.CheckFields(ctx, s.client, s.sObject, s.cols.Columns())
}

func (s *SalesforceStore) CreateLead(ctx context.Context, fields model.Fields) (LeadID, error) {
	row, err := s.cols.Row(prepare(fields, time.Time{}))
	if err != nil {
		return UnknownLeadID, s.fail(OpCreate, CodeInvalidField, err)
	}
	id, err := salesforce.CreateLead(ctx, s.client, s.sObject, row)
	if err != nil {
		return UnknownLeadID, s.fail(OpCreate, "", err)
	}
	return LeadID(id), nil
}

func (s *SalesforceStore) UpdateLead(ctx context.Context, id LeadID, fields model.Fields) error {
	if !id.Known() {
		return &PersistenceError{Backend: "salesforce", Op: OpUpdate, Code: CodeInvalidID, Message: "empty record id"}
	}
	row, err := s.cols.Row(prepare(fields, s.now()))
	if err != nil {
		return s.fail(OpUpdate, CodeInvalidField, err)
	}
	if err := salesforce.UpdateLead(ctx, s.client, s.sObject, string(id), row); err != nil {
		if salesforce.IsNotFound(err) {
			return s.fail(OpUpdate, CodeNotFound, err)
		}
		return s.fail(OpUpdate, "", err)
	}
	return nil
}

func (s *SalesforceStore) fail(op, code string, err error) *PersistenceError {
	if code == "" {
		code = salesforce.ErrorCode(err)
	}
	if code == "" {
		code = CodeTransport
	}
	return &PersistenceError{Backend: "salesforce", Op: op, Code: code, Message: err.Error(), Err: err}
}
