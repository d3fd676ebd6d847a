package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadfunnel/internal/model"
	"github.com/sells-group/leadfunnel/pkg/notion"
)

// NotionStore implements Gateway by creating one page per lead in a Notion
// database. Lead ids are page ids.
type NotionStore struct {
	client notion.Client
	dbID   string
	cols   ColumnMap
	now    func() time.Time
}

// NewNotion creates a store writing to the database dbID.
func NewNotion(client notion.Client, dbID string, cols ColumnMap) *NotionStore {
	return &NotionStore{client: client, dbID: dbID, cols: cols, now: time.Now}
}

// Check verifies that every mapped property exists in the database.
func (s *NotionStore) Check(ctx context.Context) error {
	db, err := s.client.GetDatabase(ctx, s.dbID)
	if err != nil {
		return eris.Wrap(err, "store: notion check")
	}
	types := notion.PropertyTypes(db)

	var missing []string
	for _, c := range s.cols.Columns() {
		if _, ok := types[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return eris.Errorf("store: notion database %s missing properties: %s", s.dbID, strings.Join(missing, ", "))
	}
	return nil
}

func (s *NotionStore) CreateLead(ctx context.Context, fields model.Fields) (LeadID, error) {
	props, err := s.properties(prepare(fields, time.Time{}))
	if err != nil {
		return UnknownLeadID, s.fail(OpCreate, CodeInvalidField, err)
	}

	page, err := s.client.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent:     notionapi.Parent{Type: notionapi.ParentTypeDatabaseID, DatabaseID: notionapi.DatabaseID(s.dbID)},
		Properties: props,
	})
	if err != nil {
		return UnknownLeadID, s.fail(OpCreate, "", err)
	}
	if page == nil || page.ID == "" {
		return UnknownLeadID, nil
	}
	return LeadID(page.ID), nil
}

func (s *NotionStore) UpdateLead(ctx context.Context, id LeadID, fields model.Fields) error {
	if !id.Known() {
		return &PersistenceError{Backend: "notion", Op: OpUpdate, Code: CodeInvalidID, Message: "empty page id"}
	}
	props, err := s.properties(prepare(fields, s.now()))
	if err != nil {
		return s.fail(OpUpdate, CodeInvalidField, err)
	}

	if _, err := s.client.UpdatePage(ctx, string(id), &notionapi.PageUpdateRequest{Properties: props}); err != nil {
		if notion.IsNotFound(err) {
			return s.fail(OpUpdate, CodeNotFound, err)
		}
		return s.fail(OpUpdate, "", err)
	}
	return nil
}

// properties converts fields to typed Notion property values.
func (s *NotionStore) properties(fields model.Fields) (notionapi.Properties, error) {
	props := make(notionapi.Properties, len(fields))
	for _, f := range fields.Keys() {
		c, ok := s.cols.Column(f)
		if !ok {
			return nil, eris.Errorf("store: no column for field %q", f)
		}
		v := fields[f]
		switch f {
		case model.FieldName:
			props[c] = notion.Title(fmt.Sprint(v))
		case model.FieldEmail:
			props[c] = notion.Email(fmt.Sprint(v))
		case model.FieldPhone:
			props[c] = notion.Phone(fmt.Sprint(v))
		case model.FieldCompleted:
			b, _ := v.(bool)
			props[c] = notion.Checkbox(b)
		case model.FieldUpdatedAt:
			t, ok := v.(time.Time)
			if !ok {
				return nil, eris.Errorf("store: %s must be a time", f)
			}
			props[c] = notion.Date(t)
		default:
			props[c] = notion.RichText(fmt.Sprint(v))
		}
	}
	return props, nil
}

func (s *NotionStore) fail(op, code string, err error) *PersistenceError {
	pe := &PersistenceError{Backend: "notion", Op: op, Code: code, Message: err.Error(), Err: err}
	if apiCode, msg, ok := notion.APIError(err); ok {
		if pe.Code == "" {
			pe.Code = apiCode
		}
		pe.Message = msg
	}
	if pe.Code == "" {
		pe.Code = CodeTransport
	}
	return pe
}
