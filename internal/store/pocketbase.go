package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadfunnel/internal/model"
)

var pocketBaseID = regexp.MustCompile(`^[a-zA-Z0-9_]{1,64}$`)

// PocketBaseStore implements Gateway over the PocketBase records API.
type PocketBaseStore struct {
	baseURL    string
	token      string
	collection string
	cols       ColumnMap
	http       *http.Client
	now        func() time.Time
}

// NewPocketBase creates a store for a collection. token may be empty.
func NewPocketBase(baseURL, token, collection string, cols ColumnMap, opts ...RESTOption) *PocketBaseStore {
	o := buildRESTOpts(opts)
	return &PocketBaseStore{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		collection: collection,
		cols:       cols,
		http:       o.http,
		now:        time.Now,
	}
}

// pocketBaseError is the error body of the records API. Data holds
// per-field validation failures.
type pocketBaseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    map[string]struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"data"`
}

// CreateLead creates a record. An empty body means the collection's view
// rule hid the new record.
func (s *PocketBaseStore) CreateLead(ctx context.Context, fields model.Fields) (LeadID, error) {
	row, err := s.cols.Row(prepare(fields, time.Time{}))
	if err != nil {
		return UnknownLeadID, &PersistenceError{Backend: "pocketbase", Op: OpCreate, Code: CodeInvalidField, Message: err.Error(), Err: err}
	}

	body, err := s.do(ctx, OpCreate, http.MethodPost, s.recordsURL(""), row)
	if err != nil {
		return UnknownLeadID, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return UnknownLeadID, nil
	}

	var rec struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		return UnknownLeadID, &PersistenceError{Backend: "pocketbase", Op: OpCreate, Code: CodeTransport, Message: "decode response", Err: err}
	}
	return LeadID(rec.ID), nil
}

// UpdateLead patches a record by id.
func (s *PocketBaseStore) UpdateLead(ctx context.Context, id LeadID, fields model.Fields) error {
	if !pocketBaseID.MatchString(string(id)) {
		return &PersistenceError{Backend: "pocketbase", Op: OpUpdate, Code: CodeInvalidID, Message: fmt.Sprintf("id %q is not a record id", id)}
	}

	row, err := s.cols.Row(prepare(fields, s.now()))
	if err != nil {
		return &PersistenceError{Backend: "pocketbase", Op: OpUpdate, Code: CodeInvalidField, Message: err.Error(), Err: err}
	}

	_, err = s.do(ctx, OpUpdate, http.MethodPatch, s.recordsURL(string(id)), row)
	return err
}

func (s *PocketBaseStore) recordsURL(id string) string {
	u := fmt.Sprintf("%s/api/collections/%s/records", s.baseURL, url.PathEscape(s.collection))
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

func (s *PocketBaseStore) do(ctx context.Context, op, method, u string, payload any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, &PersistenceError{Backend: "pocketbase", Op: op, Code: CodeInvalidField, Message: "encode payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(buf))
	if err != nil {
		return nil, &PersistenceError{Backend: "pocketbase", Op: op, Code: CodeTransport, Err: eris.Wrap(err, "pocketbase: create request")}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, &PersistenceError{Backend: "pocketbase", Op: op, Code: CodeTransport, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &PersistenceError{Backend: "pocketbase", Op: op, Code: CodeTransport, Message: "read body", Err: err}
	}

	if resp.StatusCode < 300 {
		return body, nil
	}

	pe := &PersistenceError{Backend: "pocketbase", Op: op, Code: strconv.Itoa(resp.StatusCode)}
	if resp.StatusCode == http.StatusNotFound && op == OpUpdate {
		pe.Code = CodeNotFound
	}
	var apiErr pocketBaseError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		pe.Message = apiErr.Message
		if len(apiErr.Data) > 0 {
			details := make([]string, 0, len(apiErr.Data))
			for field, fe := range apiErr.Data {
				details = append(details, fmt.Sprintf("%s: %s", field, fe.Message))
			}
			sort.Strings(details)
			pe.Details = strings.Join(details, "; ")
		}
	} else {
		pe.Message = strings.TrimSpace(string(body))
	}
	return nil, pe
}
