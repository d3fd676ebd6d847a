package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadfunnel/internal/model"
)

// SupabaseStore implements Gateway over the PostgREST API that fronts a
// Supabase table. It authenticates with a project API key, so row-level
// security decides what the insert may read back.
type SupabaseStore struct {
	baseURL string
	key     string
	table   string
	cols    ColumnMap
	http    *http.Client
	now     func() time.Time
}

// RESTOption configures the HTTP-backed stores.
type RESTOption func(*restOpts)

type restOpts struct {
	http *http.Client
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) RESTOption {
	return func(o *restOpts) {
		o.http = hc
	}
}

func buildRESTOpts(opts []RESTOption) restOpts {
	o := restOpts{
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSupabase creates a store for the table at the project URL.
func NewSupabase(projectURL, key, table string, cols ColumnMap, opts ...RESTOption) *SupabaseStore {
	o := buildRESTOpts(opts)
	return &SupabaseStore{
		baseURL: strings.TrimSuffix(projectURL, "/"),
		key:     key,
		table:   table,
		cols:    cols,
		http:    o.http,
		now:     time.Now,
	}
}

// postgrestError is the error body PostgREST returns on 4xx/5xx.
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint"`
	Details string `json:"details"`
}

// CreateLead inserts a row and selects its id back. An empty representation
// means the insert landed but the select policy hid it.
func (s *SupabaseStore) CreateLead(ctx context.Context, fields model.Fields) (LeadID, error) {
	row, err := s.cols.Row(prepare(fields, time.Time{}))
	if err != nil {
		return UnknownLeadID, &PersistenceError{Backend: "supabase", Op: OpCreate, Code: CodeInvalidField, Message: err.Error(), Err: err}
	}

	u := s.endpoint(url.Values{"select": {"id"}})
	body, err := s.do(ctx, OpCreate, http.MethodPost, u, row)
	if err != nil {
		return UnknownLeadID, err
	}

	var rows []struct {
		ID json.Number `json:"id"`
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return UnknownLeadID, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return UnknownLeadID, &PersistenceError{Backend: "supabase", Op: OpCreate, Code: CodeTransport, Message: "decode response", Err: err}
	}
	if len(rows) == 0 || rows[0].ID == "" {
		return UnknownLeadID, nil
	}
	return LeadID(rows[0].ID.String()), nil
}

// UpdateLead patches the row with the given id. A response with no rows
// means nothing matched.
func (s *SupabaseStore) UpdateLead(ctx context.Context, id LeadID, fields model.Fields) error {
	if _, err := strconv.ParseInt(string(id), 10, 64); err != nil {
		return &PersistenceError{Backend: "supabase", Op: OpUpdate, Code: CodeInvalidID, Message: fmt.Sprintf("id %q is not an integer", id), Err: err}
	}

	row, err := s.cols.Row(prepare(fields, s.now()))
	if err != nil {
		return &PersistenceError{Backend: "supabase", Op: OpUpdate, Code: CodeInvalidField, Message: err.Error(), Err: err}
	}
	u := s.endpoint(url.Values{"id": {"eq." + string(id)}, "select": {"id"}})
	body, err := s.do(ctx, OpUpdate, http.MethodPatch, u, row)
	if err != nil {
		return err
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return &PersistenceError{Backend: "supabase", Op: OpUpdate, Code: CodeTransport, Message: "decode response", Err: err}
	}
	if len(rows) == 0 {
		return &PersistenceError{Backend: "supabase", Op: OpUpdate, Code: CodeNotFound, Message: fmt.Sprintf("no lead with id %s", id)}
	}
	return nil
}

func (s *SupabaseStore) endpoint(q url.Values) string {
	return fmt.Sprintf("%s/rest/v1/%s?%s", s.baseURL, url.PathEscape(s.table), q.Encode())
}

func (s *SupabaseStore) do(ctx context.Context, op, method, u string, payload any) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, &PersistenceError{Backend: "supabase", Op: op, Code: CodeInvalidField, Message: "encode payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(buf))
	if err != nil {
		return nil, &PersistenceError{Backend: "supabase", Op: op, Code: CodeTransport, Err: eris.Wrap(err, "supabase: create request")}
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, &PersistenceError{Backend: "supabase", Op: op, Code: CodeTransport, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &PersistenceError{Backend: "supabase", Op: op, Code: CodeTransport, Message: "read body", Err: err}
	}

	if resp.StatusCode >= 300 {
		pe := &PersistenceError{Backend: "supabase", Op: op, Code: strconv.Itoa(resp.StatusCode)}
		var apiErr postgrestError
		if json.Unmarshal(body, &apiErr) == nil && (apiErr.Code != "" || apiErr.Message != "") {
			if apiErr.Code != "" {
				pe.Code = apiErr.Code
			}
			pe.Message = apiErr.Message
			pe.Hint = apiErr.Hint
			pe.Details = apiErr.Details
		} else {
			pe.Message = strings.TrimSpace(string(body))
		}
		return nil, pe
	}
	return body, nil
}
