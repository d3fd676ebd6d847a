package salesforce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gosf "github.com/k-capehart/go-salesforce/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSFClient creates an sfClient backed by an httptest server.
func newTestSFClient(t *testing.T, handler http.Handler) (Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)

	sf, err := gosf.Init(gosf.Creds{
		AccessToken: "test-token",
		Domain:      ts.URL,
	},
		gosf.WithValidateAuthentication(false),
		gosf.WithRoundTripper(http.DefaultTransport),
	)
	require.NoError(t, err)
	require.NotNil(t, sf)

	return NewClient(sf), ts
}

func TestSFClient_InsertOne(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path != "/query" {
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":      "00Qnew",
				"success": true,
				"errors":  []any{},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	client, ts := newTestSFClient(t, handler)
	defer ts.Close()

	id, err := client.InsertOne(context.Background(), "Lead", map[string]any{
		"LastName": "Souza", "Company": "Quiz Funnel",
	})
	require.NoError(t, err)
	assert.Equal(t, "00Qnew", id)
}

func TestSFClient_InsertOne_Failure(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":      "",
				"success": false,
				"errors":  []map[string]any{{"message": "required field missing"}},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	client, ts := newTestSFClient(t, handler)
	defer ts.Close()

	_, err := client.InsertOne(context.Background(), "Lead", map[string]any{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "insert Lead failed")
}

func TestSFClient_UpdateOne(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	client, ts := newTestSFClient(t, handler)
	defer ts.Close()

	err := client.UpdateOne(context.Background(), "Lead", "00Qxx", map[string]any{
		"Quiz_Completed__c": true,
	})
	require.NoError(t, err)
}

func TestSFClient_UpdateOne_Error(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"message": "invalid field", "errorCode": "INVALID_FIELD"},
		})
	})

	client, ts := newTestSFClient(t, handler)
	defer ts.Close()

	err := client.UpdateOne(context.Background(), "Lead", "00Qxx", map[string]any{
		"BadField": "value",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sf: update")
}

func TestSFClient_DescribeSObject(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// go-salesforce constructs URL as: InstanceUrl + /services/data/vXX.X + uri
		assert.Contains(t, r.URL.Path, "/sobjects/Lead/describe")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":  "Lead",
			"label": "Lead",
			"fields": []map[string]any{
				{"name": "Id", "label": "Lead ID", "type": "id", "length": 18, "createable": false, "updateable": false},
				{"name": "Email", "label": "Email", "type": "email", "length": 80, "createable": true, "updateable": true},
			},
		})
	})

	client, ts := newTestSFClient(t, handler)
	defer ts.Close()

	desc, err := client.DescribeSObject(context.Background(), "Lead")
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, "Lead", desc.Name)
	assert.Equal(t, "Lead", desc.Label)
	require.Len(t, desc.Fields, 2)
	assert.Equal(t, "Id", desc.Fields[0].Name)
	assert.False(t, desc.Fields[0].Updateable)
	assert.Equal(t, "Email", desc.Fields[1].Name)
	assert.True(t, desc.Fields[1].Createable)
	assert.True(t, desc.Fields[1].Updateable)
}

func TestSFClient_DescribeSObject_Error(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"message": "sobject not found", "errorCode": "NOT_FOUND"},
		})
	})

	client, ts := newTestSFClient(t, handler)
	defer ts.Close()

	_, err := client.DescribeSObject(context.Background(), "NonExistent")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sf: describe")
}

func TestSFClient_UpdateOne_DoesNotMutateFields(t *testing.T) {
	var body map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	})

	client, ts := newTestSFClient(t, handler)
	defer ts.Close()

	fields := map[string]any{"Quiz_Completed__c": true}
	require.NoError(t, client.UpdateOne(context.Background(), "Lead", "00Qxx", fields))
	assert.NotContains(t, fields, "Id")
	assert.Equal(t, true, body["Quiz_Completed__c"])
}
