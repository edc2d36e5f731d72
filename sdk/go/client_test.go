package escrowlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHireSendsApplicationAndAPIKey(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"p-1","status":"in_progress","ledger_id":7,"budget_wei":"1000"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "el_test"
	p, err := c.Hire(context.Background(), "p-1", "app-9")
	require.NoError(t, err)

	assert.Equal(t, "/v0/projects/p-1/hire", gotPath)
	assert.Equal(t, "el_test", gotKey)
	assert.Equal(t, "app-9", gotBody["application_id"])
	assert.Equal(t, "in_progress", p.Status)
	require.NotNil(t, p.LedgerID)
	assert.Equal(t, uint64(7), *p.LedgerID)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = w.Write([]byte(`{"error":{"code":"confirmation_timeout","message":"hire not confirmed","details":{"tx_hash":"0xabc"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.Finalize(context.Background(), "p-1")
	require.Error(t, err)

	assert.True(t, IsCode(err, "confirmation_timeout"))
	assert.False(t, IsCode(err, "state_drift"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusGatewayTimeout, apiErr.StatusCode)
	assert.Equal(t, "0xabc", apiErr.Details["tx_hash"])
}

func TestListProjectsEncodesQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[{"id":"p-1","status":"open"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BasePath = "/api/"
	items, err := c.ListProjects(context.Background(), "open", 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "limit=5&status=open", gotQuery)
}
