package internlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRoutesAndAuth(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v0/use-cases/performance/record":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			json.NewEncoder(w).Encode(KeyResult{OrgID: 1, String: body["string"].(string), ID: 7, Status: "created"})
		case "/v0/use-cases/performance/resolve":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":"not_found","message":"string not recorded"}}`))
		case "/v0/use-cases/performance/ids/7":
			w.Write([]byte(`{"use_case":"performance","id":7,"string":"GET /"}`))
		case "/v0/use-cases/performance/bulk-record":
			var body struct {
				Items map[string][]string `json:"items"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, []string{"a", "b"}, body.Items["3"])
			w.Write([]byte(`{"results":[],"counts":{"created":2,"existing":0,"rejected":0}}`))
		case "/v0/orgs/3/quota":
			w.Write([]byte(`{"org_id":3,"use_case":"performance","computed":10,"limit":50,"window_seconds":600}`))
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := New(srv.URL + "/")
	c.APIKey = "key"

	r, err := c.Record(ctx, "performance", 1, "GET /")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), r.ID)

	_, ok, err := c.Resolve(ctx, "performance", 1, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	s, ok, err := c.ReverseResolve(ctx, "performance", 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "GET /", s)

	bulk, err := c.BulkRecord(ctx, "performance", map[int64][]string{3: {"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, bulk.Counts.Created)

	q, err := c.Quota(ctx, "performance", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(50), q.Limit)

	assert.Contains(t, seen, "GET /v0/orgs/3/quota?use_case=performance")
}

func TestClientErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":"quota_exceeded","message":"slow down"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "t"
	_, err := c.Record(context.Background(), "performance", 1, "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "quota_exceeded", apiErr.Code)
}
