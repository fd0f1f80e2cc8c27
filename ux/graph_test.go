package ux

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokenSource struct{}

func (staticTokenSource) Token(ctx context.Context) (string, error) { return "fake-token", nil }

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient(staticTokenSource{}, 100)
	c.HTTP = srv.Client()
	return c, srv
}

func TestClientDoRetriesOnThrottleThenSucceeds(t *testing.T) {
	var calls int
	_, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(429)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(staticTokenSource{}, 100)
	c.HTTP = srv.Client()
	data, status, err := c.Do(context.Background(), "GET", srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Contains(t, string(data), "ok")
	assert.Equal(t, 2, calls)
}

func TestClientDoReturnsErrorOnNonRetryableStatus(t *testing.T) {
	_, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(403)
		w.Write([]byte(`{"error":"forbidden"}`))
	}))
	defer srv.Close()

	c := NewClient(staticTokenSource{}, 100)
	c.HTTP = srv.Client()
	_, _, err := c.Do(context.Background(), "GET", srv.URL, nil)
	require.Error(t, err)
}

func TestFetchAllUsersFollowsNextLink(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value":           []User{{ID: "0", DisplayName: "Z"}},
			"@odata.nextLink": srv.URL + "/page1",
		})
	})
	mux.HandleFunc("/page1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value":           []User{{ID: "1", DisplayName: "A"}},
			"@odata.nextLink": "",
		})
	})

	c := NewClient(staticTokenSource{}, 100)
	c.HTTP = srv.Client()
	c.BaseURL = srv.URL
	c.Limiter.PageSleep = 0

	users, err := c.FetchAllUsers(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Z", users[0].DisplayName)
	assert.Equal(t, "A", users[1].DisplayName)
}

func TestFetchAllUsersAppliesFilter(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]any{"value": []User{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(staticTokenSource{}, 50)
	c.HTTP = srv.Client()
	c.BaseURL = srv.URL

	_, err := c.FetchAllUsers(context.Background(), "accountEnabled eq true")
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "$filter=accountEnabled")
}

func TestBatchGetManagersResolvesStatuses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/$batch", func(w http.ResponseWriter, r *http.Request) {
		var body batchBody
		json.NewDecoder(r.Body).Decode(&body)
		resp := batchResponse{}
		for i, req := range body.Requests {
			switch i {
			case 0:
				resp.Responses = append(resp.Responses, batchResponseItem{ID: req.ID, Status: 200, Body: json.RawMessage(`{"id":"mgr-1"}`)})
			case 1:
				resp.Responses = append(resp.Responses, batchResponseItem{ID: req.ID, Status: 404})
			}
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(staticTokenSource{}, 100)
	c.HTTP = srv.Client()
	c.BaseURL = srv.URL

	managerOf, err := c.BatchGetManagers(context.Background(), []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Equal(t, "mgr-1", managerOf["u1"])
	assert.Equal(t, "", managerOf["u2"])
}

func TestBatchGetManagersRetriesOnThrottleThenResolves(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/$batch", func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body batchBody
		json.NewDecoder(r.Body).Decode(&body)
		resp := batchResponse{}
		for _, req := range body.Requests {
			if calls == 1 {
				resp.Responses = append(resp.Responses, batchResponseItem{ID: req.ID, Status: 429})
				continue
			}
			resp.Responses = append(resp.Responses, batchResponseItem{ID: req.ID, Status: 200, Body: json.RawMessage(`{"id":"mgr-2"}`)})
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(staticTokenSource{}, 100)
	c.HTTP = srv.Client()
	c.BaseURL = srv.URL

	managerOf, err := c.BatchGetManagers(context.Background(), []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, "mgr-2", managerOf["u1"])
	assert.GreaterOrEqual(t, calls, 2)
}
