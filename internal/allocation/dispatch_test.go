package allocation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/robotq/internal/domain"
)

func TestProcessURL(t *testing.T) {
	assert.Equal(t, "http://r1:8080/process", ProcessURL("http://r1:8080/", "/process"))
	assert.Equal(t, "http://r1/api/rpa/process", ProcessURL("http://r1", "api/rpa/process"))
}

func TestHTTPDispatcherPostsProcessRequest(t *testing.T) {
	var got map[string]any
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	token := "robot-secret"
	w := &domain.Worker{ID: 7, EndpointURL: srv.URL + "/", AuthToken: &token}
	item := &domain.WorkItem{
		ID:      42,
		TrackID: "T-42",
		Payload: domain.Payload{
			AiConfig: "cfg",
			Channel:  "facebook",
			Tags:     []string{"x"},
			Data:     []domain.DataItem{{Header: "h", Value: "v"}},
		},
	}

	d := NewHTTPDispatcher(srv.Client(), "")
	require.NoError(t, d.Dispatch(context.Background(), w, item))

	assert.Equal(t, "/process", path)
	assert.Equal(t, "Bearer robot-secret", auth)
	assert.EqualValues(t, 42, got["queueId"])
	assert.Equal(t, "T-42", got["trackId"])
	assert.Equal(t, "cfg", got["aiConfig"])
	assert.Equal(t, "facebook", got["channel"])
	assert.Equal(t, []any{"x"}, got["tags"])
	assert.Equal(t, []any{map[string]any{"header": "h", "value": "v"}}, got["data"])
}

func TestHTTPDispatcherEmptyCollectionsAndNoToken(t *testing.T) {
	var raw map[string]json.RawMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.Client(), "/process")
	err := d.Dispatch(context.Background(), &domain.Worker{EndpointURL: srv.URL}, &domain.WorkItem{TrackID: "T"})
	require.NoError(t, err)
	assert.Empty(t, auth)
	assert.JSONEq(t, "[]", string(raw["tags"]))
	assert.JSONEq(t, "[]", string(raw["data"]))
}

func TestHTTPDispatcherNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.Client(), "/process")
	err := d.Dispatch(context.Background(), &domain.Worker{EndpointURL: srv.URL}, &domain.WorkItem{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
