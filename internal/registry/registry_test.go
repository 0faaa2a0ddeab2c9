package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/flowguard/internal/domain"
)

func TestRegistry_LookupUnknown(t *testing.T) {
	r := New(NoopHandler{})
	_, err := r.Lookup("does-not-exist")
	require.Error(t, err)
}

func TestRegistry_ExecuteNoop(t *testing.T) {
	r := New(NoopHandler{})
	out, err := r.Execute(context.Background(), domain.Task{Type: "noop"}, HandlerInput{})
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestHTTPHandler_Execute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := NewHTTPHandler(srv.Client())
	out, err := h.Execute(context.Background(), HandlerInput{
		Config: map[string]interface{}{"url": srv.URL, "method": "GET"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
}

func TestHTTPHandler_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewHTTPHandler(srv.Client())
	_, err := h.Execute(context.Background(), HandlerInput{
		Config: map[string]interface{}{"url": srv.URL, "method": "GET"},
	})
	require.Error(t, err)
	var herr *domain.HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, domain.SeverityHigh, herr.Severity)
}

func TestShellHandler_DisallowedCommand(t *testing.T) {
	h := NewShellHandler()
	_, err := h.Execute(context.Background(), HandlerInput{Config: map[string]interface{}{"script": "rm -rf /"}})
	require.Error(t, err)
}

func TestShellHandler_Echo(t *testing.T) {
	h := NewShellHandler()
	out, err := h.Execute(context.Background(), HandlerInput{Config: map[string]interface{}{"script": "echo hello"}})
	require.NoError(t, err)
	assert.Contains(t, out["stdout"], "hello")
}
