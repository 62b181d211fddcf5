package contract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apivet/apivet/internal/config"
	"github.com/apivet/apivet/internal/logger"
	"github.com/apivet/apivet/pkg/ratelimit"
	"github.com/apivet/apivet/pkg/types"
)

func newValidator(t *testing.T, client *http.Client) *Validator {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.Config{
		BaseDelay:         time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		MaxRetries:        1,
		BackoffMultiplier: 2.0,
	}, client)
	return NewValidator(limiter, log, nil)
}

func TestValidateMatchingContract(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items": []}`))
	}))
	defer server.Close()

	v := newValidator(t, server.Client())
	doc := &types.Document{Endpoints: []types.Endpoint{{
		Path:   "/items",
		Method: http.MethodGet,
		Responses: map[string]types.ResponseSpec{
			"200": {Type: "object"},
		},
	}}}

	mismatches, err := v.Validate(context.Background(), doc, server.URL)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestValidateUnexpectedStatusCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	v := newValidator(t, server.Client())
	doc := &types.Document{Endpoints: []types.Endpoint{{
		Path:   "/items",
		Method: http.MethodGet,
		Responses: map[string]types.ResponseSpec{
			"200": {Type: "object"},
		},
	}}}

	mismatches, err := v.Validate(context.Background(), doc, server.URL)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)

	m := mismatches[0]
	assert.Equal(t, types.MismatchStatusCode, m.Kind)
	assert.Equal(t, "418", m.Actual)
	assert.Equal(t, types.SeverityMedium, m.Severity)
}

func TestValidateDefaultResponseFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	v := newValidator(t, server.Client())
	doc := &types.Document{Endpoints: []types.Endpoint{{
		Path:   "/items",
		Method: http.MethodGet,
		Responses: map[string]types.ResponseSpec{
			"default": {},
		},
	}}}

	mismatches, err := v.Validate(context.Background(), doc, server.URL)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestValidateCreatedFallsBackTo200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status": "queued"}`)) // 202 covered by the 200 entry
	}))
	defer server.Close()

	v := newValidator(t, server.Client())
	doc := &types.Document{Endpoints: []types.Endpoint{{
		Path:   "/items",
		Method: http.MethodGet,
		Responses: map[string]types.ResponseSpec{
			"200": {Type: "object"},
		},
	}}}

	mismatches, err := v.Validate(context.Background(), doc, server.URL)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestValidateSchemaTypeMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[1, 2, 3]`))
	}))
	defer server.Close()

	v := newValidator(t, server.Client())
	doc := &types.Document{Endpoints: []types.Endpoint{{
		Path:   "/items",
		Method: http.MethodGet,
		Responses: map[string]types.ResponseSpec{
			"200": {Type: "object"},
		},
	}}}

	mismatches, err := v.Validate(context.Background(), doc, server.URL)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)

	m := mismatches[0]
	assert.Equal(t, types.MismatchSchema, m.Kind)
	assert.Equal(t, "object", m.Expected)
	assert.Equal(t, "array", m.Actual)
}

func TestValidateSkipsParameterizedAndNonGET(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	v := newValidator(t, server.Client())
	doc := &types.Document{Endpoints: []types.Endpoint{
		{Path: "/items/{id}", Method: http.MethodGet},
		{Path: "/items", Method: http.MethodPost},
	}}

	mismatches, err := v.Validate(context.Background(), doc, server.URL)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
	assert.Zero(t, calls.Load())
}
