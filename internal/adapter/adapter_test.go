package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/retry"
)

func TestDecodeResult(t *testing.T) {
	res, err := decodeResult("odoo", "confirm_invoice", []byte(`{"status":"confirmed","record_id":42}`))
	require.NoError(t, err)
	assert.Equal(t, "confirmed", res.Status)
	assert.Equal(t, "42", res.RecordID)

	res, err = decodeResult("x", "post", []byte(`{"post_id":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "abc", res.RecordID)

	_, err = decodeResult("x", "post", []byte(`not json`))
	require.Error(t, err)
	var re *ResultError
	assert.False(t, errors.As(err, &re))
}

func TestResultError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		transient bool
	}{
		{"bare error status", `{"status":"error"}`, true},
		{"empty output", "", true},
		{"transient message", `{"status":"error","error":"SMTP connection refused"}`, true},
		{"retryable code in message", `{"status":"error","message":"upstream returned 503"}`, true},
		{"permanent message", `{"status":"error","error":"invalid recipient address"}`, false},
		{"explicit not retryable", `{"status":"error","error":"timeout","retryable":false}`, false},
		{"explicit retryable", `{"status":"error","error":"quota","retryable":true}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeResult("email", "send_email", []byte(tt.output))
			var re *ResultError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.transient, retry.IsTransient(err))
		})
	}
}

func TestCommand_WritesRequestAndReadsResult(t *testing.T) {
	reqPath := filepath.Join(t.TempDir(), "request.json")
	a, err := NewCommand("email", []string{"sh", "-c", `cat > "$0"; echo '{"status":"sent","message_id":"m-1"}'`, reqPath})
	require.NoError(t, err)

	res, err := a.Call(context.Background(), "send_email", map[string]any{"to": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "sent", res.Status)
	assert.Equal(t, "m-1", res.RecordID)

	data, err := os.ReadFile(reqPath)
	require.NoError(t, err)
	var got request
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "send_email", got.Action)
	assert.Equal(t, "a@example.com", got.Params["to"])
}

func TestCommand_NonZeroExitWithResult(t *testing.T) {
	a, err := NewCommand("x", []string{"sh", "-c", `echo '{"status":"error","error":"rate limit exceeded"}'; exit 1`})
	require.NoError(t, err)

	_, err = a.Call(context.Background(), "post", nil)
	var re *ResultError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "rate limit exceeded", re.Message)
	assert.True(t, retry.IsTransient(err))
}

func TestCommand_NonZeroExitWithoutResult(t *testing.T) {
	a, err := NewCommand("odoo", []string{"sh", "-c", `echo "missing credentials" >&2; exit 2`})
	require.NoError(t, err)

	_, err = a.Call(context.Background(), "confirm_invoice", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing credentials")
	assert.False(t, retry.IsTransient(err))
}

func TestCommand_Timeout(t *testing.T) {
	a, err := NewCommand("slow", []string{"sleep", "5"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.Call(ctx, "post", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, retry.IsTransient(err))
}

func TestNewCommand_RequiresCommand(t *testing.T) {
	_, err := NewCommand("email", nil)
	assert.Error(t, err)
}

func TestHTTP_Call(t *testing.T) {
	t.Setenv("TEST_ADAPTER_TOKEN", "secret")
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"status":"posted","post_id":"p-9"}`))
	}))
	defer srv.Close()

	a, err := NewHTTP("facebook", model.AdapterConfig{
		URL:        srv.URL,
		Headers:    map[string]string{"Authorization": "Bearer $TEST_ADAPTER_TOKEN"},
		RatePerSec: 100,
		Burst:      1,
	}, time.Second)
	require.NoError(t, err)

	res, err := a.Call(context.Background(), "post", map[string]any{"content": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "posted", res.Status)
	assert.Equal(t, "p-9", res.RecordID)
	assert.Equal(t, "post", got.Action)
	assert.Equal(t, "hello", got.Params["content"])
}

func TestHTTP_StatusCodes(t *testing.T) {
	tests := []struct {
		code      int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			a, err := NewHTTP("x", model.AdapterConfig{URL: srv.URL}, time.Second)
			require.NoError(t, err)
			_, err = a.Call(context.Background(), "post", nil)
			var se *retry.StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, tt.transient, retry.IsTransient(err))
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("email", DryRun{})

	a, err := r.ForAction(model.ActionEmailSend)
	require.NoError(t, err)
	assert.NotNil(t, a)

	_, err = r.ForAction(model.ActionOdooConfirm)
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = r.ForAction(model.ActionPostLinkedIn)
	assert.ErrorIs(t, err, ErrUnknownAction)

	assert.Equal(t, []string{"email"}, r.Names())
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig(map[string]model.AdapterConfig{
		"email": {Kind: KindCommand, Command: []string{"email-adapter"}},
		"x":     {Kind: KindHTTP, URL: "http://localhost:9/x"},
		"odoo":  {Kind: KindDryRun},
	}, false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "odoo", "x"}, r.Names())

	_, err = FromConfig(map[string]model.AdapterConfig{"x": {Kind: "carrier-pigeon"}}, false, time.Second)
	assert.Error(t, err)

	dry, err := FromConfig(nil, true, time.Second)
	require.NoError(t, err)
	a, err := dry.ForAction(model.ActionPostInstagram)
	require.NoError(t, err)
	res, err := a.Call(context.Background(), "post", nil)
	require.NoError(t, err)
	assert.Equal(t, "dry_run", res.Status)
}
