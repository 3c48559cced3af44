package wapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festa-bot/internal/logging"
)

type recorded struct {
	path   string
	query  string
	auth   string
	fields map[string]any
}

type fakeProvider struct {
	mu      sync.Mutex
	calls   []recorded
	respond func(n int, fields map[string]any, w http.ResponseWriter)
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	_ = json.NewDecoder(r.Body).Decode(&fields)
	f.mu.Lock()
	f.calls = append(f.calls, recorded{
		path:   r.URL.Path,
		query:  r.URL.Query().Get("instanceId"),
		auth:   r.Header.Get("Authorization"),
		fields: fields,
	})
	n := len(f.calls)
	f.mu.Unlock()
	f.respond(n, fields, w)
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, SendPath: "/v1/message/send-text", Timeout: 2 * time.Second}, logging.Discard(), nil)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

var creds = Credentials{InstanceID: "inst-1", Token: "secret"}

func TestSendTextFallsBackUntilAccepted(t *testing.T) {
	fake := &fakeProvider{respond: func(n int, _ map[string]any, w http.ResponseWriter) {
		switch n {
		case 1:
			writeJSON(w, http.StatusBadRequest, `{"error":true,"message":"phone required"}`)
		case 2:
			writeJSON(w, http.StatusOK, `{"error":true,"message":"message required"}`)
		default:
			writeJSON(w, http.StatusOK, `{"messageId":"ABC123"}`)
		}
	}}
	client := newTestClient(t, fake)

	res, err := client.SendText(context.Background(), creds, "+55 (11) 98765-4321", "Olá!")
	require.NoError(t, err)
	assert.Equal(t, "number/text", res.Shape)
	assert.Equal(t, "ABC123", res.MessageID)
	assert.Equal(t, 3, res.Attempts)

	require.Len(t, fake.calls, 3)
	for _, c := range fake.calls {
		assert.Equal(t, "/v1/message/send-text", c.path)
		assert.Equal(t, "inst-1", c.query)
		assert.Equal(t, "Bearer secret", c.auth)
	}
	assert.Equal(t, "5511987654321", fake.calls[0].fields["phone"])
	assert.Equal(t, "Olá!", fake.calls[0].fields["message"])
	assert.Equal(t, "5511987654321", fake.calls[2].fields["number"])
	assert.Equal(t, "Olá!", fake.calls[2].fields["text"])
}

func TestSendTextTreatsHTMLAsFailure(t *testing.T) {
	fake := &fakeProvider{respond: func(n int, _ map[string]any, w http.ResponseWriter) {
		if n == 1 {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("<html>login</html>"))
			return
		}
		writeJSON(w, http.StatusOK, `{"insertedId":"X1"}`)
	}}
	client := newTestClient(t, fake)

	res, err := client.SendText(context.Background(), creds, "5511987654321", "oi")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "phone/text", res.Shape)
	assert.Equal(t, "X1", res.MessageID)
}

func TestSendTextAllShapesFail(t *testing.T) {
	fake := &fakeProvider{respond: func(n int, _ map[string]any, w http.ResponseWriter) {
		writeJSON(w, http.StatusUnauthorized, `{"error":"invalid token"}`)
	}}
	client := newTestClient(t, fake)

	_, err := client.SendText(context.Background(), creds, "5511987654321", "oi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeliveryFailed))
	assert.True(t, errors.Is(err, ErrInvalidCredential))
	assert.Len(t, fake.calls, len(CandidateShapes(false)))
}

func TestSendTextMissingMessageIDStillSucceeds(t *testing.T) {
	fake := &fakeProvider{respond: func(_ int, _ map[string]any, w http.ResponseWriter) {
		writeJSON(w, http.StatusOK, `{"status":"queued"}`)
	}}
	client := newTestClient(t, fake)

	res, err := client.SendText(context.Background(), creds, "5511987654321", "oi")
	require.NoError(t, err)
	assert.Equal(t, "", res.MessageID)
	assert.Equal(t, 1, res.Attempts)
}

func TestSendTextGroupTriesGroupShapesFirst(t *testing.T) {
	fake := &fakeProvider{respond: func(_ int, fields map[string]any, w http.ResponseWriter) {
		if _, ok := fields["groupId"]; ok {
			writeJSON(w, http.StatusOK, `{"key":{"id":"G1"}}`)
			return
		}
		writeJSON(w, http.StatusBadRequest, `{"error":true}`)
	}}
	client := newTestClient(t, fake)

	res, err := client.SendText(context.Background(), creds, "120363025246125486@g.us", "oi")
	require.NoError(t, err)
	assert.Equal(t, "groupId/message", res.Shape)
	assert.Equal(t, "G1", res.MessageID)
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "120363025246125486@g.us", fake.calls[0].fields["groupId"])
}

func TestSendTextSlowAttemptCountsAsFailure(t *testing.T) {
	fake := &fakeProvider{respond: func(n int, _ map[string]any, w http.ResponseWriter) {
		if n == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		writeJSON(w, http.StatusOK, `{"messageId":"late-ok"}`)
	}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client := New(Config{BaseURL: srv.URL, Timeout: 100 * time.Millisecond}, logging.Discard(), nil)

	res, err := client.SendText(context.Background(), creds, "5511987654321", "oi")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestSendTextRejectsEmptyInput(t *testing.T) {
	client := New(Config{BaseURL: "http://127.0.0.1:0"}, logging.Discard(), nil)
	_, err := client.SendText(context.Background(), creds, "5511987654321", "   ")
	assert.Error(t, err)
	_, err = client.SendText(context.Background(), creds, "abc", "oi")
	assert.Error(t, err)
}

func TestCandidateShapesAreIndependentValues(t *testing.T) {
	phone := CandidateShapes(false)
	require.Len(t, phone, 6)
	assert.Equal(t, "phone/message", phone[0].Name)
	assert.Equal(t, map[string]any{"to": "1", "message": "m"}, phone[4].Build("1", "m"))

	group := CandidateShapes(true)
	assert.Equal(t, "groupId/message", group[0].Name)
	names := map[string]int{}
	for _, s := range group {
		names[s.Name]++
	}
	for name, n := range names {
		assert.Equal(t, 1, n, name)
	}
	assert.Len(t, group, 9)
}

func TestProviderError(t *testing.T) {
	cases := []struct {
		body   string
		failed bool
	}{
		{`{"error":false,"messageId":"1"}`, false},
		{`{"error":null}`, false},
		{`{"error":""}`, false},
		{`{"error":true}`, true},
		{`{"error":"instance offline"}`, true},
		{`{"error":{"message":"nope"}}`, true},
		{`{"error":1}`, true},
	}
	for _, tc := range cases {
		data, err := decodeMap([]byte(tc.body))
		require.NoError(t, err)
		_, failed := providerError(data)
		assert.Equal(t, tc.failed, failed, tc.body)
	}
}
