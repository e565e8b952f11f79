package classifier

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	verdict, err := ParseVerdict([]byte(`{"result": 1, "score": 0.75}`))
	require.NoError(t, err)
	require.Equal(t, 1, verdict.Label)
	require.InDelta(t, 0.75, verdict.Score, 1e-9)

	verdict, err = ParseVerdict([]byte(`{"result": 0}`))
	require.NoError(t, err)
	require.Equal(t, 0, verdict.Label)
	require.Zero(t, verdict.Score)

	verdict, err = ParseVerdict([]byte(`{"result": 1, "score": 1e-3}`))
	require.NoError(t, err)
	require.InDelta(t, 0.001, verdict.Score, 1e-12)

	for _, body := range []string{`{"result": 2}`, `{"score": 0.5}`, `{"result": "1"}`, `not json`, `{"result": 1, "score": "high"}`, `{"result": 1} {"result": 0}`} {
		_, err := ParseVerdict([]byte(body))
		require.ErrorIs(t, err, ErrMalformedVerdict, body)
	}
}

func TestClientClassifyPostsOctetStream(t *testing.T) {
	var gotType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": 1, "score": 0.9}`))
	}))
	defer server.Close()

	client := NewClient(Config{RequireJSON: true})
	verdict, err := client.Classify(context.Background(), server.URL, []byte("MZ\x00\x00"))
	require.NoError(t, err)
	require.Equal(t, "application/octet-stream", gotType)
	require.Equal(t, []byte("MZ\x00\x00"), gotBody)
	require.InDelta(t, 0.9, verdict.Score, 1e-9)
}

func TestClientClassifyThroughGateway(t *testing.T) {
	var target, auth string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target = r.Header.Get("X-Target-Url")
		auth = r.Header.Get("X-Gateway-Auth")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": 0}`))
	}))
	defer gateway.Close()

	client := NewClient(Config{GatewayURL: gateway.URL, GatewaySecret: "s3cret"})
	_, err := client.Classify(context.Background(), "http://defense-abc:8080/", []byte("x"))
	require.NoError(t, err)
	require.Equal(t, "http://defense-abc:8080/", target)
	require.Equal(t, "s3cret", auth)
}

func TestClientClassifyRejectsBadAnswers(t *testing.T) {
	status := http.StatusInternalServerError
	contentType := "application/json"
	body := `{"result": 1}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := NewClient(Config{RequireJSON: true})

	_, err := client.Classify(context.Background(), server.URL, []byte("x"))
	require.ErrorIs(t, err, ErrUnexpectedStatus)

	status = http.StatusOK
	contentType = "text/plain"
	_, err = client.Classify(context.Background(), server.URL, []byte("x"))
	require.ErrorIs(t, err, ErrNotJSON)

	contentType = "application/json; charset=utf-8"
	body = `{"result": 5}`
	_, err = client.Classify(context.Background(), server.URL, []byte("x"))
	require.ErrorIs(t, err, ErrMalformedVerdict)
}

func TestClientClassifyHonoursContextTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(Config{}).Classify(ctx, server.URL, []byte("x"))
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
