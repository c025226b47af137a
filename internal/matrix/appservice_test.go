// ABOUTME: Tests for the appservice transaction server
// ABOUTME: Covers token auth, txn dedup, and processing acknowledgement

package matrix

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/zulip-bridge/internal/store"
)

func newTestServer(t *testing.T, handler *countingHandler, events *fakeEventStore) *httptest.Server {
	t.Helper()
	processor := newTestProcessor(handler, events, 0)
	srv := NewServer("127.0.0.1:0", "the-hs-token", processor, slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func putTxn(t *testing.T, ts *httptest.Server, txnID, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut,
		ts.URL+"/_matrix/app/v1/transactions/"+txnID, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func txnBody(eventID string) string {
	return fmt.Sprintf(`{"events": [{
		"event_id": %q,
		"type": "m.room.message",
		"room_id": "!r:example.org",
		"sender": "@alice:example.org",
		"origin_server_ts": %d,
		"content": {"msgtype": "m.text", "body": "hi"}
	}]}`, eventID, time.Now().UnixMilli())
}

func TestServer_MissingTokenIs401(t *testing.T) {
	ts := newTestServer(t, &countingHandler{}, newFakeEventStore())

	resp := putTxn(t, ts, "t1", "", txnBody("$e1"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_WrongTokenIs403(t *testing.T) {
	ts := newTestServer(t, &countingHandler{}, newFakeEventStore())

	resp := putTxn(t, ts, "t1", "wrong", txnBody("$e1"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_ProcessesTransaction(t *testing.T) {
	handler := &countingHandler{}
	events := newFakeEventStore()
	ts := newTestServer(t, handler, events)

	resp := putTxn(t, ts, "t1", "the-hs-token", txnBody("$e1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, handler.messages)
	assert.True(t, events.processed["matrix/$e1"])
}

func TestServer_DuplicateTxnSkipsProcessing(t *testing.T) {
	handler := &countingHandler{}
	ts := newTestServer(t, handler, newFakeEventStore())

	resp := putTxn(t, ts, "t1", "the-hs-token", txnBody("$e1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The homeserver retrying the same txn id gets 200 with no second
	// processing pass.
	resp = putTxn(t, ts, "t1", "the-hs-token", txnBody("$e1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, handler.messages)
}

func TestServer_StoreFailureLeavesTxnRetryable(t *testing.T) {
	handler := &countingHandler{}
	events := newFakeEventStore()
	events.failWith = fmt.Errorf("checking event: %w", store.ErrConnection)
	ts := newTestServer(t, handler, events)

	resp := putTxn(t, ts, "t1", "the-hs-token", txnBody("$e1"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 0, handler.messages)

	// The failed attempt must not be marked: once the store recovers, the
	// homeserver's retry of the same txn id processes the events.
	events.failWith = nil
	resp = putTxn(t, ts, "t1", "the-hs-token", txnBody("$e1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, handler.messages)
	assert.True(t, events.processed["matrix/$e1"])
}

func TestServer_LegacyPathAndQueryToken(t *testing.T) {
	handler := &countingHandler{}
	ts := newTestServer(t, handler, newFakeEventStore())

	req, err := http.NewRequest(http.MethodPut,
		ts.URL+"/transactions/t2?access_token=the-hs-token", strings.NewReader(txnBody("$e2")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, handler.messages)
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, &countingHandler{}, newFakeEventStore())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
