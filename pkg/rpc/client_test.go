package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, endpoints ...string) *Client {
	t.Helper()
	return NewClient(zaptest.NewLogger(t), Opts{Network: "testnet", Endpoints: endpoints})
}

func TestClient_RotatesOnFailure(t *testing.T) {
	var badHits, goodHits atomic.Int64

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		goodHits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer good.Close()

	c := newTestClient(t, bad.URL, good.URL)

	var out map[string]bool
	require.NoError(t, c.Get(context.Background(), "/x", nil, &out))
	assert.True(t, out["ok"])
	assert.Equal(t, int64(1), badHits.Load())
	assert.Equal(t, int64(1), goodHits.Load())

	// The cursor stayed on the good endpoint: the next call skips the bad one.
	require.NoError(t, c.Get(context.Background(), "/x", nil, &out))
	assert.Equal(t, int64(1), badHits.Load())
	assert.Equal(t, int64(2), goodHits.Load())
}

func TestClient_TerminalAfterFullRotation(t *testing.T) {
	var rotations int
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	c := NewClient(zaptest.NewLogger(t), Opts{
		Network:   "testnet",
		Endpoints: []string{down.URL, down.URL + "/", down.URL + "//"},
		OnRotate:  func() { rotations++ },
	})

	err := c.Get(context.Background(), "/x", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoints failed")
	assert.GreaterOrEqual(t, rotations, 1)
}

func TestClient_ValidatorsWalksPagination(t *testing.T) {
	pages := map[string]validatorsResponse{
		"": {
			Validators: []StakingValidator{{OperatorAddress: "bbnvaloper1a"}},
			Pagination: struct {
				NextKey string `json:"next_key"`
			}{NextKey: "page2"},
		},
		"page2": {
			Validators: []StakingValidator{{OperatorAddress: "bbnvaloper1b"}},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cosmos/staking/v1beta1/validators", r.URL.Path)
		page := pages[r.URL.Query().Get("pagination.key")]
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	vals, err := c.Validators(context.Background())
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, "bbnvaloper1a", vals[0].OperatorAddress)
	assert.Equal(t, "bbnvaloper1b", vals[1].OperatorAddress)
}

func TestClient_CurrentHeight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cosmos/base/tendermint/v1beta1/blocks/latest", r.URL.Path)
		fmt.Fprint(w, `{"block":{"header":{"height":"1234"}}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	h, err := c.CurrentHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1234), h)
}

func TestClient_InjectedCheckpointAt(t *testing.T) {
	body := `{
		"txs": [
			{"body": {"messages": [{"@type": "/cosmos.bank.v1beta1.MsgSend"}]}},
			{"body": {"messages": [{
				"@type": "/babylon.checkpointing.v1.MsgInjectedCheckpoint",
				"ckpt": {"ckpt": {"epoch_num": "5"}},
				"extended_commit_info": {"votes": [
					{"validator": {"address": "A", "power": "100"}, "block_id_flag": "BLOCK_ID_FLAG_COMMIT", "extension_signature": "c2ln"},
					{"validator": {"address": "B", "power": "200"}, "block_id_flag": 2, "extension_signature": ""}
				]}
			}]}}
		]
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cosmos/tx/v1beta1/txs/block/1802", r.URL.Path)
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	msg, err := c.InjectedCheckpointAt(context.Background(), 1802)
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, uint64(5), msg.EpochNum)
	require.Len(t, msg.Votes, 2)
	assert.Equal(t, "A", msg.Votes[0].ValidatorAddress)
	assert.Equal(t, int64(100), msg.Votes[0].Power)
	assert.True(t, msg.Votes[0].Flag.IsCommit())
	assert.True(t, msg.Votes[1].Flag.IsCommit())
	assert.Empty(t, msg.Votes[1].ExtensionSignature)
}

func TestClient_InjectedCheckpointAt_NoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"txs": []}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	msg, err := c.InjectedCheckpointAt(context.Background(), 1800)
	require.NoError(t, err)
	assert.Nil(t, msg)
}
