package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt64Str_AcceptsBothEncodings(t *testing.T) {
	var v struct {
		A Int64Str `json:"a"`
		B Int64Str `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": "42", "b": 43}`), &v))
	assert.Equal(t, Int64Str(42), v.A)
	assert.Equal(t, Int64Str(43), v.B)
}

func TestInt64Str_RejectsGarbage(t *testing.T) {
	var v Int64Str
	assert.Error(t, json.Unmarshal([]byte(`"12x"`), &v))
}

func TestBlockIDFlag_BothEncodings(t *testing.T) {
	cases := []struct {
		raw    string
		commit bool
	}{
		{`"BLOCK_ID_FLAG_COMMIT"`, true},
		{`2`, true},
		{`"2"`, true},
		{`"BLOCK_ID_FLAG_ABSENT"`, false},
		{`1`, false},
		{`3`, false},
	}
	for _, tc := range cases {
		var f BlockIDFlag
		require.NoError(t, json.Unmarshal([]byte(tc.raw), &f), tc.raw)
		assert.Equal(t, tc.commit, f.IsCommit(), tc.raw)
	}
}

func TestInjectedCheckpointMsg_CamelCaseTolerated(t *testing.T) {
	raw := `{
		"@type": "/babylon.checkpointing.v1.MsgInjectedCheckpoint",
		"ckpt": {"ckpt": {"epochNum": 7}},
		"extendedCommitInfo": {"votes": [
			{"validator": {"address": "X", "power": 10}, "blockIdFlag": "BLOCK_ID_FLAG_COMMIT", "extensionSignature": "c2ln"}
		]}
	}`
	var msg InjectedCheckpointMsg
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, uint64(7), msg.EpochNum)
	require.True(t, msg.HasVotes())
	require.Len(t, msg.Votes, 1)
	assert.Equal(t, "X", msg.Votes[0].ValidatorAddress)
	assert.Equal(t, int64(10), msg.Votes[0].Power)
	assert.Equal(t, "c2ln", msg.Votes[0].ExtensionSignature)
}

func TestBlockResponse_RoundTrip(t *testing.T) {
	raw := `{"block": {"header": {"height": "99", "time": "2025-06-01T00:00:00Z"},
		"last_commit": {"height": "98", "round": 0, "signatures": [
			{"block_id_flag": "BLOCK_ID_FLAG_COMMIT", "validator_address": "AA11", "signature": "c2ln"},
			{"block_id_flag": "BLOCK_ID_FLAG_ABSENT", "validator_address": "", "signature": null}
		]}}}`
	var blk BlockResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &blk))
	assert.Equal(t, Int64Str(99), blk.Block.Header.Height)
	require.Len(t, blk.Block.LastCommit.Signatures, 2)
	assert.True(t, blk.Block.LastCommit.Signatures[0].Flag.IsCommit())
	assert.False(t, blk.Block.LastCommit.Signatures[1].Flag.IsCommit())
}
