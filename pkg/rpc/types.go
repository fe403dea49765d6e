package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Chain REST payloads mix conventions: numbers arrive as JSON strings, commit
// flags as either enum names or numerics, and a few gateways re-case fields.
// The types below absorb those variations so one malformed field fails a
// single response instead of the stream.

// Int64Str decodes an int64 that may arrive as a number or a quoted string.
type Int64Str int64

func (v *Int64Str) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", b, err)
	}
	*v = Int64Str(n)
	return nil
}

// Uint64Str decodes a uint64 that may arrive as a number or a quoted string.
type Uint64Str uint64

func (v *Uint64Str) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unsigned integer %q: %w", b, err)
	}
	*v = Uint64Str(n)
	return nil
}

// BlockIDFlag decodes a commit flag that arrives either as the numeric enum
// value or the proto enum name.
type BlockIDFlag string

func (f *BlockIDFlag) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = BlockIDFlag(s)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*f = BlockIDFlag(strconv.Itoa(n))
		return nil
	}
	return fmt.Errorf("invalid block_id_flag %q", b)
}

// IsCommit reports whether the flag marks a commit vote, accepting both the
// numeric (2) and string ("BLOCK_ID_FLAG_COMMIT") encodings.
func (f BlockIDFlag) IsCommit() bool {
	return f == "2" || f == "BLOCK_ID_FLAG_COMMIT"
}

// pick returns the first raw value present under any of the given keys.
// Payload producers disagree on snake_case vs camelCase.
func pick(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// --- /status

type StatusResponse struct {
	Result struct {
		SyncInfo struct {
			LatestBlockHeight Int64Str `json:"latest_block_height"`
			CatchingUp        bool     `json:"catching_up"`
		} `json:"sync_info"`
	} `json:"result"`
}

// --- blocks

type CommitSig struct {
	Flag             BlockIDFlag `json:"block_id_flag"`
	ValidatorAddress string      `json:"validator_address"`
	Timestamp        time.Time   `json:"timestamp"`
	Signature        string      `json:"signature"`
}

type BlockResponse struct {
	Block struct {
		Header struct {
			Height Int64Str  `json:"height"`
			Time   time.Time `json:"time"`
		} `json:"header"`
		LastCommit struct {
			Height     Int64Str    `json:"height"`
			Round      Int64Str    `json:"round"`
			Signatures []CommitSig `json:"signatures"`
		} `json:"last_commit"`
	} `json:"block"`
}

// --- staking validators

type StakingValidator struct {
	OperatorAddress string `json:"operator_address"`
	ConsensusPubKey struct {
		Type string `json:"@type"`
		Key  string `json:"key"`
	} `json:"consensus_pubkey"`
	Jailed      bool   `json:"jailed"`
	Status      string `json:"status"`
	Description struct {
		Moniker string `json:"moniker"`
	} `json:"description"`
}

type validatorsResponse struct {
	Validators []StakingValidator `json:"validators"`
	Pagination struct {
		NextKey string `json:"next_key"`
	} `json:"pagination"`
}

// --- epoching

type CurrentEpochResponse struct {
	CurrentEpoch  Uint64Str `json:"current_epoch"`
	EpochBoundary Uint64Str `json:"epoch_boundary"`
}

// --- finality

type finalityVotesResponse struct {
	BtcPks []string `json:"btc_pks"`
}

type ActiveFinalityProvider struct {
	BtcPkHex    string    `json:"btc_pk_hex"`
	VotingPower Uint64Str `json:"voting_power"`
	Jailed      bool      `json:"jailed"`
}

type activeProvidersResponse struct {
	FinalityProviders []ActiveFinalityProvider `json:"finality_providers"`
}

// --- btcstaking catalog

type CatalogFinalityProvider struct {
	Addr        string `json:"addr"`
	BtcPk       string `json:"btc_pk"`
	Jailed      bool   `json:"jailed"`
	Description struct {
		Moniker string `json:"moniker"`
	} `json:"description"`
}

type providerCatalogResponse struct {
	FinalityProviders []CatalogFinalityProvider `json:"finality_providers"`
	Pagination        struct {
		NextKey string `json:"next_key"`
	} `json:"pagination"`
}

// --- txs at height (checkpoint lookup)

type TxsBlockResponse struct {
	Txs []struct {
		Body struct {
			Messages []json.RawMessage `json:"messages"`
		} `json:"body"`
	} `json:"txs"`
}

// CheckpointCommitVote is one validator's vote inside the checkpoint's
// extended commit info.
type CheckpointCommitVote struct {
	ValidatorAddress   string
	Power              int64
	ExtensionSignature string
	Flag               BlockIDFlag
}

func (v *CheckpointCommitVote) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if raw, ok := pick(m, "validator"); ok {
		var val map[string]json.RawMessage
		if err := json.Unmarshal(raw, &val); err != nil {
			return err
		}
		if a, ok := pick(val, "address"); ok {
			if err := json.Unmarshal(a, &v.ValidatorAddress); err != nil {
				return err
			}
		}
		if p, ok := pick(val, "power"); ok {
			var n Int64Str
			if err := json.Unmarshal(p, &n); err != nil {
				return err
			}
			v.Power = int64(n)
		}
	}
	if raw, ok := pick(m, "extension_signature", "extensionSignature"); ok {
		if err := json.Unmarshal(raw, &v.ExtensionSignature); err != nil {
			return err
		}
	}
	if raw, ok := pick(m, "block_id_flag", "blockIdFlag"); ok {
		if err := json.Unmarshal(raw, &v.Flag); err != nil {
			return err
		}
	}
	return nil
}

// InjectedCheckpointMsg is the decoded MsgInjectedCheckpoint transaction
// message. EpochNum comes from the embedded raw checkpoint and is
// authoritative over the event that triggered the lookup.
type InjectedCheckpointMsg struct {
	Type     string
	EpochNum uint64
	Votes    []CheckpointCommitVote
}

// HasVotes reports whether extended commit info with votes was present.
func (msg *InjectedCheckpointMsg) HasVotes() bool { return msg.Votes != nil }

func (msg *InjectedCheckpointMsg) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if raw, ok := pick(m, "@type"); ok {
		if err := json.Unmarshal(raw, &msg.Type); err != nil {
			return err
		}
	}
	if raw, ok := pick(m, "ckpt"); ok {
		var outer map[string]json.RawMessage
		if err := json.Unmarshal(raw, &outer); err != nil {
			return err
		}
		// MsgInjectedCheckpoint wraps the raw checkpoint one level deep:
		// ckpt (with meta) -> ckpt (raw) -> epoch_num.
		inner := outer
		if rawInner, ok := pick(outer, "ckpt"); ok {
			if err := json.Unmarshal(rawInner, &inner); err != nil {
				return err
			}
		}
		if rawEpoch, ok := pick(inner, "epoch_num", "epochNum"); ok {
			var e Uint64Str
			if err := json.Unmarshal(rawEpoch, &e); err != nil {
				return err
			}
			msg.EpochNum = uint64(e)
		}
	}
	if raw, ok := pick(m, "extended_commit_info", "extendedCommitInfo"); ok {
		var eci map[string]json.RawMessage
		if err := json.Unmarshal(raw, &eci); err != nil {
			return err
		}
		if rawVotes, ok := pick(eci, "votes"); ok {
			if err := json.Unmarshal(rawVotes, &msg.Votes); err != nil {
				return err
			}
		}
	}
	return nil
}
