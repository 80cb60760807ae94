package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/evidencelog/evidencelog/internal/config"
	"github.com/evidencelog/evidencelog/internal/evidence"
	"github.com/rs/zerolog/log"
	abci "github.com/tendermint/tendermint/abci/types"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpchttp "github.com/tendermint/tendermint/rpc/client/http"
	"github.com/tendermint/tendermint/rpc/coretypes"
	"github.com/tendermint/tendermint/types"
)

// rpcClient is the subset of the Tendermint RPC used by the backend.
type rpcClient interface {
	BroadcastTxSync(ctx context.Context, tx types.Tx) (*coretypes.ResultBroadcastTx, error)
	Tx(ctx context.Context, hash tmbytes.HexBytes, prove bool) (*coretypes.ResultTx, error)
	ABCIQuery(ctx context.Context, path string, data tmbytes.HexBytes) (*coretypes.ResultABCIQuery, error)
}

// TendermintBackend talks to an evidence application running behind a
// Tendermint node. Entries are broadcast as JSON transactions; the
// application answers count and record queries over ABCI.
type TendermintBackend struct {
	rpc          rpcClient
	countPath    string
	recordPath   string
	pollInterval time.Duration
}

// NewTendermintBackend connects to the node's RPC endpoint.
func NewTendermintBackend(cfg config.TendermintLedgerConfig, pollInterval time.Duration) (*TendermintBackend, error) {
	c, err := rpchttp.New(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("create tendermint client: %w", err)
	}
	return newTendermintBackend(c, cfg, pollInterval), nil
}

func newTendermintBackend(c rpcClient, cfg config.TendermintLedgerConfig, pollInterval time.Duration) *TendermintBackend {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &TendermintBackend{
		rpc:          c,
		countPath:    cfg.CountPath,
		recordPath:   cfg.RecordPath,
		pollInterval: pollInterval,
	}
}

// Submit broadcasts entry and waits for it to pass CheckTx.
func (t *TendermintBackend) Submit(ctx context.Context, entry evidence.Entry) (TxRef, error) {
	tx, err := json.Marshal(entry)
	if err != nil {
		return TxRef{}, fmt.Errorf("marshal entry: %w", err)
	}

	res, err := t.rpc.BroadcastTxSync(ctx, types.Tx(tx))
	if err != nil {
		return TxRef{}, fmt.Errorf("broadcast tx: %w", err)
	}
	if res.Code != abci.CodeTypeOK {
		reason := res.Log
		if reason == "" {
			reason = res.MempoolError
		}
		if reason == "" {
			reason = fmt.Sprintf("code %d", res.Code)
		}
		return TxRef{}, &RejectionError{Reason: reason}
	}

	log.Debug().Str("tx_hash", res.Hash.String()).Msg("broadcast evidence tx")
	return TxRef{Hash: res.Hash.String()}, nil
}

// Confirm polls for the transaction until it is included in a block or ctx
// ends. A transaction that was included but failed DeliverTx is a rejection.
func (t *TendermintBackend) Confirm(ctx context.Context, ref TxRef) (Confirmation, error) {
	hash, err := hex.DecodeString(ref.Hash)
	if err != nil {
		return Confirmation{}, fmt.Errorf("decode tx hash: %w", err)
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		res, err := t.rpc.Tx(ctx, tmbytes.HexBytes(hash), false)
		if err == nil && res != nil {
			if res.TxResult.Code != abci.CodeTypeOK {
				return Confirmation{}, &RejectionError{Reason: res.TxResult.Log}
			}
			return Confirmation{Hash: ref.Hash, Height: res.Height}, nil
		}
		if err != nil {
			log.Trace().Err(err).Str("tx_hash", ref.Hash).Msg("tx not yet committed")
		}

		select {
		case <-ctx.Done():
			return Confirmation{}, fmt.Errorf("wait for tx %s: %w", ref.Hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Record queries the record at index.
func (t *TendermintBackend) Record(ctx context.Context, index *big.Int) (RawRecord, error) {
	if index == nil || index.Sign() < 0 {
		return RawRecord{}, fmt.Errorf("invalid record index %v", index)
	}
	value, err := t.query(ctx, t.recordPath, []byte(index.String()))
	if err != nil {
		return RawRecord{}, err
	}

	var rec struct {
		ContentID string `json:"content_id"`
		Metadata  string `json:"metadata"`
		Note      string `json:"note"`
		Submitter string `json:"submitter"`
	}
	if err := json.Unmarshal(value, &rec); err != nil {
		return RawRecord{}, fmt.Errorf("decode record %s: %w", index.String(), err)
	}
	return RawRecord{
		ContentID: rec.ContentID,
		Metadata:  rec.Metadata,
		Note:      rec.Note,
		Submitter: rec.Submitter,
	}, nil
}

// Count queries the record count. The application returns it as a decimal
// string so it is not limited to 64 bits.
func (t *TendermintBackend) Count(ctx context.Context) (*big.Int, error) {
	value, err := t.query(ctx, t.countPath, nil)
	if err != nil {
		return nil, err
	}
	s := strings.TrimSpace(string(value))
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("decode count %q", s)
	}
	return n, nil
}

func (t *TendermintBackend) query(ctx context.Context, path string, data []byte) ([]byte, error) {
	res, err := t.rpc.ABCIQuery(ctx, path, tmbytes.HexBytes(data))
	if err != nil {
		return nil, fmt.Errorf("abci query %s: %w", path, err)
	}
	if res.Response.Code != abci.CodeTypeOK {
		return nil, fmt.Errorf("abci query %s: code %d: %s", path, res.Response.Code, res.Response.Log)
	}
	return res.Response.Value, nil
}
