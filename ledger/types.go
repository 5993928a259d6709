package ledger

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// LamportsPerUnit converts lamports into native units.
const LamportsPerUnit = 1_000_000_000

// Transaction is the subset of getTransaction the payment checks need. AccountKeys
// holds the static message keys followed by loaded writable and readonly addresses,
// matching the indices used by the balance arrays.
type Transaction struct {
	Slot        uint64
	BlockTime   *int64
	AccountKeys []string
	Meta        *TransactionMeta
}

// TransactionMeta carries the execution status and balance snapshots.
type TransactionMeta struct {
	Err               json.RawMessage
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// Failed reports whether the transaction executed with an error.
func (m *TransactionMeta) Failed() bool {
	if m == nil {
		return false
	}
	trimmed := bytes.TrimSpace(m.Err)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// TokenBalance is one entry of pre/postTokenBalances.
type TokenBalance struct {
	AccountIndex  int         `json:"accountIndex"`
	Mint          string      `json:"mint"`
	Owner         string      `json:"owner"`
	UITokenAmount TokenAmount `json:"uiTokenAmount"`
}

// TokenAmount mirrors uiTokenAmount. UIAmount is null on some nodes for zero balances.
type TokenAmount struct {
	Amount         string   `json:"amount"`
	Decimals       int      `json:"decimals"`
	UIAmount       *float64 `json:"uiAmount"`
	UIAmountString string   `json:"uiAmountString"`
}

// Value returns the display amount, treating a missing amount as zero.
func (a TokenAmount) Value() float64 {
	if a.UIAmount != nil {
		return *a.UIAmount
	}
	if a.UIAmountString != "" {
		if v, err := strconv.ParseFloat(a.UIAmountString, 64); err == nil {
			return v
		}
	}
	return 0
}

// IndexOf returns the position of key in the account list, or -1.
func (t *Transaction) IndexOf(key string) int {
	if t == nil {
		return -1
	}
	for i, candidate := range t.AccountKeys {
		if candidate == key {
			return i
		}
	}
	return -1
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type rpcTransaction struct {
	Slot        uint64 `json:"slot"`
	BlockTime   *int64 `json:"blockTime"`
	Transaction *struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
	Meta *struct {
		Err               json.RawMessage `json:"err"`
		PreBalances       []uint64        `json:"preBalances"`
		PostBalances      []uint64        `json:"postBalances"`
		PreTokenBalances  []TokenBalance  `json:"preTokenBalances"`
		PostTokenBalances []TokenBalance  `json:"postTokenBalances"`
		LoadedAddresses   *struct {
			Writable []string `json:"writable"`
			Readonly []string `json:"readonly"`
		} `json:"loadedAddresses"`
	} `json:"meta"`
}

func (r *rpcTransaction) toTransaction() *Transaction {
	tx := &Transaction{Slot: r.Slot, BlockTime: r.BlockTime}
	if r.Transaction != nil {
		tx.AccountKeys = append(tx.AccountKeys, r.Transaction.Message.AccountKeys...)
	}
	if r.Meta != nil {
		if r.Meta.LoadedAddresses != nil {
			tx.AccountKeys = append(tx.AccountKeys, r.Meta.LoadedAddresses.Writable...)
			tx.AccountKeys = append(tx.AccountKeys, r.Meta.LoadedAddresses.Readonly...)
		}
		tx.Meta = &TransactionMeta{
			Err:               r.Meta.Err,
			PreBalances:       r.Meta.PreBalances,
			PostBalances:      r.Meta.PostBalances,
			PreTokenBalances:  r.Meta.PreTokenBalances,
			PostTokenBalances: r.Meta.PostTokenBalances,
		}
	}
	return tx
}
