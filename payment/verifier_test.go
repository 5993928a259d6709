package payment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"paychat/ledger"
)

const (
	sender   = "Sender1111111111111111111111111111111111111"
	treasury = "Treasury11111111111111111111111111111111111"
	sink     = "Sink111111111111111111111111111111111111111"
	mint     = "Mint111111111111111111111111111111111111111"
)

type stubLedger struct {
	tx    *ledger.Transaction
	err   error
	calls int
}

func (s *stubLedger) GetTransaction(context.Context, string) (*ledger.Transaction, error) {
	s.calls++
	return s.tx, s.err
}

func (s *stubLedger) GetBalance(context.Context, string) (uint64, error) { return 0, nil }

type stubReplay struct {
	used map[string]bool
	err  error
}

func (s stubReplay) SignatureExists(_ context.Context, sig string) (bool, error) {
	return s.used[sig], s.err
}

func nativeTx(gainLamports uint64) *ledger.Transaction {
	return &ledger.Transaction{
		AccountKeys: []string{sender, treasury},
		Meta: &ledger.TransactionMeta{
			PreBalances:  []uint64{10_000_000_000, 1_000_000_000},
			PostBalances: []uint64{10_000_000_000 - gainLamports - 5000, 1_000_000_000 + gainLamports},
		},
	}
}

func amount(v float64) ledger.TokenAmount { return ledger.TokenAmount{UIAmount: &v} }

func tokenTx(senderPre, senderPost, sinkPre, sinkPost float64) *ledger.Transaction {
	return &ledger.Transaction{
		AccountKeys: []string{sender, "SenderATA", "SinkATA"},
		Meta: &ledger.TransactionMeta{
			PreTokenBalances: []ledger.TokenBalance{
				{AccountIndex: 1, Mint: mint, Owner: sender, UITokenAmount: amount(senderPre)},
				{AccountIndex: 2, Mint: mint, Owner: sink, UITokenAmount: amount(sinkPre)},
			},
			PostTokenBalances: []ledger.TokenBalance{
				{AccountIndex: 1, Mint: mint, Owner: sender, UITokenAmount: amount(senderPost)},
				{AccountIndex: 2, Mint: mint, Owner: sink, UITokenAmount: amount(sinkPost)},
			},
		},
	}
}

func nativeRequest(cost float64) Request {
	return Request{Kind: KindNative, Sender: sender, Signature: "sig", Target: treasury, Price: Price{NativeCost: cost}}
}

func tokenRequest(cost float64) Request {
	return Request{Kind: KindToken, Sender: sender, Signature: "sig", Target: sink, Price: Price{TokenCost: cost, TokenMint: mint}}
}

func verify(t *testing.T, tx *ledger.Transaction, req Request) bool {
	t.Helper()
	v := NewVerifier(&stubLedger{tx: tx}, stubReplay{}, DefaultPolicy())
	ok, err := v.Verify(context.Background(), req)
	require.NoError(t, err)
	return ok
}

func TestNativeAcceptsWithinTolerance(t *testing.T) {
	require.True(t, verify(t, nativeTx(50_000_000), nativeRequest(0.05)))
	require.True(t, verify(t, nativeTx(47_600_000), nativeRequest(0.05)))
	require.False(t, verify(t, nativeTx(47_000_000), nativeRequest(0.05)))
}

func TestNativeFloor(t *testing.T) {
	// Price is tiny, but anything under the floor is still rejected.
	require.False(t, verify(t, nativeTx(5_000_000), nativeRequest(0.001)))
	require.True(t, verify(t, nativeTx(10_000_000), nativeRequest(0.001)))
}

func TestNativeRejectsStructuralProblems(t *testing.T) {
	failed := nativeTx(50_000_000)
	failed.Meta.Err = json.RawMessage(`{"InstructionError":[0,"Custom"]}`)
	require.False(t, verify(t, failed, nativeRequest(0.05)))

	okErr := nativeTx(50_000_000)
	okErr.Meta.Err = json.RawMessage(`null`)
	require.True(t, verify(t, okErr, nativeRequest(0.05)))

	noMeta := nativeTx(50_000_000)
	noMeta.Meta = nil
	require.False(t, verify(t, noMeta, nativeRequest(0.05)))

	require.False(t, verify(t, nil, nativeRequest(0.05)))

	wrongTarget := nativeRequest(0.05)
	wrongTarget.Target = sink
	require.False(t, verify(t, nativeTx(50_000_000), wrongTarget))

	wrongSender := nativeRequest(0.05)
	wrongSender.Sender = sink
	require.False(t, verify(t, nativeTx(50_000_000), wrongSender))
}

func TestNativeTargetDebitedIsRejected(t *testing.T) {
	tx := nativeTx(0)
	tx.Meta.PostBalances[1] = tx.Meta.PreBalances[1] - 100
	require.False(t, verify(t, tx, nativeRequest(0.05)))
}

func TestTokenPath(t *testing.T) {
	require.True(t, verify(t, tokenTx(1000, 900, 0, 100), tokenRequest(100)))
	require.True(t, verify(t, tokenTx(1000, 899.9999999999, 0, 99.9999999999), tokenRequest(100)))
	require.False(t, verify(t, tokenTx(1000, 900.5, 0, 99.5), tokenRequest(100)))
	// Target credited but sender untouched: someone else paid.
	require.False(t, verify(t, tokenTx(1000, 1000, 0, 100), tokenRequest(100)))
}

func TestTokenPathIgnoresOtherMints(t *testing.T) {
	tx := tokenTx(1000, 900, 0, 100)
	for i := range tx.Meta.PostTokenBalances {
		tx.Meta.PostTokenBalances[i].Mint = "OtherMint"
		tx.Meta.PreTokenBalances[i].Mint = "OtherMint"
	}
	require.False(t, verify(t, tx, tokenRequest(100)))
}

func TestTokenMissingUIAmountCountsAsZero(t *testing.T) {
	tx := tokenTx(1000, 900, 0, 100)
	tx.Meta.PreTokenBalances[1].UITokenAmount = ledger.TokenAmount{}
	require.True(t, verify(t, tx, tokenRequest(100)))
}

func TestReplayRejectsWithoutLedgerCall(t *testing.T) {
	stub := &stubLedger{tx: nativeTx(50_000_000)}
	v := NewVerifier(stub, stubReplay{used: map[string]bool{"sig": true}}, DefaultPolicy())
	ok, err := v.Verify(context.Background(), nativeRequest(0.05))
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, stub.calls)
}

func TestInfrastructureErrors(t *testing.T) {
	v := NewVerifier(&stubLedger{err: ledger.ErrUnavailable}, stubReplay{}, DefaultPolicy())
	ok, err := v.Verify(context.Background(), nativeRequest(0.05))
	require.False(t, ok)
	require.ErrorIs(t, err, ErrUnavailable)

	v = NewVerifier(&stubLedger{}, stubReplay{err: errors.New("db down")}, DefaultPolicy())
	ok, err = v.Verify(context.Background(), nativeRequest(0.05))
	require.False(t, ok)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestInvalidSignatureIsRejection(t *testing.T) {
	v := NewVerifier(&stubLedger{err: &ledger.RPCError{Code: ledger.CodeInvalidParams, Message: "bad"}}, stubReplay{}, DefaultPolicy())
	ok, err := v.Verify(context.Background(), nativeRequest(0.05))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConfigurablePolicy(t *testing.T) {
	strict := Policy{NativeTolerance: 1, NativeFloor: 0.01, TokenEpsilon: 1e-9, TokenPrecision: 9}
	v := NewVerifier(&stubLedger{tx: nativeTx(47_500_000)}, stubReplay{}, strict)
	ok, err := v.Verify(context.Background(), nativeRequest(0.05))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnknownKindRejected(t *testing.T) {
	req := nativeRequest(0.05)
	req.Kind = "card"
	require.False(t, verify(t, nativeTx(50_000_000), req))
}
