package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/chainscript/internal/account"
	"github.com/gateway-fm/chainscript/internal/chain"
	"github.com/gateway-fm/chainscript/internal/rpc"
	"github.com/gateway-fm/chainscript/internal/script"
	runtypes "github.com/gateway-fm/chainscript/pkg/types"
)

// mockChainClient implements rpc.Client with controllable receipt
// behavior for runner tests.
type mockChainClient struct {
	mu sync.Mutex

	confirmedNonce uint64
	nonceQueries   int // counts handle builds

	// confirmAfterPolls controls when receipts appear: a transaction's
	// receipt is returned after its hash has been polled this many
	// times. -1 means never.
	confirmAfterPolls int
	polls             map[string]int

	sendErr    error
	receiptErr error
	sent       [][]byte
}

var _ rpc.Client = (*mockChainClient)(nil)

func (m *mockChainClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	return nil, errors.New("not implemented")
}

func (m *mockChainClient) SendRawTransaction(ctx context.Context, txRLP []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, txRLP)
	return nil
}

func (m *mockChainClient) GetTransactionReceipt(ctx context.Context, txHash string) (*rpc.TransactionReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	if m.polls == nil {
		m.polls = make(map[string]int)
	}
	m.polls[txHash]++
	if m.confirmAfterPolls < 0 || m.polls[txHash] <= m.confirmAfterPolls {
		return nil, nil
	}
	return &rpc.TransactionReceipt{Status: 1, GasUsed: 21000, BlockNumber: 1}, nil
}

func (m *mockChainClient) GetNonce(ctx context.Context, address string) (uint64, error) {
	return m.GetConfirmedNonce(ctx, address)
}

func (m *mockChainClient) GetConfirmedNonce(ctx context.Context, address string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonceQueries++
	return m.confirmedNonce, nil
}

func (m *mockChainClient) GetGasPrice(ctx context.Context) (uint64, error) {
	return 1_000_000_000, nil
}

func (m *mockChainClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	return 1, nil
}

func (m *mockChainClient) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func (m *mockChainClient) sentTxs(t *testing.T) []*types.Transaction {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	txs := make([]*types.Transaction, len(m.sent))
	for i, raw := range m.sent {
		var tx types.Transaction
		if err := tx.UnmarshalBinary(raw); err != nil {
			t.Fatalf("failed to decode sent tx %d: %v", i, err)
		}
		txs[i] = &tx
	}
	return txs
}

func (m *mockChainClient) handleBuilds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonceQueries
}

func testFactory(t *testing.T, client rpc.Client) HandleFactory {
	t.Helper()
	acc, err := account.LoadTestAccount(0)
	if err != nil {
		t.Fatalf("failed to load test account: %v", err)
	}
	return func(ctx context.Context) (*chain.Handle, error) {
		return chain.NewHandle(ctx, chain.Config{
			Client:    client,
			Account:   acc,
			ChainID:   big.NewInt(1337),
			GasTipCap: big.NewInt(1_000_000_000),
			GasFeeCap: big.NewInt(20_000_000_000),
		})
	}
}

// fastConfig compresses all timing knobs so tests finish quickly.
func fastConfig() Config {
	return Config{
		ReceiptTimeout: 50 * time.Millisecond,
		PollBackoff:    time.Millisecond,
		IdleBackoff:    time.Millisecond,
	}
}

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func TestRunCompletesAndConfirmsAll(t *testing.T) {
	client := &mockChainClient{confirmedNonce: 3}
	s := script.Script{
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(1), Amount: 100}},
		{Kind: script.KindWait, Wait: time.Millisecond},
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(2), Amount: 200}},
		{Kind: script.KindWait, Wait: time.Millisecond},
	}

	run := NewRun(s, testFactory(t, client), fastConfig())
	if err := run.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	snap := run.Snapshot()
	if snap.Status != runtypes.StatusCompleted {
		t.Errorf("status = %s, want completed", snap.Status)
	}
	if snap.TransfersSubmitted != 2 || snap.WaitsCompleted != 2 {
		t.Errorf("transfers=%d waits=%d, want 2 and 2", snap.TransfersSubmitted, snap.WaitsCompleted)
	}
	if snap.ReceiptsReceived != 2 {
		t.Errorf("receiptsReceived = %d, want 2", snap.ReceiptsReceived)
	}
	if snap.PendingEffects != 0 {
		t.Errorf("pendingEffects = %d, want 0", snap.PendingEffects)
	}
	if snap.Recoveries != 0 {
		t.Errorf("recoveries = %d, want 0", snap.Recoveries)
	}
	if snap.OperationsDone != len(s) {
		t.Errorf("operationsDone = %d, want %d", snap.OperationsDone, len(s))
	}
	if snap.Latency == nil || snap.Latency.Count != 2 {
		t.Errorf("latency stats missing or wrong count: %+v", snap.Latency)
	}
}

func TestRunSubmitsInOrderWithSequentialNonces(t *testing.T) {
	client := &mockChainClient{confirmedNonce: 10}
	s := script.Script{
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(1), Amount: 1}},
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(2), Amount: 2}},
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(3), Amount: 3}},
	}

	run := NewRun(s, testFactory(t, client), fastConfig())
	if err := run.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	txs := client.sentTxs(t)
	if len(txs) != 3 {
		t.Fatalf("sent %d transactions, want 3", len(txs))
	}
	for i, tx := range txs {
		if want := uint64(10 + i); tx.Nonce() != want {
			t.Errorf("tx %d nonce = %d, want %d", i, tx.Nonce(), want)
		}
		if want := addr(byte(i + 1)); tx.To() == nil || *tx.To() != want {
			t.Errorf("tx %d recipient = %v, want %s", i, tx.To(), want.Hex())
		}
	}
}

func TestRunRecoversOnReceiptTimeout(t *testing.T) {
	client := &mockChainClient{confirmedNonce: 0, confirmAfterPolls: -1}
	s := script.Script{
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(1), Amount: 1}},
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(2), Amount: 2}},
	}

	run := NewRun(s, testFactory(t, client), fastConfig())
	if err := run.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	snap := run.Snapshot()
	if snap.Recoveries != 1 {
		t.Errorf("recoveries = %d, want 1", snap.Recoveries)
	}
	if snap.ReceiptTimeouts != 1 {
		t.Errorf("receiptTimeouts = %d, want 1", snap.ReceiptTimeouts)
	}
	// Both effects were pending when the timeout fired; recovery must
	// discard every one of them, not just the timed-out head.
	if snap.EffectsCleared != 2 {
		t.Errorf("effectsCleared = %d, want 2", snap.EffectsCleared)
	}
	if snap.ReceiptsReceived != 0 {
		t.Errorf("receiptsReceived = %d, want 0", snap.ReceiptsReceived)
	}
	if snap.PendingEffects != 0 {
		t.Errorf("pendingEffects = %d, want 0 after drain", snap.PendingEffects)
	}

	// Initial construction plus one rebuild.
	if builds := client.handleBuilds(); builds != 2 {
		t.Errorf("handle builds = %d, want 2", builds)
	}
}

func TestRunSubmissionFailureIsFatal(t *testing.T) {
	client := &mockChainClient{sendErr: errors.New("connection refused")}
	s := script.Script{
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(1), Amount: 1}},
	}

	run := NewRun(s, testFactory(t, client), fastConfig())
	err := run.Start(context.Background())
	if err == nil {
		t.Fatal("Start() returned nil error for failed submission")
	}

	if snap := run.Snapshot(); snap.Status != runtypes.StatusError {
		t.Errorf("status = %s, want error", snap.Status)
	}
}

func TestRunReceiptQueryFailureIsFatal(t *testing.T) {
	queryErr := errors.New("endpoint gone")
	client := &mockChainClient{receiptErr: queryErr}
	s := script.Script{
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(1), Amount: 1}},
	}

	// The failure must abort the run well before any receipt timeout.
	cfg := fastConfig()
	cfg.ReceiptTimeout = time.Hour
	run := NewRun(s, testFactory(t, client), cfg)

	done := make(chan error, 1)
	go func() { done <- run.Start(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, queryErr) {
			t.Fatalf("Start() error = %v, want the receipt query error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after a failing receipt query")
	}

	snap := run.Snapshot()
	if snap.Status != runtypes.StatusError {
		t.Errorf("status = %s, want error", snap.Status)
	}
	if snap.Recoveries != 0 {
		t.Errorf("recoveries = %d, want 0: a query failure is not a timeout", snap.Recoveries)
	}
}

// logBuffer is a goroutine-safe sink for the run's logger.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTrackerLogsQueueDepthWhenIdle(t *testing.T) {
	client := &mockChainClient{}
	// The leading wait keeps the queue empty for several tracker cycles.
	s := script.Script{
		{Kind: script.KindWait, Wait: 20 * time.Millisecond},
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(1), Amount: 1}},
	}

	var out logBuffer
	cfg := fastConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	run := NewRun(s, testFactory(t, client), cfg)
	if err := run.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	logs := out.String()
	if !strings.Contains(logs, "msg=num_pending_effects") {
		t.Fatal("tracker never logged the pending queue depth")
	}
	if !strings.Contains(logs, "msg=num_pending_effects count=0") {
		t.Error("queue depth not logged on idle cycles with an empty queue")
	}
}

func TestRunWaitOnlyScript(t *testing.T) {
	client := &mockChainClient{}
	s := script.Script{
		{Kind: script.KindWait, Wait: time.Millisecond},
		{Kind: script.KindWait, Wait: 2 * time.Millisecond},
	}

	run := NewRun(s, testFactory(t, client), fastConfig())
	if err := run.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	snap := run.Snapshot()
	if snap.WaitsCompleted != 2 || snap.TransfersSubmitted != 0 {
		t.Errorf("waits=%d transfers=%d, want 2 and 0", snap.WaitsCompleted, snap.TransfersSubmitted)
	}
	if snap.Status != runtypes.StatusCompleted {
		t.Errorf("status = %s, want completed", snap.Status)
	}
}

func TestRunCancelled(t *testing.T) {
	client := &mockChainClient{confirmAfterPolls: -1}
	s := script.Script{
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(1), Amount: 1}},
		{Kind: script.KindWait, Wait: time.Hour},
	}

	cfg := fastConfig()
	cfg.ReceiptTimeout = time.Hour
	run := NewRun(s, testFactory(t, client), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancellation")
	}
}

func TestRunRequeuesUnconfirmedEffects(t *testing.T) {
	// Receipts appear only on the third poll of each hash, so the
	// tracker must cycle effects through the queue before confirming.
	client := &mockChainClient{confirmAfterPolls: 2}
	s := script.Script{
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(1), Amount: 1}},
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(2), Amount: 2}},
	}

	run := NewRun(s, testFactory(t, client), fastConfig())
	if err := run.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	snap := run.Snapshot()
	if snap.ReceiptsReceived != 2 {
		t.Errorf("receiptsReceived = %d, want 2", snap.ReceiptsReceived)
	}
	if snap.Recoveries != 0 {
		t.Errorf("recoveries = %d, want 0", snap.Recoveries)
	}
}

func TestResult(t *testing.T) {
	client := &mockChainClient{}
	s := script.Script{
		{Kind: script.KindTransfer, Transfer: script.Transfer{To: addr(1), Amount: 1}},
	}

	run := NewRun(s, testFactory(t, client), fastConfig())
	if err := run.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	result := run.Result("run-1", "script.json", nil)
	if result.ID != "run-1" || result.ScriptPath != "script.json" {
		t.Errorf("result identity = %q/%q, want run-1/script.json", result.ID, result.ScriptPath)
	}
	if result.Status != runtypes.StatusCompleted {
		t.Errorf("result status = %s, want completed", result.Status)
	}
	if result.CompletedAt.Before(result.StartedAt) {
		t.Error("CompletedAt before StartedAt")
	}
	if result.TransfersSubmitted != 1 || result.ReceiptsReceived != 1 {
		t.Errorf("transfers=%d receipts=%d, want 1 and 1", result.TransfersSubmitted, result.ReceiptsReceived)
	}
}
