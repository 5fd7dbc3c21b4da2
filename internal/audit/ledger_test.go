package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const baseMs = int64(1700000000000)

// steppingClock advances one second per call.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	next := time.UnixMilli(baseMs)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Second)
		return t
	}
}

func transferEntry(key string) model.AuditEntry {
	return model.AuditEntry{
		RequestID: key,
		Action:    model.ActionTransferNative,
		OK:        true,
		Mode:      util.Pointer("dex"),
		Venue:     util.Pointer("dex"),
		Summary: map[string]any{
			"chain":      "base",
			"to_address": "0x0000000000000000000000000000000000000002",
			"amount":     "0.5",
			"tx_hash":    "0xabc",
		},
	}
}

func newBadgerStorage(t *testing.T) *BadgerStorage {
	t.Helper()
	s, err := openBadger(badger.DefaultOptions("").WithInMemory(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storages(t *testing.T) map[string]Storage {
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"badger": newBadgerStorage(t),
	}
}

func TestEventHash_CanonicalMaterial(t *testing.T) {
	t.Parallel()
	ledger := NewLedger(NewMemoryStorage(), WithClock(steppingClock()))

	event, err := ledger.Append(context.Background(), transferEntry("k-1"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), event.ID)
	assert.Equal(t, model.GenesisHash, event.PreviousHash)
	assert.Equal(t, `{"amount":"0.5","chain":"base","to_address":"0x0000000000000000000000000000000000000002","tx_hash":"0xabc"}`, event.SummaryJSON)
	assert.Equal(t, "3bdbb181d9a1aebe9d74665b9fa5cf4d532c8d7ddc57c2f3b407a6a685415add", event.EventHash)
}

func TestLedger_ChainIntegrity(t *testing.T) {
	t.Parallel()
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			ledger := NewLedger(storage, WithClock(steppingClock()))

			for i := range 5 {
				entry := transferEntry(fmt.Sprintf("k-%d", i))
				if i == 2 {
					entry.OK = false
					entry.ErrorCode = util.Pointer("value_too_large")
				}
				_, err := ledger.Append(ctx, entry)
				require.NoError(t, err)
			}

			events, err := ledger.Events(ctx)
			require.NoError(t, err)
			require.Len(t, events, 5)
			prev := model.GenesisHash
			for i, e := range events {
				assert.Equal(t, int64(i+1), e.ID)
				assert.Equal(t, prev, e.PreviousHash)
				recomputed, err := EventHash(e, e.PreviousHash)
				require.NoError(t, err)
				assert.Equal(t, e.EventHash, recomputed)
				prev = e.EventHash
			}

			report, err := ledger.Verify(ctx)
			require.NoError(t, err)
			if diff := cmp.Diff(VerifyReport{Events: 5, OK: true}, report); diff != "" {
				t.Errorf("Verify() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLedger_EmptyVerifies(t *testing.T) {
	t.Parallel()
	report, err := NewLedger(NewMemoryStorage()).Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Zero(t, report.Events)
}

func TestVerify_DetectsSummaryTamper(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewMemoryStorage()
	ledger := NewLedger(storage, WithClock(steppingClock()))
	for i := range 5 {
		_, err := ledger.Append(ctx, transferEntry(fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
	}

	storage.events[2].SummaryJSON = `{"amount":"500","chain":"base","to_address":"0x0000000000000000000000000000000000000002","tx_hash":"0xabc"}`

	report, err := ledger.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, int64(3), report.FirstDivergentID)
	assert.Equal(t, []int64{3, 4, 5}, report.DivergentIDs)
}

func TestVerify_DetectsRelinkedRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := NewMemoryStorage()
	ledger := NewLedger(storage, WithClock(steppingClock()))
	for i := range 3 {
		_, err := ledger.Append(ctx, transferEntry(fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
	}

	// rewriting a row and recomputing its own hash still breaks the rows after it
	storage.events[1].OK = false
	h, err := EventHash(storage.events[1], storage.events[1].PreviousHash)
	require.NoError(t, err)
	storage.events[1].EventHash = h

	report, err := ledger.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, []int64{3}, report.DivergentIDs)
}

func TestVerify_DetectsTamperInBadger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	storage := newBadgerStorage(t)
	ledger := NewLedger(storage, WithClock(steppingClock()))
	for i := range 4 {
		_, err := ledger.Append(ctx, transferEntry(fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
	}

	events, err := storage.Events(ctx)
	require.NoError(t, err)
	tampered := events[1]
	tampered.RequestID = "forged"
	value, err := json.Marshal(tampered)
	require.NoError(t, err)
	require.NoError(t, storage.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(tampered.ID), value)
	}))

	report, err := ledger.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.FirstDivergentID)
	assert.Equal(t, []int64{2, 3, 4}, report.DivergentIDs)
}

func TestLedger_ConcurrentAppends(t *testing.T) {
	t.Parallel()
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			ledger := NewLedger(storage)

			var wg sync.WaitGroup
			for i := range 40 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := ledger.Append(ctx, transferEntry(fmt.Sprintf("k-%d", i)))
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			report, err := ledger.Verify(ctx)
			require.NoError(t, err)
			assert.True(t, report.OK)
			assert.Equal(t, 40, report.Events)
		})
	}
}

func TestExportReport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := NewLedger(NewMemoryStorage(), WithClock(steppingClock()))

	entries := []model.AuditEntry{
		transferEntry("k-1"),
		{
			RequestID: "dex:0xswap",
			Action:    model.ActionSwapTokens,
			OK:        true,
			Summary: map[string]any{
				"venue":      "dex",
				"chain":      "base",
				"from_token": "USDC",
				"to_token":   "WETH",
				"amount":     "100.50",
				"tx_hash":    "0xswap",
			},
		},
		{
			RequestID: "cex:binance:42",
			Action:    model.ActionPlaceCexOrder,
			OK:        true,
			Exchange:  util.Pointer("binance"),
			Summary: map[string]any{
				"exchange": "binance",
				"symbol":   "BTC/USDT",
				"side":     "buy",
				"amount":   "0.01",
				"order":    map[string]any{"id": "42", "status": "open"},
			},
		},
		{
			RequestID: "failed",
			Action:    model.ActionTransferNative,
			OK:        false,
			ErrorCode: util.Pointer("to_not_allowed"),
			Summary:   map[string]any{"chain": "base"},
		},
		{
			RequestID: "cex:kraken:no-id",
			Action:    model.ActionPlaceCexOrder,
			OK:        true,
			Summary:   map[string]any{"symbol": "ETH/USD", "side": "sell", "amount": "2"},
		},
	}
	for _, e := range entries {
		_, err := ledger.Append(ctx, e)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, ledger.ExportReport(ctx, &buf))

	want := "Timestamp (ISO),Action,Venue,Instrument,Amount,Side,TxHash/OrderID\n" +
		"2023-11-14 22:13:20,transfer_native,unknown,base,0.5,SEND,0xabc\n" +
		"2023-11-14 22:13:21,swap_tokens,dex,USDC -> WETH,100.5,SWAP,0xswap\n" +
		"2023-11-14 22:13:22,place_cex_order,binance,BTC/USDT,0.01,BUY,42\n" +
		"2023-11-14 22:13:24,place_cex_order,unknown,ETH/USD,2,SELL,see_logs\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("ExportReport() mismatch (-want +got):\n%s", diff)
	}
}

func TestExportReport_Empty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, NewLedger(NewMemoryStorage()).ExportReport(context.Background(), &buf))
	assert.Equal(t, "Timestamp (ISO),Action,Venue,Instrument,Amount,Side,TxHash/OrderID\n", buf.String())
}

// stalledStorage never completes an append before ctx is done.
type stalledStorage struct {
	*MemoryStorage
}

func (s stalledStorage) Append(ctx context.Context, _ func(last *model.AuditEvent) model.AuditEvent) (model.AuditEvent, error) {
	<-ctx.Done()
	return model.AuditEvent{}, ctx.Err()
}

func TestLedger_AppendTimeout(t *testing.T) {
	t.Parallel()
	ledger := NewLedger(stalledStorage{NewMemoryStorage()}, WithAppendTimeout(50*time.Millisecond))

	started := time.Now()
	_, err := ledger.Append(context.Background(), transferEntry("k"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)
}

func TestNew(t *testing.T) {
	t.Parallel()
	ledger, err := New(context.Background(), Config{Storage: "memory"})
	require.NoError(t, err)
	assert.NoError(t, ledger.Close())

	ledger, err = New(context.Background(), Config{Storage: "badger", DBPath: t.TempDir()})
	require.NoError(t, err)
	_, err = ledger.Append(context.Background(), transferEntry("k"))
	require.NoError(t, err)
	assert.NoError(t, ledger.Close())

	_, err = New(context.Background(), Config{Storage: "sqlite"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported_audit_storage")
}

func TestBadgerStorage_Reopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenBadgerStorage(dir)
	require.NoError(t, err)
	ledger := NewLedger(s, WithClock(steppingClock()))
	_, err = ledger.Append(ctx, transferEntry("k-1"))
	require.NoError(t, err)
	require.NoError(t, ledger.Close())

	s, err = OpenBadgerStorage(dir)
	require.NoError(t, err)
	ledger = NewLedger(s, WithClock(steppingClock()))
	t.Cleanup(func() { _ = ledger.Close() })
	second, err := ledger.Append(ctx, transferEntry("k-2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ID)

	report, err := ledger.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestPostgresStorage(t *testing.T) {
	dsn := os.Getenv("AUDIT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AUDIT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgresStorage(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, s.db.Exec("TRUNCATE audit_events RESTART IDENTITY").Error)
	ledger := NewLedger(s, WithClock(steppingClock()))
	t.Cleanup(func() { _ = ledger.Close() })

	for i := range 3 {
		_, err := ledger.Append(ctx, transferEntry(fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
	}
	report, err := ledger.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 3, report.Events)
}
