package journal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&SettlementRecord{}))
	return New(db)
}

func escrowKey(t *testing.T) types.PublicKey {
	t.Helper()
	kp, err := types.GenerateKeypair()
	require.NoError(t, err)
	return kp.PublicKey()
}

type mockReader struct {
	mock.Mock
}

func (m *mockReader) FetchTrade(_ context.Context, escrow types.PublicKey) (*ledger.EscrowRecord, error) {
	args := m.Called(escrow)
	rec, _ := args.Get(0).(*ledger.EscrowRecord)
	return rec, args.Error(1)
}

func TestRecordAssignsIDs(t *testing.T) {
	j := newJournal(t)
	addr := escrowKey(t).String()

	j.Record(Entry{Method: "sell_energy", Escrow: addr, Seed: 42, Kind: "SELL", Amount: "200", Status: StatusPending})

	records, err := j.DB().GetRecordsByEscrow(addr)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].RecordID, "STL_")
	assert.Equal(t, "42", records[0].Seed)
}

func TestConfirmSettlesPendingRecords(t *testing.T) {
	j := newJournal(t)
	addr := escrowKey(t).String()

	j.Record(Entry{Method: "buy_energy", Escrow: addr, Status: StatusPending})
	j.Record(Entry{Method: "confirm_buying", Escrow: addr, Status: StatusRefunded, ErrorKind: "TradeRefunded"})

	pending, err := j.DB().GetPendingRecords()
	require.NoError(t, err)
	assert.Empty(t, pending)

	records, err := j.DB().GetRecordsByEscrow(addr)
	require.NoError(t, err)
	for _, r := range records {
		assert.Equal(t, StatusRefunded, r.Status)
	}
}

func TestReconcileFollowsLedgerState(t *testing.T) {
	j := newJournal(t)
	confirmed, pending, missing := escrowKey(t), escrowKey(t), escrowKey(t)
	for _, addr := range []types.PublicKey{confirmed, pending, missing} {
		j.Record(Entry{Method: "sell_energy", Escrow: addr.String(), Status: StatusPending})
	}

	reader := &mockReader{}
	reader.On("FetchTrade", confirmed).Return(&ledger.EscrowRecord{State: types.StateConfirmed}, nil)
	reader.On("FetchTrade", pending).Return(&ledger.EscrowRecord{State: types.StatePending}, nil)
	reader.On("FetchTrade", missing).Return(nil, ledger.NewError(ledger.CodeAccountNotFound, "gone"))

	n, err := NewReconciler(j, reader, time.Minute).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records, err := j.DB().GetRecordsByEscrow(confirmed.String())
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, records[0].Status)
	assert.NotNil(t, records[0].ReconciledAt)

	records, err = j.DB().GetRecordsByEscrow(missing.String())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, records[0].Status)

	still, err := j.DB().GetPendingRecords()
	require.NoError(t, err)
	require.Len(t, still, 1)
	assert.Equal(t, pending.String(), still[0].Escrow)
}

func TestStartStopsOnCancel(t *testing.T) {
	j := newJournal(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReconciler(j, &mockReader{}, 5*time.Millisecond).Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestNilJournalIsSafe(t *testing.T) {
	var j *Journal
	assert.NotPanics(t, func() { j.Record(Entry{Method: "sell_energy"}) })
}
