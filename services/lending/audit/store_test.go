package audit

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"lendingcore/core/events"
)

var (
	alice = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

type untypedEvent struct{}

func (untypedEvent) EventType() string { return "custom" }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(DriverSQLite, "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRecordsEmittedEvents(t *testing.T) {
	store := newTestStore(t)
	var emitter events.Emitter = store

	emitter.Emit(events.LendingDeposit{User: alice, Asset: usdc, Amount: uint256.NewInt(100)})
	emitter.Emit(events.LendingBorrow{User: alice, Asset: usdc, Amount: uint256.NewInt(40)})
	emitter.Emit(events.LendingLiquidation{
		Liquidator:  bob,
		Borrower:    alice,
		RepayAsset:  usdc,
		SeizeAsset:  weth,
		RepayAmount: uint256.NewInt(20),
		SeizeAmount: uint256.NewInt(1),
	})
	emitter.Emit(untypedEvent{})

	ctx := context.Background()
	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, events.TypeLendingDeposit, all[0].Type)
	require.Equal(t, alice.Hex(), all[0].Account)
	require.Equal(t, usdc.Hex(), all[0].Asset)
	require.Equal(t, "100", all[0].Attrs()["amount"])
	require.Less(t, all[0].Seq, all[1].Seq)

	liq := all[2]
	require.Equal(t, alice.Hex(), liq.Account)
	require.Equal(t, usdc.Hex(), liq.Asset)
	require.Equal(t, weth.Hex(), liq.Attrs()["seizeAsset"])

	require.Equal(t, "custom", all[3].Type)
	require.Empty(t, all[3].Attrs())

	got, err := store.Get(ctx, liq.ID)
	require.NoError(t, err)
	require.Equal(t, liq.Seq, got.Seq)
}

func TestStoreListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, events.LendingDeposit{User: alice, Asset: usdc, Amount: uint256.NewInt(uint64(i + 1))})
		require.NoError(t, err)
	}
	_, err := store.Append(ctx, events.LendingRepay{Payer: bob, OnBehalfOf: bob, Asset: weth, Amount: uint256.NewInt(1)})
	require.NoError(t, err)

	byType, err := store.List(ctx, Filter{Type: events.TypeLendingRepay})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	require.Equal(t, bob.Hex(), byType[0].Account)

	byAccount, err := store.List(ctx, Filter{Account: alice.Hex(), Limit: 2})
	require.NoError(t, err)
	require.Len(t, byAccount, 2)

	page, err := store.List(ctx, Filter{Account: alice.Hex(), AfterSeq: byAccount[1].Seq})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, "3", page[0].Attrs()["amount"])

	byAsset, err := store.List(ctx, Filter{Asset: weth.Hex()})
	require.NoError(t, err)
	require.Len(t, byAsset, 1)
}

func TestStoreMissingRecord(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "", nil)
	require.ErrorIs(t, err, ErrUnsupportedDriver)
}
