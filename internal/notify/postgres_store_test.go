package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fomorip/internal/testutil"
)

func TestPostgresStore_Outbox(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	const account = "0x1111111111111111111111111111111111111111"
	now := time.Now().UTC().Truncate(time.Microsecond)
	a := New(KindBuyerConfirm, account, Ref{OfferID: "ofr_1"}, now)
	b := New(KindWTBRequestOffer, account, Ref{WTBRequestID: "wtb_1", Actor: "0x2222222222222222222222222222222222222222"}, now.Add(time.Second))
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))
	// Same ID again is ignored.
	require.NoError(t, Insert(ctx, db, a))

	all, err := store.ListByAccount(ctx, account, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)
	assert.Equal(t, "wtb_1", all[0].WTBRequestID)

	wtb, err := store.ListByAccount(ctx, account, CategoryWTB, 10)
	require.NoError(t, err)
	require.Len(t, wtb, 1)

	unseen, err := store.CountUnseen(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, map[Category]int{CategoryDeal: 1, CategoryWTB: 1}, unseen)

	n, err := store.MarkSeen(ctx, account, CategoryDeal)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)

	require.NoError(t, store.MarkDelivered(ctx, a.ID, "websocket"))
	require.NoError(t, store.MarkDelivered(ctx, a.ID, "websocket"))
	pending, err = store.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"websocket"}, pending[0].DeliveredTo)
	assert.Empty(t, pending[1].DeliveredTo)

	require.NoError(t, store.MarkSent(ctx, []string{a.ID}))
	pending, err = store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}
