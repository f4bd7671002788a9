package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fomorip/internal/notify"
	"github.com/mbd888/fomorip/internal/testutil"
)

func newPGFixture(t *testing.T) *fixture {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return newFixtureWith(t, NewPostgresStore(db, quietLogger()), notify.NewPostgresStore(db))
}

func TestPostgresStore_DealLifecycle(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	o, d := f.funded(t)
	assert.Equal(t, OfferInDeal, o.Status)

	d, err := f.svc.BuyerComplete(ctx, d.ID, buyer, 4, "smooth")
	require.NoError(t, err)
	assert.Equal(t, DealCompletionDelay, d.Status)
	require.NotNil(t, d.Expires)

	f.clock.advance(f.svc.Config().CompletionTimeout + time.Minute)
	stats := f.sweeper.SweepOnce(ctx)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, DealWaitingSellerClaim, f.deal(t, d.ID).Status)

	fb, err := f.store.ListFeedback(ctx, seller, 10)
	require.NoError(t, err)
	require.Len(t, fb, 1)
	assert.Equal(t, 4, fb[0].Rating)

	assert.Contains(t, f.kinds(t, seller), notify.KindDealCompleted)
	assert.Contains(t, f.kinds(t, buyer), notify.KindSellerPayed)
}

func TestPostgresStore_ExactlyOneWinner(t *testing.T) {
	f := newPGFixture(t)
	o := f.activeOffer(t)

	const buyers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := range buyers {
		wg.Add(1)
		go func(account string) {
			defer wg.Done()
			_, err := f.svc.CommitBuyer(context.Background(), o.ID, account)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrOfferTaken):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("0x%040x", 0xb000+i))
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	_, err := f.store.CurrentDeal(context.Background(), o.ID)
	require.NoError(t, err)
}

func TestPostgresStore_ArbitrationClaims(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	o, d := f.funded(t)
	_, err := f.svc.CallArbitration(ctx, d.ID, buyer, []string{"item_not_provided"}, "never arrived")
	require.NoError(t, err)
	_, err = f.svc.CallArbitration(ctx, d.ID, seller, nil, "")
	assert.ErrorIs(t, err, ErrAlreadyDisputed)

	receipt := `{"tx":"0xabc"}`
	_, err = f.svc.ResolveArbitration(ctx, d.ID, Resolution{PayToSeller: "60", PayToBuyer: "90", Receipt: []byte(receipt)})
	require.NoError(t, err)
	_, err = f.svc.ResolveArbitration(ctx, d.ID, Resolution{PayToBuyer: "1"})
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	a, err := f.store.GetArbitration(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.True(t, a.PayToSeller.Equal(decimal.NewFromInt(60)))
	assert.JSONEq(t, receipt, string(a.Receipt))

	c, err := f.store.GetCancelation(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Contains(t, c.Reasons, ReasonItemNotProvided)

	view, err := f.svc.SellerClaimAfterArbitration(ctx, d.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, DealWaitingSidesClaim, view.Deal.Status)
	view, err = f.svc.BuyerClaimAfterArbitration(ctx, d.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, DealConfirmedFinish, view.Deal.Status)
	assert.Equal(t, OfferClosed, f.offer(t, o.ID).Status)
}
