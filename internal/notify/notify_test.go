package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKindCategory(t *testing.T) {
	assert.Equal(t, CategoryWTS, KindWTSOfferActive.Category())
	assert.Equal(t, CategoryWTB, KindWTBRequestActive.Category())
	assert.Equal(t, CategoryWTB, KindWTBRequestOffer.Category())
	assert.Equal(t, CategoryDeal, KindBuyerConfirm.Category())
	assert.Equal(t, CategoryDeal, KindDealResolved.Category())

	_, err := ParseCategory("spam")
	assert.ErrorIs(t, err, ErrUnknownCategory)
	c, err := ParseCategory("WTB")
	require.NoError(t, err)
	assert.Equal(t, CategoryWTB, c)
}

func TestMemoryStore_SeenIsPerCategory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Create(ctx, New(KindBuyerConfirm, "0xSeller", Ref{OfferID: "ofr_1"}, now)))
	require.NoError(t, store.Create(ctx, New(KindDealClosed, "0xseller", Ref{OfferID: "ofr_1"}, now.Add(time.Second))))
	require.NoError(t, store.Create(ctx, New(KindWTSOfferActive, "0xseller", Ref{OfferID: "ofr_2"}, now)))
	require.NoError(t, store.Create(ctx, New(KindBuyerConfirm, "0xother", Ref{OfferID: "ofr_3"}, now)))

	counts, err := store.CountUnseen(ctx, "0xSELLER")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[CategoryDeal])
	assert.Equal(t, 1, counts[CategoryWTS])
	assert.Equal(t, 0, counts[CategoryWTB])

	n, err := store.MarkSeen(ctx, "0xseller", CategoryDeal)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, _ = store.CountUnseen(ctx, "0xseller")
	assert.Equal(t, 0, counts[CategoryDeal])
	assert.Equal(t, 1, counts[CategoryWTS], "other categories untouched")

	list, err := store.ListByAccount(ctx, "0xseller", CategoryDeal, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, KindDealClosed, list[0].Kind, "newest first")
}

func TestMemoryStore_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	n := New(KindDealCompleted, "0xa", Ref{OfferID: "ofr_1"}, time.Now())

	require.NoError(t, store.Create(ctx, n))
	require.NoError(t, store.Create(ctx, n))

	list, _ := store.ListByAccount(ctx, "0xa", "", 0)
	assert.Len(t, list, 1)
}

type recordingPublisher struct {
	mu   sync.Mutex
	name string
	fail bool
	got  []string
}

func (p *recordingPublisher) Name() string { return p.name }

func (p *recordingPublisher) Publish(_ context.Context, n *Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.got = append(p.got, n.ID)
	return nil
}

func TestDispatcher_MarksSentWhenAllPublishersAccept(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, New(KindSellerPayed, "0xbuyer", Ref{OfferID: "ofr_1"}, time.Now())))
	}

	pub := &recordingPublisher{name: "test"}
	d := NewDispatcher(store, quietLogger(), pub)

	sent, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.Len(t, pub.got, 3)

	pending, _ := store.ListPending(ctx, 10)
	assert.Empty(t, pending)

	// Nothing left to send on the next tick.
	sent, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestDispatcher_FailedPublishStaysPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, New(KindDealResolved, "0xbuyer", Ref{OfferID: "ofr_1"}, time.Now())))

	before := counterValue(t, "flaky")
	d := NewDispatcher(store, quietLogger(), &recordingPublisher{name: "ok"}, &recordingPublisher{name: "flaky", fail: true})

	sent, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	pending, _ := store.ListPending(ctx, 10)
	assert.Len(t, pending, 1)
	assert.Equal(t, before+1, counterValue(t, "flaky"))
}

func TestDispatcher_RetriesOnlyFailedPublishers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	n := New(KindDealResolved, "0xbuyer", Ref{OfferID: "ofr_1"}, time.Now())
	require.NoError(t, store.Create(ctx, n))

	hub := &recordingPublisher{name: "websocket"}
	broker := &recordingPublisher{name: "kafka", fail: true}
	d := NewDispatcher(store, quietLogger(), hub, broker)

	for i := 0; i < 5; i++ {
		sent, err := d.DispatchOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, sent)
	}
	assert.Equal(t, []string{n.ID}, hub.got, "accepting publisher sees it once")

	pending, _ := store.ListPending(ctx, 10)
	require.Len(t, pending, 1)
	assert.Equal(t, []string{"websocket"}, pending[0].DeliveredTo)

	broker.mu.Lock()
	broker.fail = false
	broker.mu.Unlock()

	sent, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{n.ID}, hub.got)
	assert.Equal(t, []string{n.ID}, broker.got)

	pending, _ = store.ListPending(ctx, 10)
	assert.Empty(t, pending)
}

func TestNewDispatcher_NilLogger(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, New(KindDealClosed, "0xbuyer", Ref{OfferID: "ofr_1"}, time.Now())))

	d := NewDispatcher(store, nil, &recordingPublisher{name: "flaky", fail: true})
	assert.NotPanics(t, func() {
		_, err := d.DispatchOnce(ctx)
		assert.NoError(t, err)
	})
}

func counterValue(t *testing.T, publisher string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := dispatchErrors.GetMetricWithLabelValues(publisher)
	require.NoError(t, err)
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_KeysByAccount(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}
	n := New(KindDealCanceled, "0xSeller", Ref{OfferID: "ofr_9", Actor: "0xBuyer"}, time.Now())

	require.NoError(t, p.Publish(context.Background(), n))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "0xseller", string(w.msgs[0].Key))

	var decoded Notification
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, KindDealCanceled, decoded.Kind)
	assert.Equal(t, "0xbuyer", decoded.Actor)
	assert.Equal(t, "kafka", p.Name())
}

func TestHandler_ListAndMarkSeen(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, New(KindWTBRequestOffer, "0xme", Ref{WTBRequestID: "wtb_1"}, time.Now())))

	h := NewHandler(store)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("authWallet", "0xme"); c.Next() })
	h.RegisterProtectedRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/notifications?category=wtb", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/notifications?category=nope", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/notifications/wtb/seen", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"updated":1`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/notifications/unseen", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":0`)
}
