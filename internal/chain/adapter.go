package chain

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/fomorip/internal/metrics"
	"github.com/mbd888/fomorip/internal/traces"
)

// Adapter joins the signer and the contract reader behind one value, which is
// what the deal engine consumes.
type Adapter struct {
	signer *Signer
	reader *ContractReader
}

// NewAdapter creates a settlement adapter.
func NewAdapter(signer *Signer, reader *ContractReader) *Adapter {
	return &Adapter{signer: signer, reader: reader}
}

// SignDeal signs terms for the buyer's deposit transaction.
func (a *Adapter) SignDeal(ctx context.Context, terms DealTerms) (*SignedDeal, error) {
	_, span := traces.StartSpan(ctx, "chain.SignDeal",
		traces.Network(terms.Network),
		traces.Amount(terms.Price.String()),
	)
	defer span.End()

	signed, err := a.signer.SignDeal(terms)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sign failed")
		return nil, err
	}
	span.SetAttributes(traces.DealHash(signed.Hash))
	return signed, nil
}

// GetDeal reads the contract's view of a deal.
func (a *Adapter) GetDeal(ctx context.Context, network, hashID string) (*ContractDeal, error) {
	ctx, span := traces.StartSpan(ctx, "chain.GetDeal",
		traces.Network(network),
		traces.DealHash(hashID),
	)
	defer span.End()

	deal, err := a.reader.GetDeal(ctx, network, hashID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "getDeal failed")
		metrics.ChainCallsTotal.WithLabelValues(network, "error").Inc()
		return nil, err
	}
	metrics.ChainCallsTotal.WithLabelValues(network, "ok").Inc()
	span.SetAttributes(attribute.Bool("deal.exists", deal.Exists))
	return deal, nil
}

// Close releases RPC clients.
func (a *Adapter) Close() error {
	return a.reader.Close()
}
