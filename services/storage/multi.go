package storage

import (
	"context"

	"stock_research_backend/logger"
	"stock_research_backend/models"
)

// MarketDataSaver is anything that can store collected market data
type MarketDataSaver interface {
	SaveMarketData(ctx context.Context, data *models.MarketData) error
}

// MultiPersister writes to a primary store and best-effort mirrors.
// Only primary failures are reported.
type MultiPersister struct {
	primary MarketDataSaver
	mirrors []MarketDataSaver
	log     *logger.Logger
}

func NewMultiPersister(primary MarketDataSaver, mirrors ...MarketDataSaver) *MultiPersister {
	return &MultiPersister{primary: primary, mirrors: mirrors, log: logger.Category("storage")}
}

func (p *MultiPersister) SaveMarketData(ctx context.Context, data *models.MarketData) error {
	if err := p.primary.SaveMarketData(ctx, data); err != nil {
		return err
	}
	for _, m := range p.mirrors {
		if err := m.SaveMarketData(ctx, data); err != nil {
			p.log.WithError(err).WithFields(logger.Fields{
				logger.FieldSymbol: data.Stock.Symbol,
				logger.FieldMarket: data.Stock.Market,
			}).Warn("Mirror write failed")
		}
	}
	return nil
}
