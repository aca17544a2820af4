package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"stock_research_backend/logger"
	"stock_research_backend/models"
)

// Mongo collection names
const (
	MongoDBName               = "stock_collector"
	MongoMarketDataCollection = "market_data"
	MongoJobsCollection       = "collection_jobs"
)

// MongoMirror keeps a document copy of the latest collected data and job history
type MongoMirror struct {
	client   *mongo.Client
	database *mongo.Database
	log      *logger.Logger
}

type mongoBar struct {
	Date     time.Time `bson:"date"`
	Open     string    `bson:"open"`
	High     string    `bson:"high"`
	Low      string    `bson:"low"`
	Close    string    `bson:"close"`
	AdjClose string    `bson:"adj_close"`
	Volume   int64     `bson:"volume"`
}

type mongoMarketData struct {
	ID          string     `bson:"_id"`
	Symbol      string     `bson:"symbol"`
	Market      string     `bson:"market"`
	Currency    string     `bson:"currency,omitempty"`
	Price       string     `bson:"price,omitempty"`
	Change      string     `bson:"change,omitempty"`
	Interval    string     `bson:"interval,omitempty"`
	Bars        []mongoBar `bson:"bars"`
	CollectedAt time.Time  `bson:"collected_at"`
}

type mongoJob struct {
	ID          string     `bson:"_id"`
	Type        string     `bson:"type"`
	Mode        string     `bson:"mode,omitempty"`
	Status      string     `bson:"status"`
	TotalStocks int        `bson:"total_stocks"`
	Completed   int        `bson:"completed"`
	Failed      int        `bson:"failed"`
	Errors      []string   `bson:"errors"`
	StartedAt   time.Time  `bson:"started_at"`
	EndedAt     *time.Time `bson:"ended_at,omitempty"`
}

// ConnectMongoMirror connects to uri and pings it
func ConnectMongoMirror(ctx context.Context, uri, dbName string) (*MongoMirror, error) {
	if dbName == "" {
		dbName = MongoDBName
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	m := &MongoMirror{
		client:   client,
		database: client.Database(dbName),
		log:      logger.Category("storage"),
	}
	m.createIndexes(ctx)
	m.log.Infof("MongoDB mirror connected (db=%s)", dbName)
	return m, nil
}

func (m *MongoMirror) createIndexes(ctx context.Context) {
	_, err := m.database.Collection(MongoMarketDataCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "market", Value: 1}, {Key: "collected_at", Value: -1}},
	})
	if err != nil {
		m.log.WithError(err).Warn("Failed to create market_data index")
	}
	_, err = m.database.Collection(MongoJobsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ended_at", Value: -1}},
	})
	if err != nil {
		m.log.WithError(err).Warn("Failed to create collection_jobs index")
	}
}

// SaveMarketData replaces the document of the stock with the latest data
func (m *MongoMirror) SaveMarketData(ctx context.Context, data *models.MarketData) error {
	doc := marketDocument(data)
	opts := options.Replace().SetUpsert(true)
	_, err := m.database.Collection(MongoMarketDataCollection).ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("failed to mirror %s: %w", doc.ID, err)
	}
	return nil
}

// SaveJob records a finished collection job
func (m *MongoMirror) SaveJob(ctx context.Context, job *models.CollectionJob) error {
	doc := jobDocument(job)
	opts := options.Replace().SetUpsert(true)
	_, err := m.database.Collection(MongoJobsCollection).ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("failed to mirror job %s: %w", doc.ID, err)
	}
	return nil
}

// Prune deletes mirrored jobs that ended before cutoff
func (m *MongoMirror) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := m.database.Collection(MongoJobsCollection).DeleteMany(ctx, bson.M{"ended_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to prune mirrored jobs: %w", err)
	}
	return res.DeletedCount, nil
}

// Close disconnects the client
func (m *MongoMirror) Close() error {
	if m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func marketDocument(data *models.MarketData) mongoMarketData {
	doc := mongoMarketData{
		ID:          data.Stock.Key(),
		Symbol:      data.Stock.Symbol,
		Market:      data.Stock.Market,
		Bars:        []mongoBar{},
		CollectedAt: data.CollectedAt,
	}
	if q := data.Quote; q != nil {
		doc.Currency = q.Currency
		doc.Price = q.Price.String()
		doc.Change = q.Change.String()
	}
	if s := data.Series; s != nil {
		doc.Interval = s.Interval
		for _, b := range s.Bars {
			doc.Bars = append(doc.Bars, mongoBar{
				Date:     b.Date,
				Open:     b.Open.String(),
				High:     b.High.String(),
				Low:      b.Low.String(),
				Close:    b.Close.String(),
				AdjClose: b.AdjClose.String(),
				Volume:   b.Volume,
			})
		}
	}
	return doc
}

func jobDocument(job *models.CollectionJob) mongoJob {
	return mongoJob{
		ID:          job.ID,
		Type:        string(job.Type),
		Mode:        string(job.Mode),
		Status:      string(job.Status),
		TotalStocks: job.TotalStocks,
		Completed:   job.Progress.Completed,
		Failed:      job.Progress.Failed,
		Errors:      append([]string{}, job.Errors...),
		StartedAt:   job.StartedAt,
		EndedAt:     job.EndedAt,
	}
}
