package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"marketdata_engine/models"
)

// MongoDB collection names
const (
	MongoDBName                = "market_data"
	MongoCandlesCollection     = "candles"
	MongoTradeBarsCollection   = "trade_bars"
	MongoLatestPriceCollection = "latest_prices"

	mongoWriteBatchSize = 500
)

// MongoStore is the primary TimeSeriesStore, backed by MongoDB. Candles
// and trade bars are one document per timestamp, upserted by their
// natural key, so repeated writes for the same timestamp replace the
// prior value without coordination between writers.
type MongoStore struct {
	client   *mongo.Client
	database *mongo.Database
}

type candleDoc struct {
	Symbol     string  `bson:"symbol"`
	Resolution string  `bson:"resolution"`
	Time       int64   `bson:"time"`
	Open       float64 `bson:"open"`
	High       float64 `bson:"high"`
	Low        float64 `bson:"low"`
	Close      float64 `bson:"close"`
	Volume     float64 `bson:"volume"`
}

type tradeBarDoc struct {
	Symbol     string  `bson:"symbol"`
	ExchangeID string  `bson:"exchange_id"`
	Time       int64   `bson:"time"`
	Open       float64 `bson:"open"`
	High       float64 `bson:"high"`
	Low        float64 `bson:"low"`
	Close      float64 `bson:"close"`
	Volume     float64 `bson:"volume"`
}

type latestPriceDoc struct {
	Symbol    string    `bson:"_id"`
	Price     float64   `bson:"price"`
	Time      int64     `bson:"time"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoStore connects to MongoDB, verifies the connection and creates
// the unique series indexes.
func NewMongoStore(ctx context.Context, uri string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, &StoreError{Op: "connect", Err: err}
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(connectCtx)
		return nil, &StoreError{Op: "ping", Err: err}
	}

	s := &MongoStore{
		client:   client,
		database: client.Database(MongoDBName),
	}
	s.createIndexes(ctx)

	log.Println("MongoDB store connected")
	return s, nil
}

// createIndexes creates the unique natural-key indexes. Best effort:
// index creation failures are logged, not fatal, since upserts stay
// correct without them.
func (s *MongoStore) createIndexes(ctx context.Context) {
	idxCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	candles := s.database.Collection(MongoCandlesCollection)
	_, err := candles.Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "symbol", Value: 1},
			{Key: "resolution", Value: 1},
			{Key: "time", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		log.Printf("Warning: could not create candles index: %v", err)
	}

	bars := s.database.Collection(MongoTradeBarsCollection)
	_, err = bars.Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "symbol", Value: 1},
			{Key: "exchange_id", Value: 1},
			{Key: "time", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		log.Printf("Warning: could not create trade_bars index: %v", err)
	}
}

func (s *MongoStore) PutCandles(ctx context.Context, symbol string, res models.Resolution, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	collection := s.database.Collection(MongoCandlesCollection)

	operations := make([]mongo.WriteModel, 0, len(candles))
	for _, c := range candles {
		doc := candleDoc{
			Symbol:     symbol,
			Resolution: string(res),
			Time:       c.Time,
			Open:       c.Open,
			High:       c.High,
			Low:        c.Low,
			Close:      c.Close,
			Volume:     c.Volume,
		}
		operations = append(operations, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"symbol": symbol, "resolution": string(res), "time": c.Time}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	for i := 0; i < len(operations); i += mongoWriteBatchSize {
		end := i + mongoWriteBatchSize
		if end > len(operations) {
			end = len(operations)
		}
		if _, err := collection.BulkWrite(ctx, operations[i:end]); err != nil {
			return &StoreError{Op: fmt.Sprintf("put candles %s/%s", symbol, res), Err: err}
		}
	}
	return nil
}

func (s *MongoStore) GetCandleRange(ctx context.Context, symbol string, res models.Resolution, from, to int64) ([]models.Candle, error) {
	collection := s.database.Collection(MongoCandlesCollection)

	filter := bson.M{
		"symbol":     symbol,
		"resolution": string(res),
		"time":       bson.M{"$gte": from, "$lte": to},
	}
	opts := options.Find().SetSort(bson.D{{Key: "time", Value: 1}})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, &StoreError{Op: fmt.Sprintf("get candles %s/%s", symbol, res), Err: err}
	}
	defer cursor.Close(ctx)

	var out []models.Candle
	for cursor.Next(ctx) {
		var doc candleDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, &StoreError{Op: "decode candle", Err: err}
		}
		out = append(out, models.Candle{
			Symbol:     doc.Symbol,
			Resolution: models.Resolution(doc.Resolution),
			Time:       doc.Time,
			Open:       doc.Open,
			High:       doc.High,
			Low:        doc.Low,
			Close:      doc.Close,
			Volume:     doc.Volume,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, &StoreError{Op: "iterate candles", Err: err}
	}
	return out, nil
}

func (s *MongoStore) PutTradeBars(ctx context.Context, symbol, exchangeID string, bars []models.TradeBar) error {
	if len(bars) == 0 {
		return nil
	}

	collection := s.database.Collection(MongoTradeBarsCollection)

	operations := make([]mongo.WriteModel, 0, len(bars))
	for _, b := range bars {
		doc := tradeBarDoc{
			Symbol:     symbol,
			ExchangeID: exchangeID,
			Time:       b.Time,
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
		}
		operations = append(operations, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"symbol": symbol, "exchange_id": exchangeID, "time": b.Time}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	for i := 0; i < len(operations); i += mongoWriteBatchSize {
		end := i + mongoWriteBatchSize
		if end > len(operations) {
			end = len(operations)
		}
		if _, err := collection.BulkWrite(ctx, operations[i:end]); err != nil {
			return &StoreError{Op: fmt.Sprintf("put trade bars %s/%s", symbol, exchangeID), Err: err}
		}
	}
	return nil
}

func (s *MongoStore) GetTradeBarRange(ctx context.Context, symbol, exchangeID string, from, to int64) ([]models.TradeBar, error) {
	collection := s.database.Collection(MongoTradeBarsCollection)

	filter := bson.M{
		"symbol":      symbol,
		"exchange_id": exchangeID,
		"time":        bson.M{"$gte": from, "$lte": to},
	}
	opts := options.Find().SetSort(bson.D{{Key: "time", Value: 1}})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, &StoreError{Op: fmt.Sprintf("get trade bars %s/%s", symbol, exchangeID), Err: err}
	}
	defer cursor.Close(ctx)

	var out []models.TradeBar
	for cursor.Next(ctx) {
		var doc tradeBarDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, &StoreError{Op: "decode trade bar", Err: err}
		}
		out = append(out, models.TradeBar{
			Symbol:     doc.Symbol,
			ExchangeID: doc.ExchangeID,
			Time:       doc.Time,
			Open:       doc.Open,
			High:       doc.High,
			Low:        doc.Low,
			Close:      doc.Close,
			Volume:     doc.Volume,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, &StoreError{Op: "iterate trade bars", Err: err}
	}
	return out, nil
}

func (s *MongoStore) SetLatestPrice(ctx context.Context, symbol string, price float64, ts int64) error {
	collection := s.database.Collection(MongoLatestPriceCollection)

	doc := latestPriceDoc{
		Symbol:    symbol,
		Price:     price,
		Time:      ts,
		UpdatedAt: time.Now(),
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := collection.ReplaceOne(ctx, bson.M{"_id": symbol}, doc, opts); err != nil {
		return &StoreError{Op: "set latest price " + symbol, Err: err}
	}
	return nil
}

func (s *MongoStore) GetLatestPrice(ctx context.Context, symbol string) (float64, int64, error) {
	collection := s.database.Collection(MongoLatestPriceCollection)

	var doc latestPriceDoc
	err := collection.FindOne(ctx, bson.M{"_id": symbol}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, 0, ErrNoData
		}
		return 0, 0, &StoreError{Op: "get latest price " + symbol, Err: err}
	}
	return doc.Price, doc.Time, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx, nil); err != nil {
		return &StoreError{Op: "ping", Err: err}
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.client.Disconnect(closeCtx)
}
