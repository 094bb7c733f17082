package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"marketdata_engine/models"
	"marketdata_engine/scheduler"
	"marketdata_engine/services"
)

// MarketController serves the stored market data over HTTP and hands
// websocket upgrades to the live fan-out hub.
type MarketController struct {
	store services.TimeSeriesStore
	hub   *services.LiveFanoutHub
	agg   *services.TradeAggregator
	sched *scheduler.Scheduler
}

// NewMarketController creates a new market controller. The aggregator
// and scheduler are optional; when nil the status endpoint simply omits
// their sections.
func NewMarketController(store services.TimeSeriesStore, hub *services.LiveFanoutHub, agg *services.TradeAggregator, sched *scheduler.Scheduler) *MarketController {
	return &MarketController{
		store: store,
		hub:   hub,
		agg:   agg,
		sched: sched,
	}
}

// GetCandles returns resolution candles for a symbol over a time range.
// An empty range is a valid answer, not an error.
// GET /api/v1/candles?symbol=BTCUSDT&resolution=1m&from=...&to=...
func (mc *MarketController) GetCandles(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	res, err := models.ParseResolution(c.DefaultQuery("resolution", string(models.Res1m)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	from, to, err := parseRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	candles, err := mc.store.GetCandleRange(c.Request.Context(), symbol, res, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch candles"})
		return
	}
	if candles == nil {
		candles = []models.Candle{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       candles,
		"count":      len(candles),
		"symbol":     symbol,
		"resolution": res,
	})
}

// GetTradeBars returns aggregated trade bars for one symbol on one
// exchange over a time range.
// GET /api/v1/trade-bars?symbol=BTCUSDT&exchange_id=binance&from=...&to=...
func (mc *MarketController) GetTradeBars(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	exchangeID := c.Query("exchange_id")
	if exchangeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exchange_id is required"})
		return
	}

	from, to, err := parseRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bars, err := mc.store.GetTradeBarRange(c.Request.Context(), symbol, exchangeID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch trade bars"})
		return
	}
	if bars == nil {
		bars = []models.TradeBar{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":        bars,
		"count":       len(bars),
		"symbol":      symbol,
		"exchange_id": exchangeID,
	})
}

// GetLivePrice returns the most recent price seen for a symbol.
// GET /api/v1/price/:symbol
func (mc *MarketController) GetLivePrice(c *gin.Context) {
	symbol := c.Param("symbol")

	price, ts, err := mc.store.GetLatestPrice(c.Request.Context(), symbol)
	if err != nil {
		if errors.Is(err, services.ErrNoData) {
			c.JSON(http.StatusNotFound, gin.H{"symbol": symbol, "no_data": true})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch live price"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"price":  price,
		"time":   ts,
	})
}

// GetStatus reports runtime state: connected stream clients and pairs
// disabled by permanent upstream failures.
// GET /api/v1/status
func (mc *MarketController) GetStatus(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if mc.hub != nil {
		status["stream_clients"] = mc.hub.ClientCount()
	}
	if mc.agg != nil {
		status["disabled_trade_pairs"] = mc.agg.DisabledPairs()
	}
	if mc.sched != nil {
		status["disabled_candle_pairs"] = mc.sched.DisabledPairs()
	}
	c.JSON(http.StatusOK, status)
}

// HandleWebSocket upgrades the request and hands the connection to the
// fan-out hub.
// GET /ws
func (mc *MarketController) HandleWebSocket(c *gin.Context) {
	mc.hub.HandleWebSocket(c.Writer, c.Request)
}

// parseRange reads the inclusive from/to query parameters (unix
// seconds). Both are required and must form a non-inverted range.
func parseRange(c *gin.Context) (int64, int64, error) {
	from, err := strconv.ParseInt(c.Query("from"), 10, 64)
	if err != nil {
		return 0, 0, errors.New("from must be a unix timestamp in seconds")
	}
	to, err := strconv.ParseInt(c.Query("to"), 10, 64)
	if err != nil {
		return 0, 0, errors.New("to must be a unix timestamp in seconds")
	}
	if to < from {
		return 0, 0, errors.New("to must not precede from")
	}
	return from, to, nil
}
