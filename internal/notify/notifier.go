// Package notify pushes trade and system notifications to a Telegram group.
//
// Notifications are queued and drained by a single sender goroutine that
// keeps at least one second between API calls, so a burst of alerts cannot
// hit Telegram's rate limit. A reporter goroutine sends a status summary
// every 30 minutes, built from the most recent snapshot the coordinator
// pushed via PushStatus. When the bot token or group ID is missing the
// notifier disables itself and every method becomes a no-op.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"edgex-lighter-arb/internal/config"
	"edgex-lighter-arb/pkg/types"
)

const (
	telegramAPI     = "https://api.telegram.org"
	minSendInterval = time.Second
	statusInterval  = 30 * time.Minute
	queueSize       = 100
)

// message is the Telegram sendMessage payload.
type message struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// apiResponse is the envelope Telegram wraps every bot API reply in.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// TradeNote carries the details of one completed arbitrage trade.
type TradeNote struct {
	Direction    types.Direction
	Quantity     decimal.Decimal
	EdgeXPrice   decimal.Decimal
	LighterPrice decimal.Decimal
	Spread       decimal.Decimal
	LatencyMs    int64
	PnLEstimate  decimal.Decimal
	EdgeXPos     decimal.Decimal
	LighterPos   decimal.Decimal
	Partial      bool // EdgeX leg filled but the hedge failed
}

// StatusReport is the snapshot the periodic reporter formats. The
// coordinator pushes a fresh one after every loop status update.
type StatusReport struct {
	Running         bool
	SignalCount     int
	TradeCount      int
	ErrorCount      int
	DailyPnL        decimal.Decimal
	EdgeXPosition   decimal.Decimal
	LighterPosition decimal.Decimal
	LongThreshold   decimal.Decimal
	ShortThreshold  decimal.Decimal
	LongSpread      decimal.Decimal
	ShortSpread     decimal.Decimal
	LatencyScore    float64
}

// DailySummary aggregates one day of trading for the end-of-day message.
type DailySummary struct {
	TradeCount   int
	SuccessCount int
	TotalPnL     decimal.Decimal
	AvgLatencyMs float64
	MaxPosition  decimal.Decimal
}

// Stats reports the notifier's own counters.
type Stats struct {
	Enabled bool
	Sent    int
	Errors  int
	Queued  int
}

// Notifier queues Telegram notifications and sends them in the background.
type Notifier struct {
	cfg    config.TelegramConfig
	http   *resty.Client
	queue  chan string
	done   chan struct{}
	logger *slog.Logger

	// overridable in tests
	minInterval time.Duration
	statusEvery time.Duration

	mu         sync.Mutex
	lastReport StatusReport
	hasReport  bool
	sent       int
	sendErrors int

	stopOnce sync.Once
}

// New builds a notifier against the production Telegram API.
func New(cfg config.TelegramConfig, logger *slog.Logger) *Notifier {
	return newNotifier(cfg, telegramAPI, logger)
}

func newNotifier(cfg config.TelegramConfig, apiBase string, logger *slog.Logger) *Notifier {
	n := &Notifier{
		cfg:         cfg,
		queue:       make(chan string, queueSize),
		done:        make(chan struct{}),
		logger:      logger.With("component", "notify"),
		minInterval: minSendInterval,
		statusEvery: statusInterval,
	}
	if n.cfg.Enabled && (n.cfg.BotToken == "" || n.cfg.GroupID == "") {
		n.logger.Warn("telegram token or group missing, notifications disabled")
		n.cfg.Enabled = false
	}
	if !n.cfg.Enabled {
		return n
	}

	n.http = resty.New().
		SetBaseURL(apiBase).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return n
}

// Start launches the sender and reporter goroutines and queues the startup
// notice. No-op when disabled.
func (n *Notifier) Start() {
	if !n.cfg.Enabled {
		n.logger.Info("telegram notifications disabled")
		return
	}
	go n.senderLoop()
	go n.reporterLoop()
	n.enqueue(startupMessage(n.cfg.AccountLabel))
	n.logger.Info("telegram notifier started", "account", n.cfg.AccountLabel)
}

// Stop sends the shutdown notice directly (the queue is about to die with
// the process) and stops the background goroutines.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		if !n.cfg.Enabled {
			return
		}
		n.mu.Lock()
		sent := n.sent
		n.mu.Unlock()
		n.send(shutdownMessage(n.cfg.AccountLabel, sent))
		close(n.done)
		n.logger.Info("telegram notifier stopped")
	})
}

// FrontendConnected announces that the EdgeX front-end came online.
func (n *Notifier) FrontendConnected(ticker string) {
	n.enqueue(frontendConnectedMessage(n.cfg.AccountLabel, ticker))
}

// FrontendDisconnected warns that the execution path to EdgeX is gone.
func (n *Notifier) FrontendDisconnected() {
	n.enqueue(frontendDisconnectedMessage(n.cfg.AccountLabel))
}

// SamplingComplete announces the thresholds chosen after spread sampling.
func (n *Notifier) SamplingComplete(samples int, longThreshold, shortThreshold decimal.Decimal) {
	n.enqueue(samplingCompleteMessage(n.cfg.AccountLabel, samples, longThreshold, shortThreshold))
}

// Trade pushes a fill notification.
func (n *Notifier) Trade(note TradeNote) {
	n.enqueue(tradeMessage(n.cfg.AccountLabel, note))
}

// Error pushes an alert for a named failure. Detail fields are rendered
// sorted by key.
func (n *Notifier) Error(errorType, detail string, fields map[string]any) {
	n.enqueue(errorMessage(n.cfg.AccountLabel, errorType, detail, fields))
}

// CircuitBreaker announces a tripped breaker.
func (n *Notifier) CircuitBreaker(errorCount int, window time.Duration) {
	n.enqueue(circuitBreakerMessage(n.cfg.AccountLabel, errorCount, window))
}

// Imbalance warns that the two venue positions have drifted apart.
func (n *Notifier) Imbalance(edgexPos, lighterPos decimal.Decimal) {
	n.enqueue(imbalanceMessage(n.cfg.AccountLabel, edgexPos, lighterPos))
}

// DailySummary pushes the end-of-day aggregate.
func (n *Notifier) DailySummary(sum DailySummary) {
	n.enqueue(dailySummaryMessage(n.cfg.AccountLabel, sum))
}

// PushStatus stores the snapshot the periodic reporter will format next.
func (n *Notifier) PushStatus(report StatusReport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastReport = report
	n.hasReport = true
}

// Stats returns the notifier's counters.
func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Stats{
		Enabled: n.cfg.Enabled,
		Sent:    n.sent,
		Errors:  n.sendErrors,
		Queued:  len(n.queue),
	}
}

func (n *Notifier) enqueue(text string) {
	if !n.cfg.Enabled {
		return
	}
	select {
	case n.queue <- text:
	default:
		n.logger.Warn("notification queue full, dropping message")
	}
}

func (n *Notifier) senderLoop() {
	var lastSend time.Time
	for {
		select {
		case <-n.done:
			return
		case text := <-n.queue:
			if wait := n.minInterval - time.Since(lastSend); wait > 0 {
				select {
				case <-time.After(wait):
				case <-n.done:
					return
				}
			}
			n.send(text)
			lastSend = time.Now()
		}
	}
}

func (n *Notifier) reporterLoop() {
	ticker := time.NewTicker(n.statusEvery)
	defer ticker.Stop()
	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.mu.Lock()
			report, ok := n.lastReport, n.hasReport
			n.mu.Unlock()
			if ok {
				n.enqueue(statusMessage(n.cfg.AccountLabel, report))
			}
		}
	}
}

func (n *Notifier) send(text string) {
	var result apiResponse
	resp, err := n.http.R().
		SetBody(message{
			ChatID:                n.cfg.GroupID,
			Text:                  text,
			ParseMode:             "HTML",
			DisableWebPagePreview: true,
		}).
		SetResult(&result).
		SetError(&result).
		Post("/bot" + n.cfg.BotToken + "/sendMessage")

	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case err != nil:
		n.sendErrors++
		n.logger.Error("telegram send failed", "error", err)
	case resp.IsError() || !result.OK:
		n.sendErrors++
		n.logger.Error("telegram api error",
			"status", resp.StatusCode(), "description", result.Description)
	default:
		n.sent++
		n.logger.Debug("telegram message sent")
	}
}
