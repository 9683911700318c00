package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"edgex-lighter-arb/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.TelegramConfig {
	return config.TelegramConfig{
		Enabled:      true,
		BotToken:     "123:abc",
		GroupID:      "-1001234",
		AccountLabel: "A1",
	}
}

func newTestNotifier(t *testing.T, handler http.HandlerFunc) *Notifier {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	n := newNotifier(testConfig(), server.URL, testLogger())
	t.Cleanup(n.Stop)
	return n
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func TestSendPostsMessage(t *testing.T) {
	t.Parallel()

	got := make(chan message, 1)
	var gotPath string
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var msg message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode body: %v", err)
		}
		got <- msg
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})

	n.send("hello <b>world</b>")

	select {
	case msg := <-got:
		if gotPath != "/bot123:abc/sendMessage" {
			t.Errorf("path = %q", gotPath)
		}
		if msg.ChatID != "-1001234" {
			t.Errorf("chat_id = %q", msg.ChatID)
		}
		if msg.ParseMode != "HTML" || !msg.DisableWebPagePreview {
			t.Errorf("parse_mode = %q, preview disabled = %v", msg.ParseMode, msg.DisableWebPagePreview)
		}
		if msg.Text != "hello <b>world</b>" {
			t.Errorf("text = %q", msg.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never arrived")
	}

	stats := n.Stats()
	if stats.Sent != 1 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSendCountsAPIErrors(t *testing.T) {
	t.Parallel()

	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	})

	n.send("anyone there")

	stats := n.Stats()
	if stats.Sent != 0 {
		t.Errorf("Sent = %d, want 0", stats.Sent)
	}
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
}

func TestDisabledNotifierIsNoOp(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("disabled notifier made an HTTP call")
	}))
	t.Cleanup(server.Close)

	cfg := testConfig()
	cfg.Enabled = false
	n := newNotifier(cfg, server.URL, testLogger())

	n.Start()
	n.Trade(TradeNote{Quantity: decimal.NewFromInt(1)})
	n.Error("order_failed", "timeout", nil)
	n.PushStatus(StatusReport{Running: true})
	n.Stop()

	stats := n.Stats()
	if stats.Enabled {
		t.Error("Enabled = true")
	}
	if stats.Sent != 0 || stats.Queued != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMissingTokenDisables(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BotToken = ""
	n := newNotifier(cfg, "http://127.0.0.1:0", testLogger())

	if n.Stats().Enabled {
		t.Error("notifier enabled without a bot token")
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	t.Parallel()

	// Never started: nothing drains the queue.
	n := newTestNotifier(t, okHandler)
	for i := 0; i < queueSize+3; i++ {
		n.enqueue("overflow")
	}

	if got := n.Stats().Queued; got != queueSize {
		t.Errorf("Queued = %d, want %d", got, queueSize)
	}
}

func TestSenderPacesMessages(t *testing.T) {
	t.Parallel()

	arrivals := make(chan time.Time, 4)
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		arrivals <- time.Now()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})
	n.minInterval = 30 * time.Millisecond

	n.Start() // queues the startup notice
	n.FrontendConnected("BTC")

	var first, second time.Time
	select {
	case first = <-arrivals:
	case <-time.After(2 * time.Second):
		t.Fatal("first message never sent")
	}
	select {
	case second = <-arrivals:
	case <-time.After(2 * time.Second):
		t.Fatal("second message never sent")
	}

	if gap := second.Sub(first); gap < 20*time.Millisecond {
		t.Errorf("gap between sends = %v, want at least ~30ms", gap)
	}
}

func TestReporterSendsPushedStatus(t *testing.T) {
	t.Parallel()

	texts := make(chan string, 8)
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		var msg message
		json.NewDecoder(r.Body).Decode(&msg)
		texts <- msg.Text
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})
	n.minInterval = 5 * time.Millisecond
	n.statusEvery = 20 * time.Millisecond

	n.Start()
	n.PushStatus(StatusReport{
		Running:      true,
		TradeCount:   4,
		DailyPnL:     decimal.RequireFromString("1.25"),
		LatencyScore: 92,
	})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case text := <-texts:
			if strings.Contains(text, "Status report") {
				if !strings.Contains(text, "Trades: 4") {
					t.Errorf("report missing trade count:\n%s", text)
				}
				return
			}
		case <-deadline:
			t.Fatal("status report never sent")
		}
	}
}

func TestStopSendsShutdownDirectly(t *testing.T) {
	t.Parallel()

	texts := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg message
		json.NewDecoder(r.Body).Decode(&msg)
		texts <- msg.Text
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(server.Close)

	// Never started: Stop must still deliver the shutdown notice.
	n := newNotifier(testConfig(), server.URL, testLogger())
	n.Stop()

	select {
	case text := <-texts:
		if !strings.Contains(text, "stopped") {
			t.Errorf("shutdown text = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown message never sent")
	}
}
