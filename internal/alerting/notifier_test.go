package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"reactive-guard/internal/alert"
)

func criticalAlert() alert.Alert {
	return alert.Alert{
		Kind:            alert.Critical,
		Subject:         common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		HealthFactor:    decimal.RequireFromString("1.04"),
		CollateralValue: decimal.RequireFromString("1500"),
		BorrowedAmount:  decimal.RequireFromString("1400"),
		RequiredTopUp:   decimal.NewNullDecimal(decimal.RequireFromString("0.25")),
		ObservedAt:      time.Unix(1700000000, 0),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{Alert: criticalAlert(), Channels: []string{"telegram"}}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"CRITICAL", "0x00000000000000000000000000000000000000aa", "1.0400", "Required top-up: 0.2500"} {
		if !strings.Contains(text, want) {
			t.Fatalf("text 缺少 %q: %s", want, text)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Alert: criticalAlert()}); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRenderSafeOmitsAmounts(t *testing.T) {
	safe := alert.Alert{Kind: alert.Safe, HealthFactor: decimal.RequireFromString("1.55"), ObservedAt: time.Unix(0, 0)}
	text := renderMessage(Notification{Alert: safe})
	if strings.Contains(text, "Collateral") || strings.Contains(text, "top-up") {
		t.Fatalf("safe alert should only carry the health factor: %s", text)
	}
}

type recordingNotifier struct {
	notes chan Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	r.notes <- note
	return nil
}

func TestDispatcherFiltersBySeverity(t *testing.T) {
	rec := &recordingNotifier{notes: make(chan Notification, 4)}
	d := NewDispatcher(rec, DispatcherOptions{MinKind: alert.Warning, QueueSize: 4, Channels: []string{"telegram"}}, testLogger())

	safe := criticalAlert()
	safe.Kind = alert.Safe
	if d.Enqueue(safe) {
		t.Fatal("safe 低于 min_kind, 不应入队")
	}
	if !d.Enqueue(criticalAlert()) {
		t.Fatal("critical 应入队")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case note := <-rec.notes:
		if note.Alert.Kind != alert.Critical || len(note.Channels) != 1 {
			t.Fatalf("unexpected notification %+v", note)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
	cancel()
	<-done
	if d.Sent() != 1 {
		t.Fatalf("sent: want 1, got %d", d.Sent())
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(&recordingNotifier{notes: make(chan Notification)}, DispatcherOptions{QueueSize: 1}, testLogger())

	if !d.Enqueue(criticalAlert()) {
		t.Fatal("first alert should queue")
	}
	if d.Enqueue(criticalAlert()) {
		t.Fatal("full queue must not block or accept")
	}
	if d.Dropped() != 1 {
		t.Fatalf("dropped: want 1, got %d", d.Dropped())
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
