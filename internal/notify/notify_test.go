package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name   string
	err    error
	alerts []Alert
}

func (f *fakeSender) Send(_ context.Context, a Alert) error {
	f.alerts = append(f.alerts, a)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) titles() []string {
	var out []string
	for _, a := range f.alerts {
		out = append(out, a.Title)
	}
	return out
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{EventBadDebt, " run_failed ", ""}, discard())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, Alert{Event: EventBadDebt, Title: "a"}))
	require.NoError(t, n.Notify(ctx, Alert{Event: EventRunComplete, Title: "b"}))
	require.NoError(t, n.Notify(ctx, Alert{Event: EventRunFailed, Title: "c"}))

	assert.Equal(t, []string{"a", "c"}, s.titles())
	assert.True(t, n.Enabled(EventBadDebt))
	assert.False(t, n.Enabled(EventLiquidation))
}

func TestNotifierStampsTime(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, nil, discard())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	require.NoError(t, n.Notify(context.Background(), Alert{Event: "anything"}))
	require.Len(t, s.alerts, 1)
	assert.Equal(t, fixed, s.alerts[0].At)
}

func TestNotifierNilAndEmpty(t *testing.T) {
	var none *Notifier
	assert.False(t, none.Enabled(EventBadDebt))
	require.NoError(t, none.Notify(context.Background(), Alert{Event: EventBadDebt}))

	assert.False(t, NewNotifier(nil, nil, discard()).Enabled(EventBadDebt))
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	ok := &fakeSender{name: "ok"}
	cause := errors.New("503")
	bad := &fakeSender{name: "bad", err: cause}
	n := NewNotifier([]Sender{bad, ok}, nil, discard())

	err := n.Notify(context.Background(), Alert{Event: EventRunComplete, Title: "t"})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "bad: 503")
	assert.Len(t, ok.alerts, 1, "a failing sender must not block the others")
}

func TestAlerts(t *testing.T) {
	a := BadDebtAlert("default", 42, 3, 10, decimal.RequireFromString("1234.567"))
	assert.Equal(t, EventBadDebt, a.Event)
	assert.Equal(t, "Bad debt in default", a.Title)
	assert.Equal(t, uint64(42), a.Block)
	assert.Equal(t, "Bad debt in default\n"+
		"3 account(s) became insolvent at block 42\n"+
		"New bad-debt accounts: 3\n"+
		"Total bad-debt accounts: 10\n"+
		"Unrecoverable debt (USD): 1234.57", a.Text())

	done := RunFinishedAlert("default", 100, decimal.Zero, nil)
	assert.Equal(t, EventRunComplete, done.Event)
	assert.Equal(t, "Run default complete", done.Title)
	assert.Empty(t, done.Summary)

	failed := RunFinishedAlert("default", 7, decimal.Zero, errors.New("ledger invariant violated"))
	assert.Equal(t, EventRunFailed, failed.Event)
	assert.Equal(t, "Run default failed", failed.Title)
	assert.Contains(t, failed.Summary, "stopped after 7 block(s)")
}

func TestTelegramSender(t *testing.T) {
	var got telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "123")
	s.apiBase = srv.URL
	a := RunFinishedAlert("crash", 7, decimal.Zero, errors.New("feed: <eof>"))
	require.NoError(t, s.Send(context.Background(), a))

	assert.Equal(t, "123", got.ChatID)
	assert.Equal(t, "HTML", got.ParseMode)
	assert.Equal(t, "<b>Run crash failed</b>\n"+
		"stopped after 7 block(s): feed: &lt;eof&gt;\n"+
		"Blocks: <code>7</code>\n"+
		"Bad debt (USD): <code>0.00</code>", got.Text)
}

func TestTelegramSenderErrorHidesToken(t *testing.T) {
	s := NewTelegramSender("SECRET", "1")
	s.apiBase = "http://127.0.0.1:1"
	err := s.Send(context.Background(), Alert{Title: "t"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET")
}

func TestDiscordSenderEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := BadDebtAlert("crash", 12, 2, 5, decimal.RequireFromString("98000.5"))
	a.At = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), a))

	require.Len(t, got.Embeds, 1)
	e := got.Embeds[0]
	assert.Equal(t, "lendingsim", got.Username)
	assert.Equal(t, "Bad debt in crash", e.Title)
	assert.Equal(t, colorBadDebt, e.Color)
	assert.Equal(t, "run crash, block 12", e.Footer.Text)
	assert.Equal(t, "2026-03-01T12:00:00Z", e.Timestamp)
	require.Len(t, e.Fields, 3)
	assert.Equal(t, discordField{Name: "Unrecoverable debt (USD)", Value: "98000.50", Inline: true}, e.Fields[2])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad webhook", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Alert{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400: bad webhook")
}

func TestDiscordEmbedColours(t *testing.T) {
	assert.Equal(t, colorComplete, discordEmbedFor(RunFinishedAlert("r", 1, decimal.Zero, nil)).Color)
	assert.Equal(t, colorFailed, discordEmbedFor(RunFinishedAlert("r", 1, decimal.Zero, errors.New("x"))).Color)
	assert.Equal(t, colorDefault, discordEmbedFor(Alert{Event: EventLiquidation}).Color)
}
