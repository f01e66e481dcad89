// Package notify delivers operator alerts about simulation runs to chat
// channels. An Alert is dispatched to every registered sender (Telegram,
// Discord) when its event passes the configured filter.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Event types understood by the simulator.
const (
	EventBadDebt     = "bad_debt"
	EventRunComplete = "run_complete"
	EventRunFailed   = "run_failed"
	EventLiquidation = "liquidation"
)

// Field is one labelled detail of an alert. Senders render fields in order.
type Field struct {
	Name  string
	Value string
}

// Alert is a single operator notification about a run.
type Alert struct {
	Event   string
	Run     string
	Block   uint64
	Title   string
	Summary string
	Fields  []Field
	At      time.Time
}

// Text renders the alert as plain lines: title, summary, then one
// "name: value" line per field.
func (a Alert) Text() string {
	var b strings.Builder
	b.WriteString(a.Title)
	if a.Summary != "" {
		b.WriteString("\n")
		b.WriteString(a.Summary)
	}
	for _, f := range a.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
	}
	return b.String()
}

// Sender is a notification channel.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	Name() string
}

// Notifier forwards alerts whose event is enabled to every sender. A nil
// *Notifier drops everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	now     func() time.Time
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list enables every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether an alert for event would reach any sender.
func (n *Notifier) Enabled(event string) bool {
	if n == nil || len(n.senders) == 0 {
		return false
	}
	return len(n.events) == 0 || n.events[event]
}

// Notify delivers a to every sender. A failing sender does not stop delivery
// to the others; all failures are joined into the returned error.
func (n *Notifier) Notify(ctx context.Context, a Alert) error {
	if !n.Enabled(a.Event) {
		return nil
	}
	if a.At.IsZero() {
		a.At = n.now().UTC()
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, a); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", a.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// BadDebtAlert reports accounts that became insolvent in a block.
func BadDebtAlert(run string, block uint64, newUsers, totalUsers int, badDebtUSD decimal.Decimal) Alert {
	return Alert{
		Event:   EventBadDebt,
		Run:     run,
		Block:   block,
		Title:   fmt.Sprintf("Bad debt in %s", run),
		Summary: fmt.Sprintf("%d account(s) became insolvent at block %d", newUsers, block),
		Fields: []Field{
			{Name: "New bad-debt accounts", Value: fmt.Sprint(newUsers)},
			{Name: "Total bad-debt accounts", Value: fmt.Sprint(totalUsers)},
			{Name: "Unrecoverable debt (USD)", Value: badDebtUSD.StringFixed(2)},
		},
	}
}

// RunFinishedAlert reports the end of a run. A non-nil runErr produces the
// failure variant.
func RunFinishedAlert(run string, blocks uint64, badDebtUSD decimal.Decimal, runErr error) Alert {
	a := Alert{
		Event: EventRunComplete,
		Run:   run,
		Block: blocks,
		Title: fmt.Sprintf("Run %s complete", run),
		Fields: []Field{
			{Name: "Blocks", Value: fmt.Sprint(blocks)},
			{Name: "Bad debt (USD)", Value: badDebtUSD.StringFixed(2)},
		},
	}
	if runErr != nil {
		a.Event = EventRunFailed
		a.Title = fmt.Sprintf("Run %s failed", run)
		a.Summary = fmt.Sprintf("stopped after %d block(s): %v", blocks, runErr)
	}
	return a
}
