package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Embed colours per event.
const (
	colorBadDebt  = 0xC0392B
	colorFailed   = 0xE67E22
	colorComplete = 0x27AE60
	colorDefault  = 0x7F8C8D
)

// DiscordSender posts alerts to a Discord webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: webhookTimeout},
	}
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Footer      *discordFooter `json:"footer,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text"`
}

func (d *DiscordSender) Send(ctx context.Context, a Alert) error {
	if err := postJSON(ctx, d.client, d.webhookURL, discordPayload{
		Username: "lendingsim",
		Embeds:   []discordEmbed{discordEmbedFor(a)},
	}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }

func discordEmbedFor(a Alert) discordEmbed {
	e := discordEmbed{
		Title:       a.Title,
		Description: a.Summary,
		Color:       colorDefault,
		Footer:      &discordFooter{Text: fmt.Sprintf("run %s, block %d", a.Run, a.Block)},
	}
	switch a.Event {
	case EventBadDebt:
		e.Color = colorBadDebt
	case EventRunFailed:
		e.Color = colorFailed
	case EventRunComplete:
		e.Color = colorComplete
	}
	for _, f := range a.Fields {
		e.Fields = append(e.Fields, discordField{Name: f.Name, Value: f.Value, Inline: true})
	}
	if !a.At.IsZero() {
		e.Timestamp = a.At.UTC().Format(time.RFC3339)
	}
	return e
}
