// Package notify posts operational alerts to a Discord webhook. Delivery is
// fire-and-forget: events queue on a bounded channel and a single worker
// posts them, so a slow webhook never touches the request path.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	queueSize   = 64
	postTimeout = 5 * time.Second

	colorRed    = 0xe74c3c
	colorOrange = 0xe67e22
	colorYellow = 0xf1c40f
)

type event struct {
	title string
	body  string
	color int
}

// Discord is a webhook notifier. A zero URL disables it; every method
// becomes a no-op.
type Discord struct {
	url    string
	client *fasthttp.Client
	queue  chan event
	log    *slog.Logger
}

func NewDiscord(url string, log *slog.Logger) *Discord {
	if log == nil {
		log = slog.Default()
	}
	return &Discord{
		url:    url,
		client: &fasthttp.Client{ReadTimeout: postTimeout, WriteTimeout: postTimeout},
		queue:  make(chan event, queueSize),
		log:    log,
	}
}

// Enabled reports whether a webhook URL is configured.
func (d *Discord) Enabled() bool { return d.url != "" }

// Run delivers queued events until ctx is canceled.
func (d *Discord) Run(ctx context.Context) error {
	if !d.Enabled() {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case ev := <-d.queue:
			d.post(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// BillingOverrun alerts that a request cost more than the user's remaining
// balance.
func (d *Discord) BillingOverrun(userID string, overrun int64) {
	d.enqueue(event{
		title: "Billing overrun",
		body:  fmt.Sprintf("User `%s` exceeded their balance by %d credits.", userID, overrun),
		color: colorOrange,
	})
}

// ContentFlagged alerts that a moderation check flagged a request.
func (d *Discord) ContentFlagged(userID, model string) {
	d.enqueue(event{
		title: "Content flagged",
		body:  fmt.Sprintf("Moderation flagged a request from user `%s` (model `%s`).", userID, model),
		color: colorYellow,
	})
}

// ProviderUnhealthy alerts that a provider dropped to unhealthy.
func (d *Discord) ProviderUnhealthy(providerID string) {
	d.enqueue(event{
		title: "Provider unhealthy",
		body:  fmt.Sprintf("Provider `%s` is unhealthy and removed from selection.", providerID),
		color: colorRed,
	})
}

func (d *Discord) enqueue(ev event) {
	if !d.Enabled() {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.log.Warn("notification queue full, event dropped",
			slog.String("title", ev.title))
	}
}

type webhookPayload struct {
	Embeds []webhookEmbed `json:"embeds"`
}

type webhookEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

func (d *Discord) post(ev event) {
	body, err := json.Marshal(webhookPayload{
		Embeds: []webhookEmbed{{
			Title:       ev.title,
			Description: ev.body,
			Color:       ev.color,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		d.log.Error("notification payload marshal failed", slog.String("error", err.Error()))
		return
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(d.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := d.client.DoTimeout(req, resp, postTimeout); err != nil {
		d.log.Warn("notification delivery failed",
			slog.String("title", ev.title),
			slog.String("error", err.Error()))
		return
	}
	if code := resp.StatusCode(); code >= 300 {
		d.log.Warn("notification rejected",
			slog.String("title", ev.title),
			slog.Int("status", code))
	}
}
