package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"internline/internal/config"
	"internline/internal/events"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookQueue   = 1024
)

// ErrWebhookQueueFull is returned by Handle when deliveries back up.
var ErrWebhookQueueFull = errors.New("webhook queue full")

// Dispatcher posts interned events to the configured webhooks. Handle only
// enqueues; deliveries happen on the goroutine started by Start.
type Dispatcher struct {
	hooks  []config.WebhookConfig
	client *http.Client
	logger *slog.Logger
	queue  chan events.Event
}

var _ events.Listener = (*Dispatcher)(nil)

func NewDispatcher(hooks []config.WebhookConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		logger: logger,
		queue:  make(chan events.Event, defaultWebhookQueue),
	}
}

// StartWebhooks subscribes a dispatcher to bus and runs it until ctx ends.
// It returns nil when no webhooks are configured.
func StartWebhooks(ctx context.Context, bus *events.Bus, hooks []config.WebhookConfig, logger *slog.Logger) *Dispatcher {
	active := make([]config.WebhookConfig, 0, len(hooks))
	for _, h := range hooks {
		if strings.TrimSpace(h.URL) != "" {
			active = append(active, h)
		}
	}
	if len(active) == 0 {
		return nil
	}
	d := NewDispatcher(active, logger)
	d.Start(ctx)
	bus.Subscribe(d)
	return d
}

func (d *Dispatcher) Handle(_ context.Context, evt events.Event) error {
	select {
	case d.queue <- evt:
		return nil
	default:
		return ErrWebhookQueueFull
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-d.queue:
			d.dispatch(ctx, evt)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, evt events.Event) {
	for _, hook := range d.hooks {
		if !newEventFilter(hook.Events).match(evt.Type) {
			continue
		}
		if err := d.Deliver(ctx, hook, evt); err != nil {
			d.logger.Warn("webhook delivery failed", "url", hook.URL, "type", evt.Type, "error", err)
		}
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in
// X-Internline-Signature.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver posts one event to hook and fails on any non-2xx response.
func (d *Dispatcher) Deliver(ctx context.Context, hook config.WebhookConfig, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.Timeout > 0 {
		timeout = hook.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internline-Event", evt.Type)
	req.Header.Set("X-Internline-Delivery", uuid.NewString())
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Internline-Signature", Sign(hook.Secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
