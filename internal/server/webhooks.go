package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskdesk/internal/config"
	"taskdesk/internal/domain"
	"taskdesk/internal/metrics"
	"taskdesk/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher polls the event log and POSTs new events to each
// configured endpoint. Cursors live in memory: a restart only delivers
// events appended after it.
type WebhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *zap.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]string
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, log *zap.Logger) *WebhookDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookDispatcher{
		repo:     r,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log,
		interval: defaultWebhookInterval,
		cursors:  make(map[int]string),
	}
}

// StartWebhooks runs a dispatcher until ctx is done. It is a no-op without
// configured hooks.
func StartWebhooks(ctx context.Context, r repo.Repo, hooks []config.WebhookConfig, log *zap.Logger) {
	if len(hooks) == 0 {
		return
	}
	d := NewWebhookDispatcher(r, hooks, log)
	// Pin cursors before the first tick so only new events go out.
	d.DispatchAll(ctx)
	go d.run(ctx)
}

func (d *WebhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DispatchAll(ctx)
		}
	}
}

// DispatchAll makes one delivery pass over every enabled hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, fresh := d.cursorFor(ctx, idx)
	if fresh {
		return
	}
	evts, err := d.repo.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.Warn("webhook: fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			metrics.ObserveWebhookDelivery("error")
			d.log.Warn("webhook: delivery failed", zap.String("url", hook.URL), zap.String("event_id", evt.ID), zap.Error(err))
			return
		}
		metrics.ObserveWebhookDelivery("ok")
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor returns the hook's cursor. On first use it is pinned to the
// newest event and fresh is true.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (cursor string, fresh bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, false
	}
	cur, err := d.repo.LatestEventID(ctx)
	if err != nil {
		d.log.Warn("webhook: init cursor failed", zap.Error(err))
		cur = ""
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(idx int, value string) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Taskdesk-Event", evt.Type)
	req.Header.Set("X-Taskdesk-Delivery", evt.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Taskdesk-Secret", hook.Secret)
	}
	res, err := client.Do(req)
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

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
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
