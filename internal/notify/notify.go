// Package notify pushes engine activity to an external endpoint: every
// event as a JSON webhook, plus an optional periodic heartbeat with the
// engines' stats.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/cleverdata/hotfold/internal/engine"
)

// Webhook is an engine.Sink that POSTs events to a URL. Delivery is
// asynchronous behind a bounded queue so a slow endpoint cannot stall an
// engine's control loop; when the queue is full events are dropped with a
// warning.
type Webhook struct {
	client *resty.Client
	url    string
	token  string
	log    zerolog.Logger

	queue chan engine.Event
	stop  chan struct{}
	once  sync.Once
	idle  chan struct{}
}

func NewWebhook(url, token string, log zerolog.Logger) *Webhook {
	w := &Webhook{
		client: resty.New().SetTimeout(10 * time.Second),
		url:    url,
		token:  token,
		log:    log,
		queue:  make(chan engine.Event, 256),
		stop:   make(chan struct{}),
		idle:   make(chan struct{}),
	}
	go w.pump()
	return w
}

func (w *Webhook) Emit(ev engine.Event) {
	select {
	case <-w.stop:
		return
	default:
	}
	select {
	case w.queue <- ev:
	default:
		w.log.Warn().Str("event", string(ev.Type)).Msg("webhook queue full, dropping event")
	}
}

// Close stops delivery. Events still queued are dropped, like any other
// missed webhook.
func (w *Webhook) Close() {
	w.once.Do(func() { close(w.stop) })
	<-w.idle
}

func (w *Webhook) pump() {
	defer close(w.idle)
	for {
		select {
		case ev := <-w.queue:
			w.post(ev)
		case <-w.stop:
			return
		}
	}
}

func (w *Webhook) post(ev engine.Event) {
	req := w.client.R().SetBody(ev)
	if w.token != "" {
		req.SetHeader("Authorization", "Bearer "+w.token)
	}
	resp, err := req.Post(w.url)
	if err != nil {
		w.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("webhook delivery failed")
		return
	}
	if resp.StatusCode() >= 300 {
		w.log.Warn().Int("status", resp.StatusCode()).Str("event", string(ev.Type)).Msg("webhook rejected")
	}
}

// Heartbeat POSTs a stats snapshot to url every interval until ctx is
// cancelled. It blocks; run it on its own goroutine.
func Heartbeat(ctx context.Context, url, token string, interval time.Duration, stats func() []engine.Stats, log zerolog.Logger) {
	client := resty.New().SetTimeout(10 * time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			req := client.R().
				SetContext(ctx).
				SetBody(map[string]any{
					"time":    time.Now().UTC(),
					"folders": stats(),
				})
			if token != "" {
				req.SetHeader("Authorization", "Bearer "+token)
			}
			resp, err := req.Post(url)
			if err != nil {
				log.Warn().Err(err).Msg("heartbeat failed")
			} else if resp.StatusCode() != 200 {
				log.Warn().Int("status", resp.StatusCode()).Msg("heartbeat rejected")
			}
		case <-ctx.Done():
			return
		}
	}
}
