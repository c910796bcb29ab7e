package alert

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Notifier delivers finance and health alerts to an external webhook.
// Delivery is best effort: sends are queued and posted by a single
// goroutine so callers never block on the network, and failures are
// logged but not surfaced.
type Notifier struct {
	url    string
	client *http.Client
	log    *slog.Logger
	queue  chan string
	done   chan struct{}
}

// New returns a Notifier posting to url. An empty url yields a no-op
// notifier that drops every message silently.
func New(url string, log *slog.Logger) *Notifier {
	n := &Notifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log,
		queue:  make(chan string, 64),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify enqueues an alert message. It never blocks: if the queue is
// full the message is dropped and counted against the webhook.
func (n *Notifier) Notify(msg string) {
	if n.url == "" {
		return
	}
	select {
	case n.queue <- msg:
	default:
		n.log.Warn("alert queue full, dropping message")
	}
}

// Close stops the delivery goroutine after draining queued messages.
func (n *Notifier) Close() {
	close(n.queue)
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for msg := range n.queue {
		n.post(msg)
	}
}

func (n *Notifier) post(msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewBufferString(msg))
	if err != nil {
		n.log.Warn("alert webhook request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("alert webhook unreachable", "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn("alert webhook rejected message", "status", resp.StatusCode)
	}
}
