package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"mizan/observability/metrics"
)

// Subscription describes one webhook destination. Events lists the event
// types delivered; an empty list receives everything.
type Subscription struct {
	Name      string   `yaml:"name"`
	URL       string   `yaml:"url"`
	Secret    string   `yaml:"secret"`
	Events    []string `yaml:"events"`
	RatePerSec float64 `yaml:"ratePerSec"`
}

// LoadSubscriptions reads webhook subscriptions from a YAML file.
func LoadSubscriptions(path string) ([]Subscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subscriptions: %w", err)
	}
	var doc struct {
		Subscriptions []Subscription `yaml:"subscriptions"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse subscriptions: %w", err)
	}
	for i, sub := range doc.Subscriptions {
		if strings.TrimSpace(sub.URL) == "" {
			return nil, fmt.Errorf("subscription %d: url required", i)
		}
	}
	return doc.Subscriptions, nil
}

func (s Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, t := range s.Events {
		if strings.EqualFold(t, eventType) {
			return true
		}
	}
	return false
}

const maxDeliveryAttempts = 5

// Dispatcher drains the queue and posts events to every matching
// subscription. Delivery is at-least-once; the engines never wait on it.
type Dispatcher struct {
	queue    *Queue
	subs     []Subscription
	limiters []*rate.Limiter
	client   *http.Client
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewDispatcher constructs a dispatcher over the supplied queue and
// subscriptions.
func NewDispatcher(queue *Queue, subs []Subscription, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	limiters := make([]*rate.Limiter, len(subs))
	for i, sub := range subs {
		perSec := sub.RatePerSec
		if perSec <= 0 {
			perSec = 10
		}
		limiters[i] = rate.NewLimiter(rate.Limit(perSec), 1)
	}
	return &Dispatcher{
		queue:    queue,
		subs:     subs,
		limiters: limiters,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		nowFn:    time.Now,
	}
}

// Run processes queued events until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	if d == nil || d.queue == nil {
		return
	}
	for {
		evt, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		for i, sub := range d.subs {
			if !sub.wants(evt.Type) {
				continue
			}
			if err := d.limiters[i].Wait(ctx); err != nil {
				return
			}
			d.deliver(ctx, sub, evt)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub Subscription, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		d.logger.Error("encode webhook payload", "subscription", sub.Name, "error", err)
		return
	}
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		if err := d.post(ctx, sub, payload); err == nil {
			metrics.Notify().RecordDelivery(sub.Name, "success")
			return
		} else {
			metrics.Notify().RecordDelivery(sub.Name, "failed")
			d.logger.Warn("webhook delivery failed",
				"subscription", sub.Name, "event", evt.Type, "attempt", attempt, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff(attempt)):
		}
	}
	metrics.Notify().RecordDropped("max_attempts", 1)
}

func (d *Dispatcher) post(ctx context.Context, sub Subscription, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Signature", signPayload(sub.Secret, payload))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
