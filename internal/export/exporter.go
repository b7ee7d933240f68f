// Package export ships routing decisions to downstream consumers in batches
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Defaults applied when the corresponding Config field is zero
const (
	DefaultBatchSize = 100
	DefaultInterval  = time.Minute
)

// Decision is one routing outcome worth reporting
type Decision struct {
	ID      string      `json:"id"`
	Kind    string      `json:"kind"`
	Chain   string      `json:"chain,omitempty"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// Config holds configuration for decision exporting
type Config struct {
	BatchSize int
	Interval  time.Duration

	WebhookURL    string
	WebhookAPIKey string

	// Redis stream receiving one entry per decision; disabled when empty
	Stream string
}

// Exporter batches decisions and flushes them on a timer or when the batch fills
type Exporter struct {
	cfg    Config
	client *retryablehttp.Client
	redis  redis.Cmdable

	mu         sync.Mutex
	batch      []Decision
	lastExport time.Time
	exported   int
	failed     int
	closed     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an exporter and starts its periodic flush
func New(cfg Config) *Exporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	ctx, cancel := context.WithCancel(context.Background())
	e := &Exporter{
		cfg:    cfg,
		client: client,
		batch:  make([]Decision, 0, cfg.BatchSize),
		cancel: cancel,
	}

	e.wg.Add(1)
	go e.periodicExport(ctx)

	logrus.WithFields(logrus.Fields{
		"batch_size": cfg.BatchSize,
		"interval":   cfg.Interval,
		"webhook":    cfg.WebhookURL != "",
	}).Info("Decision exporter initialized")
	return e
}

// WithRedis publishes every decision to cfg.Stream on client and returns the exporter
func (e *Exporter) WithRedis(client redis.Cmdable) *Exporter {
	e.redis = client
	return e
}

// Record queues d. A full batch is flushed in the background.
func (e *Exporter) Record(d Decision) {
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.batch = append(e.batch, d)
	full := len(e.batch) >= e.cfg.BatchSize
	if full {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if full {
		go func() {
			defer e.wg.Done()
			e.Flush(context.Background())
		}()
	}
}

func (e *Exporter) periodicExport(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Flush exports the current batch to every configured sink
func (e *Exporter) Flush(ctx context.Context) {
	e.mu.Lock()
	if len(e.batch) == 0 {
		e.mu.Unlock()
		return
	}
	decisions := e.batch
	e.batch = make([]Decision, 0, e.cfg.BatchSize)
	e.lastExport = time.Now()
	e.mu.Unlock()

	var (
		wg     sync.WaitGroup
		failed bool
		fmu    sync.Mutex
	)
	fail := func(sink string, err error) {
		logrus.WithError(err).WithField("sink", sink).Error("Failed to export decisions")
		fmu.Lock()
		failed = true
		fmu.Unlock()
	}

	if e.cfg.WebhookURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.exportToWebhook(ctx, decisions); err != nil {
				fail("webhook", err)
			}
		}()
	}

	if e.redis != nil && e.cfg.Stream != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.exportToStream(ctx, decisions); err != nil {
				fail("redis", err)
			}
		}()
	}

	wg.Wait()

	e.mu.Lock()
	if failed {
		e.failed += len(decisions)
	} else {
		e.exported += len(decisions)
	}
	e.mu.Unlock()
	logrus.Debugf("Exported %d routing decisions", len(decisions))
}

func (e *Exporter) exportToWebhook(ctx context.Context, decisions []Decision) error {
	body, err := json.Marshal(struct {
		Decisions  []Decision `json:"decisions"`
		ExportTime string     `json:"export_time"`
		Count      int        `json:"count"`
	}{
		Decisions:  decisions,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(decisions),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal decisions: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.WebhookAPIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("API error: status %d, body: %s", resp.StatusCode, msg)
	}
	return nil
}

func (e *Exporter) exportToStream(ctx context.Context, decisions []Decision) error {
	pipe := e.redis.Pipeline()
	for _, d := range decisions {
		payload, err := json.Marshal(d.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal decision %s: %w", d.ID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: e.cfg.Stream,
			Values: map[string]interface{}{
				"id":      d.ID,
				"kind":    d.Kind,
				"chain":   d.Chain,
				"at":      d.At.Unix(),
				"payload": string(payload),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stream %s: %w", e.cfg.Stream, err)
	}
	return nil
}

// Stop ends the periodic flush, waits for background exports and flushes what is left
func (e *Exporter) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.Flush(context.Background())
}

// Status reports exporter counters for the status endpoint
func (e *Exporter) Status() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := map[string]interface{}{
		"batch_size":      e.cfg.BatchSize,
		"export_interval": e.cfg.Interval.String(),
		"current_batch":   len(e.batch),
		"exported":        e.exported,
		"failed":          e.failed,
		"webhook_enabled": e.cfg.WebhookURL != "",
		"stream_enabled":  e.redis != nil && e.cfg.Stream != "",
	}
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.UTC().Format(time.RFC3339)
	}
	return status
}
