// Package loki is a minimal push-API client for Grafana Loki, adapted into a
// buffered zapcore.WriteSyncer (see Sink) so the routing service's structured
// logs can be tee'd to a log-aggregation backend the same way
// cmd/driftroute/main.go treats every other piece of optional infrastructure:
// absent when unconfigured, wired when an endpoint is given.
package loki

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Entry is a single log line destined for Loki, tagged with its own labels
// on top of the client's StaticLabels.
type Entry struct {
	Timestamp time.Time
	Line      string
	Labels    map[string]string
}

// Batch is a set of entries pushed in one request.
type Batch struct {
	Entries []Entry
}

// Client is a minimal Loki HTTP push-API client.
type Client struct {
	Endpoint     string
	HTTP         *http.Client
	StaticLabels map[string]string
}

// New builds a Client against endpoint, tagging every pushed entry with
// static.
func New(endpoint string, static map[string]string) *Client {
	return &Client{
		Endpoint:     endpoint,
		HTTP:         &http.Client{Timeout: 5 * time.Second},
		StaticLabels: static,
	}
}

// Push converts batch into Loki's /loki/api/v1/push stream schema and sends
// it gzip-compressed.
func (c *Client) Push(batch Batch) error {
	grouped := map[string][][2]string{}
	for _, e := range batch.Entries {
		labels := map[string]string{}
		for k, v := range c.StaticLabels {
			labels[k] = v
		}
		for k, v := range e.Labels {
			labels[k] = v
		}
		labelStr := labelSetString(labels)
		ts := e.Timestamp.UTC().UnixNano()
		grouped[labelStr] = append(grouped[labelStr], [2]string{formatNano(ts), e.Line})
	}

	streams := make([]map[string]any, 0, len(grouped))
	for l, values := range grouped {
		streams = append(streams, map[string]any{"stream": l, "values": values})
	}
	body := map[string]any{"streams": streams}

	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	if err := json.NewEncoder(gz).Encode(body); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.Endpoint+"/loki/api/v1/push", buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned status %d", resp.StatusCode)
	}
	return nil
}

func labelSetString(labels map[string]string) string {
	s := "{"
	first := true
	for k, v := range labels {
		if !first {
			s += ","
		}
		first = false
		s += k + `="` + v + `"`
	}
	return s + "}"
}

func formatNano(n int64) string { return strconv.FormatInt(n, 10) }

const (
	defaultFlushInterval = 2 * time.Second
	defaultBatchSize     = 100
)

// Sink batches zap's encoded log lines and flushes them to a Client on a
// timer or once defaultBatchSize lines have accumulated, so the logging path
// never blocks a request on a Loki round trip. It implements
// zapcore.WriteSyncer (Write + Sync), letting internal/logging mount it as a
// second zapcore.Core via zapcore.NewTee.
type Sink struct {
	client *Client
	labels map[string]string

	mu      sync.Mutex
	pending []Entry
	ticker  *time.Ticker
	done    chan struct{}
}

// NewSink starts a Sink pushing through client, tagging every line with
// labels in addition to the client's own StaticLabels.
func NewSink(client *Client, labels map[string]string) *Sink {
	s := &Sink{
		client: client,
		labels: labels,
		ticker: time.NewTicker(defaultFlushInterval),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Write satisfies io.Writer / zapcore.WriteSyncer: each call is one already-
// encoded log line from zap's core.
func (s *Sink) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)

	s.mu.Lock()
	s.pending = append(s.pending, Entry{Timestamp: nowFunc(), Line: string(line), Labels: s.labels})
	flush := len(s.pending) >= defaultBatchSize
	s.mu.Unlock()

	if flush {
		s.flush()
	}
	return len(p), nil
}

// Sync flushes any buffered lines immediately.
func (s *Sink) Sync() error {
	s.flush()
	return nil
}

// Close stops the background flush loop after a final flush.
func (s *Sink) Close() error {
	close(s.done)
	s.ticker.Stop()
	s.flush()
	return nil
}

func (s *Sink) loop() {
	for {
		select {
		case <-s.ticker.C:
			s.flush()
		case <-s.done:
			return
		}
	}
}

func (s *Sink) flush() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := Batch{Entries: s.pending}
	s.pending = nil
	s.mu.Unlock()

	// Push failures are swallowed: Loki is an optional observability sink,
	// never a reason to fail or block the routing request that produced the
	// log line.
	_ = s.client.Push(batch)
}

// nowFunc is indirected so tests can fake the clock if ever needed; in
// production it's just time.Now.
var nowFunc = time.Now
