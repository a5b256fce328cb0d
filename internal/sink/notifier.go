package sink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Severity orders alert levels; Critical bypasses duplicate suppression.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// Notifier posts alerts to a Discord webhook. Repeated alerts with the
// same key are suppressed for the dedup TTL. A notifier without a
// webhook URL degrades to log-only.
type Notifier struct {
	webhook string
	ttl     time.Duration
	client  *http.Client
	logger  *log.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewNotifier builds a notifier for the webhook URL. An empty URL
// disables delivery.
func NewNotifier(webhook string, ttl time.Duration, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.New(os.Stderr, "alerts: ", log.LstdFlags)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Notifier{
		webhook:  webhook,
		ttl:      ttl,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Info sends an informational alert deduplicated by key.
func (n *Notifier) Info(key, format string, args ...any) {
	n.send(SeverityInfo, key, fmt.Sprintf(format, args...))
}

// Error sends an error alert deduplicated by key.
func (n *Notifier) Error(key, format string, args ...any) {
	n.send(SeverityError, key, fmt.Sprintf(format, args...))
}

// Critical sends an alert that is never suppressed.
func (n *Notifier) Critical(key, format string, args ...any) {
	n.send(SeverityCritical, key, fmt.Sprintf(format, args...))
}

func (n *Notifier) send(sev Severity, key, msg string) {
	n.logger.Printf("[%s] %s", sev, msg)

	if sev != SeverityCritical && n.suppressed(key) {
		return
	}
	if n.webhook == "" {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"content": fmt.Sprintf("[%s] %s", sev, msg),
	})
	if err != nil {
		n.logger.Printf("marshal alert: %v", err)
		return
	}
	resp, err := n.client.Post(n.webhook, "application/json", bytes.NewReader(payload))
	if err != nil {
		n.logger.Printf("deliver alert: %v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		n.logger.Printf("alert webhook returned %d", resp.StatusCode)
	}
}

// suppressed records the send attempt and reports whether the key is
// still within its TTL.
func (n *Notifier) suppressed(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.ttl {
		return true
	}
	n.lastSent[key] = now

	// Drop stale keys so the map does not grow unbounded.
	for k, t := range n.lastSent {
		if now.Sub(t) >= n.ttl {
			delete(n.lastSent, k)
		}
	}
	return false
}
