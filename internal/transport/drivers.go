// Package transport implements the outbound channel drivers. Every driver
// refuses to deliver unless the request context carries the router-active
// flag, so the attention router stays the single outbound gate.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/metrics"
	"github.com/karlvoss/adjutant/internal/routerctx"
)

// Channel names.
const (
	ChannelSignal   = "signal"
	ChannelObsidian = "obsidian"
	ChannelDigest   = "digest"
	ChannelWeb      = "web"
)

// KnownChannel reports whether name is a deliverable channel token.
func KnownChannel(name string) bool {
	switch name {
	case ChannelSignal, ChannelObsidian, ChannelDigest, ChannelWeb:
		return true
	}
	return false
}

// OutboundMessage is one routed notification ready for delivery.
type OutboundMessage struct {
	Owner       string    `json:"owner"`
	SignalRef   string    `json:"signal_reference"`
	SignalType  string    `json:"signal_type"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	ContentType string    `json:"content_type"`
	Timestamp   time.Time `json:"timestamp"`
}

// Driver is the interface for all delivery backends.
type Driver interface {
	// Deliver sends one message. Returns an error if delivery fails.
	Deliver(ctx context.Context, msg OutboundMessage) error

	// Channel returns the channel name this driver serves.
	Channel() string
}

// guard enforces the router-active invariant. A call without the flag is
// recorded and rejected; it never reaches the wire.
func guard(ctx context.Context, channel string, msg OutboundMessage) error {
	if routerctx.IsRouterActive(ctx) {
		return nil
	}
	routerctx.Default().Record(routerctx.Violation{
		Channel:   channel,
		SignalRef: msg.SignalRef,
		Caller:    callerName(),
	})
	metrics.RouterViolationsTotal.Inc()
	return apperr.E(apperr.KindRouterViolation, "delivery to %s attempted outside the router", channel)
}

func callerName() string {
	// Skip callerName, guard, and Deliver itself.
	pc, _, _, ok := runtime.Caller(3)
	if !ok {
		return "unknown"
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		return fn.Name()
	}
	return "unknown"
}

// --- Signal ---

// SignalDriver posts messages to a signal-cli style HTTP gateway.
type SignalDriver struct {
	GatewayURL string
	client     *http.Client
	log        logr.Logger
}

// NewSignalDriver creates a Signal delivery driver.
func NewSignalDriver(gatewayURL string, log logr.Logger) *SignalDriver {
	return &SignalDriver{
		GatewayURL: gatewayURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

func (s *SignalDriver) Channel() string { return ChannelSignal }

func (s *SignalDriver) Deliver(ctx context.Context, msg OutboundMessage) error {
	if err := guard(ctx, ChannelSignal, msg); err != nil {
		return err
	}

	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + msg.Body
	}
	payload := map[string]interface{}{
		"recipient": msg.Owner,
		"message":   text,
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", s.GatewayURL+"/v2/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("signal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, err, "signal send")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return apperr.E(apperr.KindProvider, "signal gateway returned %d: %s", resp.StatusCode, string(respBody))
	}

	s.log.Info("signal delivered", "owner", msg.Owner, "signal_ref", msg.SignalRef)
	return nil
}

// --- Obsidian ---

// ObsidianDriver appends notifications as markdown sections to a daily note
// inside the vault directory.
type ObsidianDriver struct {
	VaultDir string
	Folder   string // subfolder inside the vault, default "Adjutant"
	log      logr.Logger
}

// NewObsidianDriver creates an Obsidian vault driver.
func NewObsidianDriver(vaultDir string, log logr.Logger) *ObsidianDriver {
	return &ObsidianDriver{VaultDir: vaultDir, Folder: "Adjutant", log: log}
}

func (o *ObsidianDriver) Channel() string { return ChannelObsidian }

func (o *ObsidianDriver) Deliver(ctx context.Context, msg OutboundMessage) error {
	if err := guard(ctx, ChannelObsidian, msg); err != nil {
		return err
	}

	dir := filepath.Join(o.VaultDir, o.Folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindProvider, err, "obsidian vault dir")
	}

	ts := msg.Timestamp.UTC()
	note := filepath.Join(dir, ts.Format("2006-01-02")+".md")

	var b strings.Builder
	fmt.Fprintf(&b, "\n## %s %s\n\n", ts.Format("15:04"), msg.Subject)
	b.WriteString(msg.Body)
	b.WriteString("\n")
	fmt.Fprintf(&b, "\n> ref: %s\n", msg.SignalRef)

	f, err := os.OpenFile(note, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, err, "obsidian note open")
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		return apperr.Wrap(apperr.KindProvider, err, "obsidian note append")
	}

	o.log.Info("obsidian note appended", "note", note, "signal_ref", msg.SignalRef)
	return nil
}

// --- Web ---

// WebDriver posts JSON notifications to a webhook endpoint.
type WebDriver struct {
	URL     string
	Headers map[string]string // optional auth headers
	client  *http.Client
	log     logr.Logger
}

// NewWebDriver creates a webhook delivery driver.
func NewWebDriver(url string, headers map[string]string, log logr.Logger) *WebDriver {
	return &WebDriver{
		URL:     url,
		Headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

func (w *WebDriver) Channel() string { return ChannelWeb }

func (w *WebDriver) Deliver(ctx context.Context, msg OutboundMessage) error {
	if err := guard(ctx, ChannelWeb, msg); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"owner":            msg.Owner,
		"signal_reference": msg.SignalRef,
		"signal_type":      msg.SignalType,
		"subject":          msg.Subject,
		"body":             msg.Body,
		"content_type":     msg.ContentType,
		"timestamp":        msg.Timestamp.UTC().Format(time.RFC3339),
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("web request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, err, "web send")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return apperr.E(apperr.KindProvider, "webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	w.log.Info("web delivered", "owner", msg.Owner, "signal_ref", msg.SignalRef)
	return nil
}

// --- Digest ---

// BatchSink receives messages destined for a digest instead of immediate
// delivery. The attention batching store implements this.
type BatchSink interface {
	Hold(ctx context.Context, msg OutboundMessage) error
}

// DigestDriver diverts messages into the batch holding area; they leave the
// system later as a materialized digest.
type DigestDriver struct {
	sink BatchSink
	log  logr.Logger
}

// NewDigestDriver creates a digest driver backed by sink.
func NewDigestDriver(sink BatchSink, log logr.Logger) *DigestDriver {
	return &DigestDriver{sink: sink, log: log}
}

func (d *DigestDriver) Channel() string { return ChannelDigest }

func (d *DigestDriver) Deliver(ctx context.Context, msg OutboundMessage) error {
	if err := guard(ctx, ChannelDigest, msg); err != nil {
		return err
	}
	if err := d.sink.Hold(ctx, msg); err != nil {
		return apperr.Wrap(apperr.KindProvider, err, "digest hold")
	}
	d.log.Info("held for digest", "owner", msg.Owner, "signal_ref", msg.SignalRef)
	return nil
}

// --- Registry ---

// Registry maps channel names to drivers.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry creates a registry over the given drivers.
func NewRegistry(drivers ...Driver) *Registry {
	m := make(map[string]Driver, len(drivers))
	for _, d := range drivers {
		m[d.Channel()] = d
	}
	return &Registry{drivers: m}
}

// Lookup returns the driver for a channel, or nil.
func (r *Registry) Lookup(channel string) Driver {
	return r.drivers[channel]
}
