package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"annolab/internal/config"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultSinkTimeout      = 5 * time.Second
	defaultDispatchBatch    = 100
)

// Dispatcher polls pending tasks and delivers them to configured HTTP
// sinks. A task is done once every matching sink accepted it; a refused
// delivery marks it failed with the sink's error, and failed tasks can
// be retried through the store.
type Dispatcher struct {
	Store    Store
	Project  string
	Sinks    []config.SinkConfig
	Client   *http.Client
	Log      zerolog.Logger
	Interval time.Duration
}

func NewDispatcher(store Store, projectID string, sinks []config.SinkConfig, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Store:    store,
		Project:  projectID,
		Sinks:    sinks,
		Client:   &http.Client{Timeout: defaultSinkTimeout},
		Log:      log,
		Interval: defaultDispatchInterval,
	}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce claims and delivers one batch of pending tasks.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	tasks, err := d.Store.Pending(ctx, d.Project, defaultDispatchBatch)
	if err != nil {
		d.Log.Error().Err(err).Msg("fetch pending tasks")
		return
	}
	for _, t := range tasks {
		claimed, err := d.Store.Claim(ctx, t.ID)
		if err != nil {
			d.Log.Error().Err(err).Int64("task_id", t.ID).Msg("claim task")
			return
		}
		if !claimed {
			continue
		}
		if err := d.deliver(ctx, t); err != nil {
			d.Log.Warn().Err(err).Int64("task_id", t.ID).Str("kind", t.Kind).Msg("task delivery failed")
			if ferr := d.Store.Fail(ctx, t.ID, err.Error()); ferr != nil {
				d.Log.Error().Err(ferr).Int64("task_id", t.ID).Msg("mark task failed")
			}
			continue
		}
		if err := d.Store.Complete(ctx, t.ID); err != nil {
			d.Log.Error().Err(err).Int64("task_id", t.ID).Msg("mark task done")
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, t Task) error {
	for _, sink := range d.Sinks {
		if sink.Enabled != nil && !*sink.Enabled {
			continue
		}
		if strings.TrimSpace(sink.URL) == "" {
			continue
		}
		if !kindMatches(sink.Kinds, t.Kind) {
			continue
		}
		if err := d.post(ctx, sink, t); err != nil {
			return fmt.Errorf("sink %s: %w", sink.URL, err)
		}
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, sink config.SinkConfig, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultSinkTimeout}
	}
	if sink.TimeoutSeconds > 0 {
		timeout := time.Duration(sink.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Annolab-Task", t.Kind)
	req.Header.Set("X-Annolab-Delivery", fmt.Sprintf("%d", t.ID))
	req.Header.Set("X-Annolab-Project", t.ProjectID)
	if strings.TrimSpace(sink.Secret) != "" {
		req.Header.Set("X-Annolab-Secret", sink.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func kindMatches(kinds []string, kind string) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if strings.TrimSpace(k) == kind {
			return true
		}
	}
	return false
}
