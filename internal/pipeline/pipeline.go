// Package pipeline drives a single target through acquire, fetch, parse,
// dedupe-store, and release — the only place those five steps are wired
// together, shared by the Scheduler and the on-demand "fetch all now"
// operation.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nitterfetch/nitterfetch/internal/broker"
	"github.com/nitterfetch/nitterfetch/internal/feed"
	"github.com/nitterfetch/nitterfetch/internal/gateway"
	"github.com/nitterfetch/nitterfetch/internal/model"
	"github.com/nitterfetch/nitterfetch/internal/store"
)

// httpTimeout bounds every gateway request; it is the only hard timeout
// in the system besides the scheduler's sleep and the broker's heartbeat.
const httpTimeout = 20 * time.Second

// userAgentTransport injects the configured User-Agent into every
// outbound gateway request.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

// Pipeline fetches one target at a time through the Gateway Pool, the Feed
// Parser, and the Store, emitting lifecycle events to the Broker.
type Pipeline struct {
	store       *store.Store
	pool        *gateway.Pool
	parser      *feed.Parser
	broker      *broker.Broker
	client      *http.Client
	keepLastN   *int
	log         *zap.Logger
}

// New constructs a Pipeline. keepLastN, if non-nil, is the
// keep_only_last_n_per_target limit; pruning runs after every fetch when set.
func New(st *store.Store, pool *gateway.Pool, userAgent string, b *broker.Broker, keepLastN *int, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		store:  st,
		pool:   pool,
		parser: feed.New(),
		broker: b,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: &userAgentTransport{base: http.DefaultTransport, userAgent: userAgent},
		},
		keepLastN: keepLastN,
		log:       log,
	}
}

func targetURL(baseURL string, t model.Target) string {
	switch t.Kind {
	case model.TargetUser:
		return fmt.Sprintf("%s/%s/rss", baseURL, t.Value)
	default: // hashtag
		return fmt.Sprintf("%s/search/rss?f=tweets&q=%%23%s", baseURL, t.Value)
	}
}

// Run drives the Fetch Pipeline once for a single target, in the
// synchronous nine-step sequence: acquire, construct URL, GET, check
// status, parse, store with dedupe, prune, update fetch state, release.
func (p *Pipeline) Run(ctx context.Context, t model.Target) model.FetchSummary {
	lease, err := p.pool.Acquire()
	if err != nil {
		p.emitError(t, "", "no instance available")
		return model.FetchSummary{Target: t.Value, Error: "no instance available"}
	}

	url := targetURL(lease.BaseURL(), t)

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.pool.ReleaseFailure(lease, 0)
		return model.FetchSummary{Target: t.Value, Instance: lease.BaseURL(), Error: err.Error()}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.pool.ReleaseFailure(lease, 0)
		p.emitError(t, lease.BaseURL(), err.Error())
		return model.FetchSummary{Target: t.Value, Instance: lease.BaseURL(), Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		p.pool.ReleaseFailure(lease, resp.StatusCode)
		errMsg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		p.emitError(t, lease.BaseURL(), errMsg)
		return model.FetchSummary{Target: t.Value, Instance: lease.BaseURL(), Error: errMsg}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.pool.ReleaseFailure(lease, 0)
		p.emitError(t, lease.BaseURL(), err.Error())
		return model.FetchSummary{Target: t.Value, Instance: lease.BaseURL(), Error: err.Error()}
	}
	rtt := time.Since(start)

	entries := p.parser.Parse(body, resp.Header.Get("Content-Type"))

	newCount, firstID, storeErr := p.storeEntries(t, entries, lease.BaseURL())
	if storeErr != nil {
		// Store failure is fatal for this tick only: last_fetched_* is
		// left untouched, guaranteeing a retry next cycle.
		p.log.Error("store failure during fetch", zap.String("target", t.Value), zap.Error(storeErr))
		p.pool.ReleaseSuccess(lease, rtt)
		return model.FetchSummary{Target: t.Value, Instance: lease.BaseURL(), Error: storeErr.Error()}
	}

	if p.keepLastN != nil {
		if err := p.store.Prune(*p.keepLastN); err != nil {
			p.log.Error("prune failed", zap.Error(err))
		}
	}

	nowISO := time.Now().UTC().Format(time.RFC3339)
	if err := p.store.UpdateTargetFetchState(t.ID, firstID, nowISO); err != nil {
		p.log.Error("update target fetch state failed", zap.String("target", t.Value), zap.Error(err))
	}
	if p.broker != nil {
		p.broker.Publish("cooldown", map[string]interface{}{
			"target":       t.Value,
			"next_run_in":  t.PollIntervalSeconds,
		})
	}

	p.pool.ReleaseSuccess(lease, rtt)

	return model.FetchSummary{Target: t.Value, New: newCount, Instance: lease.BaseURL()}
}

// storeEntries writes every parsed entry through the store with dedupe,
// emitting a new_post event per newly inserted row, and returns the count
// of new rows plus the id of the first (newest) returned entry.
func (p *Pipeline) storeEntries(t model.Target, entries []feed.Entry, instance string) (newCount int, firstID string, err error) {
	now := time.Now().UTC().Format(time.RFC3339)
	if len(entries) > 0 {
		firstID = entries[0].ID
	}
	for _, e := range entries {
		content := e.Title
		if content == "" {
			content = e.Summary
		}
		createdAt := e.Published
		if createdAt == "" {
			createdAt = now
		}
		raw := string(e.Raw)
		if raw == "" {
			raw = "{}"
		}
		inserted, err := p.store.UpsertPost(model.Post{
			ID:        e.ID,
			Target:    t.Composite(),
			Content:   content,
			CreatedAt: createdAt,
			Raw:       raw,
			FetchedAt: now,
			Instance:  instance,
		})
		if err != nil {
			return newCount, firstID, err
		}
		if inserted {
			newCount++
			if p.broker != nil {
				p.broker.Publish("new_post", map[string]interface{}{
					"target":     t.Value,
					"target_id":  t.ID,
					"post_id":    e.ID,
					"created_at": createdAt,
				})
			}
		}
	}
	return newCount, firstID, nil
}

func (p *Pipeline) emitError(t model.Target, instance, message string) {
	if p.broker == nil {
		return
	}
	p.broker.Publish("error", map[string]interface{}{
		"target":   t.Value,
		"message":  message,
		"instance": instance,
	})
}

// RunAll drives Run once over every registered target, sequentially, and
// returns the aggregate result shared by the REST on-demand endpoint.
func RunAll(ctx context.Context, p *Pipeline, st *store.Store) (model.OnDemandResult, error) {
	targets, err := st.GetTargets()
	if err != nil {
		return model.OnDemandResult{}, fmt.Errorf("on-demand fetch: %w", err)
	}
	result := model.OnDemandResult{
		NewCountsByTarget: make(map[string]int, len(targets)),
	}
	for _, t := range targets {
		summary := p.Run(ctx, t)
		result.NewCountsByTarget[t.Value] = summary.New
		if summary.Error != "" {
			result.FailedInstances = append(result.FailedInstances, model.OnDemandFailure{
				Instance: summary.Instance,
				Error:    summary.Error,
				Target:   t.Value,
			})
		}
	}
	return result, nil
}
