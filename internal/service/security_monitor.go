package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

// EventSearcher is the slice of the Elasticsearch client the monitor
// uses for lookbacks.
type EventSearcher interface {
	IndexDocument(ctx context.Context, index, id string, doc interface{}) error
	Search(ctx context.Context, index string, query map[string]interface{}) (map[string]interface{}, error)
}

// EventSink is the slice of the ClickHouse client the monitor writes
// audit rows through.
type EventSink interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

// SecurityMonitor is the audit trail: every authentication event lands
// as an append-only ClickHouse row and an Elasticsearch document. The
// ES index additionally answers "has this account used this device
// recently", which drives new-device alerts.
type SecurityMonitor struct {
	sink     EventSink
	searcher EventSearcher
	sessions SessionStore
	index    string
}

func NewSecurityMonitor(ch *client.ClickHouseClient, es *client.ESClient, sessions SessionStore, cfg *config.ElasticsearchConfig) *SecurityMonitor {
	var searcher EventSearcher
	if es != nil {
		searcher = &esSearcher{client: es}
	}
	return &SecurityMonitor{
		sink:     ch,
		searcher: searcher,
		sessions: sessions,
		index:    cfg.EventIndex,
	}
}

// esSearcher adapts the raw Elasticsearch client to the monitor's
// decoded-map view of search responses.
type esSearcher struct {
	client *client.ESClient
}

func (s *esSearcher) IndexDocument(ctx context.Context, index, id string, doc interface{}) error {
	res, err := s.client.IndexDocument(ctx, index, id, doc)
	if err != nil {
		return err
	}
	var ack map[string]interface{}
	return s.client.ParseResponse(res, &ack)
}

func (s *esSearcher) Search(ctx context.Context, index string, query map[string]interface{}) (map[string]interface{}, error) {
	res, err := s.client.Search(ctx, index, query)
	if err != nil {
		return nil, err
	}
	var body map[string]interface{}
	if err := s.client.ParseResponse(res, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// NewSecurityMonitorWith wires alternative backends, used by tests.
func NewSecurityMonitorWith(sink EventSink, searcher EventSearcher, sessions SessionStore, index string) *SecurityMonitor {
	return &SecurityMonitor{
		sink:     sink,
		searcher: searcher,
		sessions: sessions,
		index:    index,
	}
}

// Record captures an event in both backends. Failures are logged, never
// surfaced: an audit outage must not turn a successful login into an
// error.
func (m *SecurityMonitor) Record(ctx context.Context, event *model.SecurityEvent) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if m.sink != nil {
		g.Go(func() error {
			return m.sink.Exec(gctx, `
                INSERT INTO auth_events (
                    event_id, account_id, event_type, ip, fingerprint,
                    request_id, detail, occurred_at
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				event.EventID, event.AccountID, event.EventType, event.IP,
				event.Fingerprint, event.RequestID, event.Detail, event.OccurredAt)
		})
	}

	if m.searcher != nil {
		g.Go(func() error {
			return m.searcher.IndexDocument(gctx, m.index, event.EventID, event)
		})
	}

	if err := g.Wait(); err != nil {
		util.Warn("Failed to record security event",
			zap.String("event_type", event.EventType),
			zap.String("account_id", event.AccountID),
			zap.Error(err))
		return
	}

	util.Debug("Security event recorded",
		zap.String("event_type", event.EventType),
		zap.String("account_id", event.AccountID))
}

// RecentDeviceSeen reports whether an account produced any event from
// this device fingerprint in the last 24 hours. When the search backend
// is down it falls back to the durable session rows, and when both
// fail it reports true so an outage does not spray new-device alerts.
func (m *SecurityMonitor) RecentDeviceSeen(ctx context.Context, accountID, fingerprint string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if m.searcher != nil {
		seen, err := m.searchRecentDevice(ctx, accountID, fingerprint)
		if err == nil {
			return seen
		}
		util.Warn("Device lookback search failed, falling back to session rows",
			zap.String("account_id", accountID),
			zap.Error(err))
	}

	if m.sessions != nil {
		sessions, err := m.sessions.GetSessionsByAccount(ctx, accountID)
		if err == nil {
			cutoff := time.Now().Add(-24 * time.Hour)
			for _, session := range sessions {
				sessionFP := fmt.Sprintf("%s/%s/%s", session.Device, session.OS, session.Browser)
				if sessionFP == fingerprint && session.LastActivity.After(cutoff) {
					return true
				}
			}
			return false
		}
	}

	return true
}

func (m *SecurityMonitor) searchRecentDevice(ctx context.Context, accountID, fingerprint string) (bool, error) {
	query := map[string]interface{}{
		"size": 0,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"account_id": accountID}},
					map[string]interface{}{"term": map[string]interface{}{"fingerprint": fingerprint}},
					map[string]interface{}{"range": map[string]interface{}{
						"occurred_at": map[string]interface{}{"gte": "now-24h"},
					}},
				},
			},
		},
	}

	result, err := m.searcher.Search(ctx, m.index, query)
	if err != nil {
		return false, err
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return false, fmt.Errorf("unexpected search response shape")
	}
	total, ok := hits["total"].(map[string]interface{})
	if !ok {
		return false, fmt.Errorf("unexpected search response shape")
	}
	value, ok := total["value"].(float64)
	if !ok {
		return false, fmt.Errorf("unexpected search response shape")
	}

	return value > 0, nil
}
