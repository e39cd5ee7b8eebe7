// Package webhook delivers appointment events to HTTP endpoints registered
// per tenant. Payloads are signed with HMAC-SHA256 and delivered in the
// background with bounded retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/events"
)

const (
	StatusActive = "active"
	StatusPaused = "paused"

	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

var (
	ErrNotFound = errors.New("webhook not found")
	ErrClosed   = errors.New("webhook manager closed")
)

// Endpoint is a registered webhook destination owned by one tenant.
type Endpoint struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Delivery records one attempt to deliver an event to an endpoint.
type Delivery struct {
	ID           string          `json:"id"`
	EndpointID   string          `json:"endpointId"`
	EventType    string          `json:"eventType"`
	EventKey     string          `json:"eventKey"`
	Payload      json.RawMessage `json:"payload"`
	StatusCode   int             `json:"statusCode"`
	ResponseBody string          `json:"responseBody,omitempty"`
	Duration     time.Duration   `json:"durationNs"`
	Attempt      int             `json:"attempt"`
	Status       string          `json:"status"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Store persists endpoints and delivery attempts. Endpoint lookups are
// scoped to a tenant.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, tenantID, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, tenantID string) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, tenantID, id string) error
	RecordDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error)
}

// MemoryStore is a thread-safe, in-memory Store.
type MemoryStore struct {
	mu            sync.RWMutex
	endpoints     map[string]*Endpoint
	deliveries    map[string]*Delivery
	endpointOrder []string
	deliveryOrder []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints:  make(map[string]*Endpoint),
		deliveries: make(map[string]*Delivery),
	}
}

func copyEndpoint(ep *Endpoint) *Endpoint {
	cp := *ep
	cp.Events = append([]string(nil), ep.Events...)
	return &cp
}

func (s *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = copyEndpoint(ep)
	s.endpointOrder = append(s.endpointOrder, ep.ID)
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, tenantID, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok || ep.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copyEndpoint(ep), nil
}

func (s *MemoryStore) ListEndpoints(_ context.Context, tenantID string) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Endpoint{}
	for _, id := range s.endpointOrder {
		if ep := s.endpoints[id]; ep.TenantID == tenantID {
			out = append(out, copyEndpoint(ep))
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.endpoints[ep.ID]
	if !ok || cur.TenantID != ep.TenantID {
		return ErrNotFound
	}
	s.endpoints[ep.ID] = copyEndpoint(ep)
	return nil
}

func (s *MemoryStore) DeleteEndpoint(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok || ep.TenantID != tenantID {
		return ErrNotFound
	}
	delete(s.endpoints, id)
	for i, oid := range s.endpointOrder {
		if oid == id {
			s.endpointOrder = append(s.endpointOrder[:i], s.endpointOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[d.ID]; !exists {
		s.deliveryOrder = append(s.deliveryOrder, d.ID)
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// ListDeliveries returns an endpoint's attempts, newest first.
func (s *MemoryStore) ListDeliveries(_ context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Delivery
	for i := len(s.deliveryOrder) - 1; i >= 0; i-- {
		if d := s.deliveries[s.deliveryOrder[i]]; d.EndpointID == endpointID {
			cp := *d
			matched = append(matched, &cp)
		}
	}
	total := len(matched)
	if offset >= total {
		return []*Delivery{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// SignPayload returns the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
// Receivers use it to authenticate deliveries.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

type ManagerOption func(*Manager)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithRetryDelays sets the waits between attempts. An event is tried
// len(delays)+1 times before it is given up.
func WithRetryDelays(delays ...time.Duration) ManagerOption {
	return func(m *Manager) { m.retryDelays = delays }
}

// WithQueueSize bounds the number of events waiting for delivery.
func WithQueueSize(n int) ManagerOption {
	return func(m *Manager) { m.queueSize = n }
}

// Manager owns endpoint registration and event delivery. It implements
// events.Publisher: Publish only enqueues, a background worker delivers.
type Manager struct {
	store       Store
	logger      zerolog.Logger
	httpClient  *http.Client
	retryDelays []time.Duration
	queueSize   int

	mu     sync.RWMutex
	closed bool
	queue  chan events.Event
	done   chan struct{}
}

func NewManager(store Store, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		logger: logger,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second},
		queueSize:   256,
	}
	for _, o := range opts {
		o(m)
	}
	m.queue = make(chan events.Event, m.queueSize)
	m.done = make(chan struct{})
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	for ev := range m.queue {
		m.Deliver(context.Background(), ev)
	}
}

// Publish queues the event for delivery. A full queue drops the event.
func (m *Manager) Publish(_ context.Context, ev events.Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.queue <- ev:
	default:
		m.logger.Warn().Str("event_type", ev.Type).Str("key", ev.Key).Msg("webhook queue full, dropping event")
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be delivered.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()

	<-m.done
	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

// RegisterEndpoint validates and stores a new endpoint. An empty secret is
// replaced by a random one; no event patterns subscribes to everything.
func (m *Manager) RegisterEndpoint(ctx context.Context, tenantID, rawURL, secret string, patterns []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}

	ep := &Endpoint{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		URL:       rawURL,
		Secret:    secret,
		Events:    patterns,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (m *Manager) GetEndpoint(ctx context.Context, tenantID, id string) (*Endpoint, error) {
	return m.store.GetEndpoint(ctx, tenantID, id)
}

func (m *Manager) ListEndpoints(ctx context.Context, tenantID string) ([]*Endpoint, error) {
	return m.store.ListEndpoints(ctx, tenantID)
}

func (m *Manager) DeleteEndpoint(ctx context.Context, tenantID, id string) error {
	return m.store.DeleteEndpoint(ctx, tenantID, id)
}

// SetStatus pauses or resumes an endpoint.
func (m *Manager) SetStatus(ctx context.Context, tenantID, id, status string) (*Endpoint, error) {
	if status != StatusActive && status != StatusPaused {
		return nil, fmt.Errorf("status must be %q or %q", StatusActive, StatusPaused)
	}
	ep, err := m.store.GetEndpoint(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	ep.Status = status
	if err := m.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// eventMatches reports whether an event type matches a subscription
// pattern: exact ("appointment.cancelled"), "*", "appointment.*" or
// "*.cancelled".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep *Endpoint) matches(eventType string) bool {
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// Deliver sends the event to every active endpoint of its tenant that
// subscribes to the event type, retrying failures. It returns the final
// attempt per endpoint.
func (m *Manager) Deliver(ctx context.Context, ev events.Event) []*Delivery {
	endpoints, err := m.store.ListEndpoints(ctx, ev.TenantID)
	if err != nil {
		m.logger.Error().Err(err).Str("tenant", ev.TenantID).Msg("failed to list webhook endpoints")
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error().Err(err).Str("event_type", ev.Type).Msg("failed to encode webhook payload")
		return nil
	}

	var results []*Delivery
	for _, ep := range endpoints {
		if ep.Status != StatusActive || !ep.matches(ev.Type) {
			continue
		}
		results = append(results, m.deliverWithRetry(ctx, ep, ev.Type, ev.Key, payload))
	}
	return results
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep *Endpoint, eventType, key string, payload []byte) *Delivery {
	var d *Delivery
	for attempt := 1; ; attempt++ {
		d = m.send(ctx, ep, eventType, key, payload, attempt)
		if d.Status == DeliverySuccess || attempt > len(m.retryDelays) {
			break
		}
		select {
		case <-ctx.Done():
			return d
		case <-time.After(m.retryDelays[attempt-1]):
		}
	}
	if d.Status != DeliverySuccess {
		m.logger.Warn().
			Str("endpoint_id", ep.ID).
			Str("event_type", eventType).
			Int("attempts", d.Attempt).
			Str("error", d.Error).
			Msg("webhook delivery failed")
	}
	return d
}

// send makes a single signed POST and records the attempt.
func (m *Manager) send(ctx context.Context, ep *Endpoint, eventType, key string, payload []byte, attempt int) *Delivery {
	now := time.Now().UTC()
	d := &Delivery{
		ID:         uuid.New().String(),
		EndpointID: ep.ID,
		EventType:  eventType,
		EventKey:   key,
		Payload:    payload,
		Attempt:    attempt,
		Status:     DeliveryFailed,
		CreatedAt:  now,
	}
	defer func() {
		if err := m.store.RecordDelivery(ctx, d); err != nil {
			m.logger.Error().Err(err).Str("delivery_id", d.ID).Msg("failed to record webhook delivery")
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		d.Error = err.Error()
		return d
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	req.Header.Set("X-Webhook-ID", ep.ID)
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-Timestamp", now.Format(time.RFC3339))

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Error = err.Error()
		return d
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.ResponseBody = string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Status = DeliverySuccess
	} else {
		d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return d
}

// Redeliver sends a recorded delivery's payload again as a new attempt.
func (m *Manager) Redeliver(ctx context.Context, tenantID, deliveryID string) (*Delivery, error) {
	orig, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	ep, err := m.store.GetEndpoint(ctx, tenantID, orig.EndpointID)
	if err != nil {
		return nil, err
	}
	return m.send(ctx, ep, orig.EventType, orig.EventKey, orig.Payload, orig.Attempt+1), nil
}

// Ping sends a synthetic webhook.test event to one endpoint.
func (m *Manager) Ping(ctx context.Context, tenantID, id string) (*Delivery, error) {
	ep, err := m.store.GetEndpoint(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	ev := events.Event{
		Type:       "webhook.test",
		Key:        ep.ID,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Data:       map[string]bool{"test": true},
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return m.send(ctx, ep, ev.Type, ev.Key, payload, 1), nil
}

// Deliveries lists an endpoint's attempts after checking tenant ownership.
func (m *Manager) Deliveries(ctx context.Context, tenantID, id string, limit, offset int) ([]*Delivery, int, error) {
	if _, err := m.store.GetEndpoint(ctx, tenantID, id); err != nil {
		return nil, 0, err
	}
	return m.store.ListDeliveries(ctx, id, limit, offset)
}
