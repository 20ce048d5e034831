package stats

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/statlink-project/statlink/internal/connector"
)

// Event names understood by the endpoint.
const (
	EventUpdateStats = "updateStats"
	EventJoinRoom    = "joinRoom"
	EventPing        = "ping"
)

// Transport is the part of the connector the reporter needs.
type Transport interface {
	SubmitEvent(name string, payload interface{}) error
	Credentials() connector.Credentials
	SetCredentials(accessKey string)
	SetPlayerID(playerID string)
}

// Result mirrors an HTTP-style outcome for a stats send.
type Result struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// Reporter builds payloads from an Aggregator and submits them.
type Reporter struct {
	transport  Transport
	aggregator *Aggregator
	maxBytes   int
	now        func() time.Time

	mu         sync.Mutex
	authWarned bool
}

// NewReporter creates a reporter. maxBytes caps the encoded payload; zero
// uses the connector default.
func NewReporter(transport Transport, aggregator *Aggregator, maxBytes int) *Reporter {
	if maxBytes <= 0 {
		maxBytes = connector.DefaultMaxPayloadBytes
	}
	return &Reporter{
		transport:  transport,
		aggregator: aggregator,
		maxBytes:   maxBytes,
		now:        time.Now,
	}
}

// Aggregator returns the aggregator the reporter reads from.
func (r *Reporter) Aggregator() *Aggregator {
	return r.aggregator
}

// SendStats queues the current snapshot for playerID. An empty playerID
// keeps the one already set on the transport.
func (r *Reporter) SendStats(playerID string) Result {
	if playerID != "" {
		r.transport.SetPlayerID(playerID)
	}
	creds := r.transport.Credentials()

	_, data, err := BuildPayload(creds, creds.PlayerID, r.aggregator.Snapshot(), r.maxBytes, r.now())
	switch {
	case errors.Is(err, ErrAuthMissing):
		r.warnAuthOnce()
		return Result{Success: false, StatusCode: http.StatusUnauthorized, Message: "access key missing"}
	case errors.Is(err, ErrNoContent):
		return Result{Success: true, StatusCode: http.StatusNoContent, Message: "no content"}
	case err != nil:
		return resultFor(err)
	}
	r.clearAuthWarning()

	if err := r.transport.SubmitEvent(EventUpdateStats, json.RawMessage(data)); err != nil {
		return resultFor(err)
	}

	log.Debug().Str("player_id", creds.PlayerID).Int("bytes", len(data)).Msg("stats update queued")
	return Result{Success: true, StatusCode: http.StatusAccepted, Message: "queued"}
}

// JoinRoom optionally replaces the access key and player id, then queues a
// joinRoom event with the resulting credentials.
func (r *Reporter) JoinRoom(key, playerID string) error {
	if key != "" {
		r.transport.SetCredentials(key)
	}
	if playerID != "" {
		r.transport.SetPlayerID(playerID)
	}

	creds := r.transport.Credentials()
	p := JoinRoomPayload{Key: creds.AccessKey, PlayerID: creds.PlayerID}
	if creds.UseSecretAuth {
		p.SecretKey = creds.SecretKey
	}

	if err := r.transport.SubmitEvent(EventJoinRoom, p); err != nil {
		log.Error().Err(err).Msg("failed to queue joinRoom")
		return err
	}
	log.Debug().Str("player_id", creds.PlayerID).Msg("join room queued")
	return nil
}

// Ping queues an application-level ping event.
func (r *Reporter) Ping() error {
	creds := r.transport.Credentials()
	if err := r.transport.SubmitEvent(EventPing, PingPayload{Key: creds.AccessKey}); err != nil {
		log.Warn().Err(err).Msg("failed to queue ping")
		return err
	}
	return nil
}

func (r *Reporter) warnAuthOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.authWarned {
		return
	}
	r.authWarned = true
	log.Error().Msg("secret auth enabled but no access key is set, stats are not sent until one is configured")
}

func (r *Reporter) clearAuthWarning() {
	r.mu.Lock()
	r.authWarned = false
	r.mu.Unlock()
}

func resultFor(err error) Result {
	switch {
	case errors.Is(err, connector.ErrPayloadTooLarge):
		return Result{Success: false, StatusCode: http.StatusRequestEntityTooLarge, Message: "payload too large"}
	case errors.Is(err, connector.ErrQueueFull):
		return Result{Success: false, StatusCode: http.StatusServiceUnavailable, Message: "local queue full"}
	case errors.Is(err, connector.ErrClosed):
		return Result{Success: false, StatusCode: http.StatusGone, Message: "client closed"}
	default:
		return Result{Success: false, StatusCode: http.StatusInternalServerError, Message: err.Error()}
	}
}

// ResultFor maps a SubmitEvent error to the same status codes SendStats uses.
func ResultFor(err error) Result {
	if err == nil {
		return Result{Success: true, StatusCode: http.StatusAccepted, Message: "queued"}
	}
	return resultFor(err)
}
