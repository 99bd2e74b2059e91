// Package clients checks client ids against the kiosk client registry before
// the livestream endpoints accept uploads or signaling connections for them.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

var (
	// ErrUnknownClient is returned for client ids the registry does not know
	// or has not approved.
	ErrUnknownClient = errors.New("unknown client")

	// ErrRegistryUnavailable is returned when the registry cannot be reached
	// or its circuit breaker is open.
	ErrRegistryUnavailable = errors.New("client registry unavailable")
)

// StatusApproved is the registry status that admits a client.
const StatusApproved = "approved"

// Validator decides whether a client id may stream.
type Validator interface {
	Validate(ctx context.Context, clientID string) error
}

// AllowAll accepts every non-empty client id.
type AllowAll struct{}

// Validate implements Validator.
func (AllowAll) Validate(_ context.Context, clientID string) error {
	if clientID == "" {
		return ErrUnknownClient
	}
	return nil
}

// Allowlist accepts a fixed set of client ids.
type Allowlist struct {
	ids map[string]struct{}
}

// NewAllowlist returns an Allowlist of the given ids. Blank entries are ignored.
func NewAllowlist(ids []string) *Allowlist {
	a := &Allowlist{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			a.ids[id] = struct{}{}
		}
	}
	return a
}

// Validate implements Validator.
func (a *Allowlist) Validate(_ context.Context, clientID string) error {
	if _, ok := a.ids[clientID]; !ok {
		return ErrUnknownClient
	}
	return nil
}

// HTTPRegistry asks the client registry service for a client's status via
// GET <baseURL>/clients/{id}. Transport failures and 5xx responses count
// against a circuit breaker; unknown clients do not.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker[struct{}]
	log     *slog.Logger
}

// NewHTTPRegistry returns a registry client for baseURL. A nil httpClient
// uses a client with a 5 second timeout.
func NewHTTPRegistry(baseURL string, httpClient *http.Client, log *slog.Logger) *HTTPRegistry {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	r := &HTTPRegistry{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httpClient,
		log:     log,
	}
	r.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "client-registry",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnknownClient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return r
}

type clientRecord struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Validate implements Validator.
func (r *HTTPRegistry) Validate(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrUnknownClient
	}
	_, err := r.cb.Execute(func() (struct{}, error) {
		return struct{}{}, r.lookup(ctx, clientID)
	})
	switch {
	case err == nil, errors.Is(err, ErrUnknownClient):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrRegistryUnavailable
	default:
		r.log.Error("client registry lookup failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
}

func (r *HTTPRegistry) lookup(ctx context.Context, clientID string) error {
	endpoint := r.baseURL + "/clients/" + url.PathEscape(clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUnknownClient
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("registry returned %d", resp.StatusCode)
	}

	var rec clientRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return fmt.Errorf("decode registry response: %w", err)
	}
	if !strings.EqualFold(rec.Status, StatusApproved) {
		return ErrUnknownClient
	}
	return nil
}
