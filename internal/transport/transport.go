// Package transport sends envelopes to the server over HTTPS.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/config"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/logging"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/metrics"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
)

const DefaultTimeout = 30 * time.Second

type IdentitySource interface {
	Identity() config.Identity
}

type Resolver interface {
	Resolve(opType protocol.OperationType) (path, method string)
}

// RoutingError means an operation type has no entry in the route table.
// Retrying cannot help until the table changes.
type RoutingError struct {
	Type   protocol.OperationType
	Path   string
	Method string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no response uri and/or request method for %s: response_uri=%q request_method=%q", e.Type, e.Path, e.Method)
}

type Transport struct {
	client   *resty.Client
	identity IdentitySource
	router   Resolver
	logger   log.FieldLogger
}

type Option func(*Transport)

func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.client.SetTimeout(d)
	}
}

func WithLogger(logger log.FieldLogger) Option {
	return func(t *Transport) {
		t.logger = logger
		t.client.SetLogger(logger)
	}
}

func New(identity IdentitySource, router Resolver, opts ...Option) *Transport {
	client := resty.New().
		SetTimeout(DefaultTimeout).
		SetRetryCount(0).
		SetAllowGetMethodPayload(true).
		// Agents trust the configured address rather than the certificate chain.
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec

	t := &Transport{
		client:   client,
		identity: identity,
		router:   router,
		logger:   log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func BuildURL(id config.Identity, path string) string {
	scheme := id.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host := net.JoinHostPort(id.ServerAddress, strconv.Itoa(id.ServerPort))
	return scheme + "://" + host + "/" + strings.TrimLeft(path, "/")
}

// AuthorizationHeader renders the token the way the server expects it: a
// JSON object rather than a "Bearer" string.
func AuthorizationHeader(token string) string {
	b, _ := json.Marshal(map[string]string{"token": token})
	return string(b)
}

// SendEnvelope delivers body and returns whether the server answered 200
// together with the decoded response. Any failure yields an empty response.
func (t *Transport) SendEnvelope(ctx context.Context, body, path, method string) (bool, map[string]any) {
	id := t.identity.Identity()
	url := BuildURL(id, path)
	logger := t.logger.WithFields(log.Fields{"url": url, "method": method})
	logger.Debug("sending message")

	start := time.Now()
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", AuthorizationHeader(id.Token)).
		SetBody(body).
		Execute(method, url)
	if err != nil {
		metrics.RequestDuration.WithLabelValues(method, "false").Observe(time.Since(start).Seconds())
		logging.Exception(logger, err, "unable to send data to server")
		return false, map[string]any{}
	}

	delivered := resp.StatusCode() == http.StatusOK
	metrics.RequestDuration.WithLabelValues(method, strconv.FormatBool(delivered)).Observe(time.Since(start).Seconds())
	logger.WithField("status", resp.StatusCode()).Debugf("server text: %s", resp.String())

	if !delivered {
		logger.WithField("status", resp.StatusCode()).Error("server rejected message")
		return false, map[string]any{}
	}

	raw := bytes.TrimSpace(resp.Body())
	if len(raw) == 0 {
		return true, map[string]any{}
	}
	var received map[string]any
	if err := json.Unmarshal(raw, &received); err != nil {
		logging.Exception(logger, err, "unable to read data from server, invalid JSON")
		return true, map[string]any{}
	}
	if received == nil {
		received = map[string]any{}
	}
	return true, received
}

// SendForOperationType resolves the route for opType before sending. An
// unroutable type returns a *RoutingError without touching the network.
func (t *Transport) SendForOperationType(ctx context.Context, body string, opType protocol.OperationType) (bool, map[string]any, error) {
	path, method := t.router.Resolve(opType)
	if path == "" || method == "" {
		err := &RoutingError{Type: opType, Path: path, Method: method}
		logging.Critical(t.logger.WithField("operation", opType), err.Error())
		return false, map[string]any{}, err
	}
	sent, response := t.SendEnvelope(ctx, body, path, method)
	return sent, response, nil
}
