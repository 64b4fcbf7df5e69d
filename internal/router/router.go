// Package router maps operation types to the server path and HTTP method
// used to send them.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/tailscale/hujson"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
)

// AgentIDSlot is replaced with the agent id when a path is resolved.
const AgentIDSlot = "{agent_id}"

// Servers that format paths positionally use {0} or {} for the agent id.
var legacySlots = strings.NewReplacer("{0}", AgentIDSlot, "{}", AgentIDSlot)

type Route struct {
	Path   string `json:"response_uri"`
	Method string `json:"request_method"`
}

type Entry struct {
	Type  protocol.OperationType
	Route Route
}

// indexKey names the stored entry listing every persisted operation type.
const indexKey = "_index"

// RouteStore persists routes learned at runtime.
type RouteStore interface {
	SetRoute(ctx context.Context, opType, route string) error
	GetRoute(ctx context.Context, opType string) (string, error)
}

type Router struct {
	mu      sync.RWMutex
	routes  map[protocol.OperationType]Route
	agentID func() string
}

func Defaults() map[protocol.OperationType]Route {
	return map[protocol.OperationType]Route{
		protocol.RefreshResponseURIs: {Path: "rvl/v2/core/uris/response", Method: http.MethodGet},
	}
}

func New(agentID func() string) *Router {
	if agentID == nil {
		agentID = func() string { return "" }
	}
	return &Router{routes: Defaults(), agentID: agentID}
}

// Resolve returns the path and method for opType, or two empty strings when
// the type is not routable.
func (r *Router) Resolve(opType protocol.OperationType) (string, string) {
	r.mu.RLock()
	route, ok := r.routes[opType]
	r.mu.RUnlock()
	if !ok {
		return "", ""
	}
	return strings.Replace(route.Path, AgentIDSlot, r.agentID(), 1), route.Method
}

func (r *Router) Lookup(opType protocol.OperationType) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[opType]
	return route, ok
}

func (r *Router) Set(opType protocol.OperationType, path, method string) error {
	route, err := normalize(opType, Route{Path: path, Method: method})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.routes[opType] = route
	r.mu.Unlock()
	return nil
}

// Replace applies a batch of entries. Either every entry is applied or none.
func (r *Router) Replace(entries []Entry) error {
	normalized := make([]Entry, 0, len(entries))
	for _, e := range entries {
		route, err := normalize(e.Type, e.Route)
		if err != nil {
			return err
		}
		normalized = append(normalized, Entry{Type: e.Type, Route: route})
	}
	r.mu.Lock()
	for _, e := range normalized {
		r.routes[e.Type] = e.Route
	}
	r.mu.Unlock()
	return nil
}

func (r *Router) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.routes))
	for t, route := range r.routes {
		out = append(out, Entry{Type: t, Route: route})
	}
	return out
}

// LoadFile applies a HuJSON route file: an object keyed by operation type
// whose values carry response_uri and request_method.
func (r *Router) LoadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read routes file failed: %w", err)
	}
	standard, err := hujson.Standardize(content)
	if err != nil {
		return fmt.Errorf("parse routes file failed: %w", err)
	}
	var raw map[string]Route
	if err := json.Unmarshal(standard, &raw); err != nil {
		return fmt.Errorf("parse routes file failed: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for t, route := range raw {
		entries = append(entries, Entry{Type: protocol.OperationType(t), Route: route})
	}
	return r.Replace(entries)
}

func (r *Router) Persist(ctx context.Context, st RouteStore) error {
	entries := r.Entries()
	types := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := st.SetRoute(ctx, string(e.Type), e.Route.Method+" "+e.Route.Path); err != nil {
			return fmt.Errorf("persist route %s failed: %w", e.Type, err)
		}
		types = append(types, string(e.Type))
	}
	sort.Strings(types)
	if err := st.SetRoute(ctx, indexKey, strings.Join(types, ",")); err != nil {
		return fmt.Errorf("persist route index failed: %w", err)
	}
	return nil
}

// Restore applies previously persisted routes and returns how many it found.
func (r *Router) Restore(ctx context.Context, st RouteStore) (int, error) {
	index, err := st.GetRoute(ctx, indexKey)
	if err != nil {
		return 0, fmt.Errorf("restore route index failed: %w", err)
	}
	if index == "" {
		return 0, nil
	}
	var entries []Entry
	for _, t := range strings.Split(index, ",") {
		value, err := st.GetRoute(ctx, t)
		if err != nil {
			return 0, fmt.Errorf("restore route %s failed: %w", t, err)
		}
		method, path, ok := strings.Cut(value, " ")
		if !ok {
			continue
		}
		entries = append(entries, Entry{Type: protocol.OperationType(t), Route: Route{Path: path, Method: method}})
	}
	if err := r.Replace(entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func normalize(opType protocol.OperationType, route Route) (Route, error) {
	if opType == "" {
		return Route{}, fmt.Errorf("route has no operation type")
	}
	method := strings.ToUpper(strings.TrimSpace(route.Method))
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut:
	default:
		return Route{}, fmt.Errorf("route %s: unsupported request method %q", opType, route.Method)
	}
	path := legacySlots.Replace(strings.TrimSpace(route.Path))
	if path == "" {
		return Route{}, fmt.Errorf("route %s: empty response uri", opType)
	}
	if strings.Count(path, AgentIDSlot) > 1 {
		return Route{}, fmt.Errorf("route %s: more than one agent id slot", opType)
	}
	return Route{Path: path, Method: method}, nil
}
