package router

import (
	"fmt"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
)

// ParseRefresh reads the data of a refresh_response_uris envelope. The server
// sends either a list under "data" holding operation, response_uri and
// request_method, or an object keyed by operation type.
func ParseRefresh(data map[string]any) ([]Entry, error) {
	if list, ok := data[protocol.KeyData].([]any); ok {
		return parseList(list)
	}
	if list, ok := data[protocol.KeyOperationList].([]any); ok {
		return parseList(list)
	}

	var entries []Entry
	for key, value := range data {
		fields, ok := value.(map[string]any)
		if !ok {
			continue
		}
		route, err := parseRoute(fields)
		if err != nil {
			return nil, fmt.Errorf("refresh entry %s: %w", key, err)
		}
		entries = append(entries, Entry{Type: protocol.OperationType(key), Route: route})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("refresh payload carries no routes")
	}
	return entries, nil
}

func parseList(list []any) ([]Entry, error) {
	entries := make([]Entry, 0, len(list))
	for i, item := range list {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("refresh entry %d is not an object", i)
		}
		opType, _ := fields[protocol.KeyOperation].(string)
		if opType == "" {
			return nil, fmt.Errorf("refresh entry %d has no operation", i)
		}
		route, err := parseRoute(fields)
		if err != nil {
			return nil, fmt.Errorf("refresh entry %s: %w", opType, err)
		}
		entries = append(entries, Entry{Type: protocol.OperationType(opType), Route: route})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("refresh payload carries no routes")
	}
	return entries, nil
}

func parseRoute(fields map[string]any) (Route, error) {
	path, ok := fields[protocol.KeyResponseURI].(string)
	if !ok {
		return Route{}, fmt.Errorf("missing %s", protocol.KeyResponseURI)
	}
	method, ok := fields[protocol.KeyRequestMethod].(string)
	if !ok {
		return Route{}, fmt.Errorf("missing %s", protocol.KeyRequestMethod)
	}
	return Route{Path: path, Method: method}, nil
}
