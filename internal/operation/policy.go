package operation

import (
	"strings"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
)

// SavePolicy is the set of operation types kept across an agent restart.
// The zero value saves nothing.
type SavePolicy struct {
	types map[protocol.OperationType]struct{}
}

func NewSavePolicy(types ...protocol.OperationType) SavePolicy {
	p := SavePolicy{types: make(map[protocol.OperationType]struct{}, len(types))}
	for _, t := range types {
		t = protocol.OperationType(strings.TrimSpace(string(t)))
		if t != "" {
			p.types[t] = struct{}{}
		}
	}
	return p
}

func (p SavePolicy) Savable(t protocol.OperationType) bool {
	_, ok := p.types[t]
	return ok
}

func (p SavePolicy) Len() int {
	return len(p.types)
}
