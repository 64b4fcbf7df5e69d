package operation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
)

const DefaultDelay = 60 * time.Second

// ResultOperation carries the result of a finished Operation back to the
// server. It may not be sent before WaitUntil (unix seconds) has passed.
type ResultOperation struct {
	ID          string
	OperationID string
	Type        protocol.OperationType
	Plugin      string
	Result      map[string]any
	Retry       bool
	WaitUntil   int64

	now func() time.Time
}

type ResultOption func(*ResultOperation)

func WithClock(now func() time.Time) ResultOption {
	return func(r *ResultOperation) {
		r.now = now
	}
}

// NewResult snapshots op's type and result; later changes to op are not seen.
func NewResult(op *Operation, retry bool, opts ...ResultOption) *ResultOperation {
	r := &ResultOperation{
		ID:          NewSelfAssignedID(),
		OperationID: op.ID,
		Type:        op.Type,
		Plugin:      op.Plugin,
		Result:      copyMap(op.Result),
		Retry:       retry,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.WaitUntil = r.now().Unix()
	return r
}

// Delay moves the send gate to now+d. Calls do not accumulate.
func (r *ResultOperation) Delay(d time.Duration) {
	r.WaitUntil = r.clock().Add(d).Unix()
}

func (r *ResultOperation) ShouldSend() bool {
	return r.clock().Unix() > r.WaitUntil
}

func (r *ResultOperation) IsSavable(policy SavePolicy) bool {
	return policy.Savable(r.Type)
}

func (r *ResultOperation) Serialize() map[string]any {
	return map[string]any{
		protocol.KeyOperationType:   string(r.Type),
		protocol.KeyOperationResult: r.Result,
		protocol.KeyWaitUntil:       r.WaitUntil,
	}
}

// Encode renders the result envelope. The operation id is the originating
// operation's id so the server can correlate the result.
func (r *ResultOperation) Encode(agentID string) (string, error) {
	return protocol.Encode(r.Type, r.OperationID, agentID, r.Plugin, r.Serialize())
}

func (r *ResultOperation) Describe() string {
	return fmt.Sprintf("(%s, %s)", r.Type, r.ID)
}

func (r *ResultOperation) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return m
	}
	return out
}
