package protocol

// Keys used on the wire between the agent and the server.
const (
	KeyOperation     = "operation"
	KeyOperationID   = "operation_id"
	KeyAgentID       = "agent_id"
	KeyPlugin        = "plugin"
	KeyData          = "data"
	KeyOperationList = "operations"

	KeyResponseURI   = "response_uri"
	KeyRequestMethod = "request_method"

	KeyOperationType   = "operation_type"
	KeyOperationResult = "operation_result"
	KeyWaitUntil       = "wait_until"

	KeySuccess = "success"
	KeyMessage = "message"
)

type OperationType string

const (
	NewAgent            OperationType = "new_agent"
	NewAgentID          OperationType = "new_agent_id"
	Startup             OperationType = "startup"
	Reboot              OperationType = "reboot"
	Shutdown            OperationType = "shutdown"
	InvalidAgentID      OperationType = "invalid_agent_id"
	CheckIn             OperationType = "check_in"
	RefreshResponseURIs OperationType = "refresh_response_uris"
	Result              OperationType = "result"
)

// Envelope is the JSON message exchanged with the server in both directions.
// Operations is only populated on bulk server->agent delivery.
type Envelope struct {
	Operation   OperationType  `json:"operation"`
	OperationID string         `json:"operation_id"`
	AgentID     string         `json:"agent_id"`
	Plugin      string         `json:"plugin,omitempty"`
	Data        map[string]any `json:"data"`
	Operations  []Envelope     `json:"operations,omitempty"`
}

// Expand flattens the envelope into the operation envelopes it carries.
// Entries of a bulk list inherit the outer plugin when they name none.
func (e Envelope) Expand() []Envelope {
	if len(e.Operations) > 0 {
		out := make([]Envelope, 0, len(e.Operations))
		for _, op := range e.Operations {
			if op.Plugin == "" {
				op.Plugin = e.Plugin
			}
			if op.AgentID == "" {
				op.AgentID = e.AgentID
			}
			if op.Data == nil {
				op.Data = map[string]any{}
			}
			op.Operations = nil
			out = append(out, op)
		}
		return out
	}
	if e.Operation != "" {
		single := e
		single.Operations = nil
		return []Envelope{single}
	}
	return nil
}

// IsCore reports whether the envelope is handled by the agent core rather
// than a plugin.
func (e Envelope) IsCore() bool {
	return e.Plugin == ""
}
