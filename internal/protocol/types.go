package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandType names a request sent from the orchestrator to a worker process.
type CommandType string

const (
	CommandStatus    CommandType = "status"
	CommandConnect   CommandType = "connect"
	CommandPrompt    CommandType = "prompt"
	CommandSteer     CommandType = "steer"
	CommandAbort     CommandType = "abort"
	CommandShutdown  CommandType = "shutdown"
	CommandSend      CommandType = "send"
	CommandBroadcast CommandType = "broadcast"
	CommandPeers     CommandType = "peers"
)

// Command is a request body before a correlation id is attached.
// Build one with the constructors below; Validate rejects shapes a worker
// would not understand.
type Command struct {
	Type       CommandType `json:"type"`
	Message    string      `json:"message,omitempty"`
	EndpointID string      `json:"endpoint_id,omitempty"`
}

func Status() Command                   { return Command{Type: CommandStatus} }
func Connect(endpointID string) Command { return Command{Type: CommandConnect, EndpointID: endpointID} }
func Prompt(message string) Command     { return Command{Type: CommandPrompt, Message: message} }
func Steer(message string) Command      { return Command{Type: CommandSteer, Message: message} }
func Abort() Command                    { return Command{Type: CommandAbort} }
func Shutdown() Command                 { return Command{Type: CommandShutdown} }
func Peers() Command                    { return Command{Type: CommandPeers} }
func Broadcast(message string) Command {
	return Command{Type: CommandBroadcast, Message: message}
}
func Send(endpointID, message string) Command {
	return Command{Type: CommandSend, EndpointID: endpointID, Message: message}
}

// Validate checks that the fields required by the command type are present.
func (c Command) Validate() error {
	switch c.Type {
	case CommandStatus, CommandAbort, CommandShutdown, CommandPeers:
		return nil
	case CommandPrompt, CommandSteer, CommandBroadcast:
		if c.Message == "" {
			return fmt.Errorf("%s command requires a message", c.Type)
		}
		return nil
	case CommandConnect:
		if strings.TrimSpace(c.EndpointID) == "" {
			return fmt.Errorf("connect command requires an endpoint_id")
		}
		return nil
	case CommandSend:
		if strings.TrimSpace(c.EndpointID) == "" || c.Message == "" {
			return fmt.Errorf("send command requires endpoint_id and message")
		}
		return nil
	case "":
		return fmt.Errorf("command type is empty")
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
}

// Request is a framed command carrying its correlation id.
type Request struct {
	ID string `json:"id"`
	Command
}

// Message is one parsed line of worker output: Response, Event or Unparseable.
type Message interface {
	isMessage()
}

// Response answers a Request with the same ID.
type Response struct {
	ID      string
	Success bool
	Data    json.RawMessage
	Error   string
}

// Event is an unsolicited notification from a worker or ephemeral process.
type Event struct {
	Kind EventKind
	Data json.RawMessage
}

// Unparseable is a line that is not JSON or matches no known shape.
// Consumers drop it.
type Unparseable struct {
	Line   string
	Reason string
}

func (Response) isMessage()    {}
func (Event) isMessage()       {}
func (Unparseable) isMessage() {}

// EventKind enumerates the event names the orchestrator reacts to.
type EventKind string

const (
	EventAgentStart         EventKind = "agent_start"
	EventAgentEnd           EventKind = "agent_end"
	EventToolExecutionStart EventKind = "tool_execution_start"
	EventToolExecutionEnd   EventKind = "tool_execution_end"
	EventMessageStart       EventKind = "message_start"
	EventMessageUpdate      EventKind = "message_update"
	EventMessageEnd         EventKind = "message_end"
)

// Known reports whether k is one of the enumerated kinds. Unknown kinds are
// still delivered as events so newer workers stay compatible.
func (k EventKind) Known() bool {
	switch k {
	case EventAgentStart, EventAgentEnd,
		EventToolExecutionStart, EventToolExecutionEnd,
		EventMessageStart, EventMessageUpdate, EventMessageEnd:
		return true
	}
	return false
}

// Usage is the per-message token and cost delta reported by message_end.
type Usage struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	CacheRead  int64 `json:"cacheRead,omitempty"`
	CacheWrite int64 `json:"cacheWrite,omitempty"`
	Cost       struct {
		Total float64 `json:"total"`
	} `json:"cost"`
}

// UsageTotals accumulates Usage across turns.
type UsageTotals struct {
	Turns      int     `json:"turns"`
	Input      int64   `json:"input"`
	Output     int64   `json:"output"`
	CacheRead  int64   `json:"cache_read"`
	CacheWrite int64   `json:"cache_write"`
	Cost       float64 `json:"cost"`
}

// Add folds one completed turn into the totals.
func (t *UsageTotals) Add(u *Usage) {
	t.Turns++
	if u == nil {
		return
	}
	t.Input += u.Input
	t.Output += u.Output
	t.CacheRead += u.CacheRead
	t.CacheWrite += u.CacheWrite
	t.Cost += u.Cost.Total
}

// ContentPart is one block of an assistant message.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// AssistantMessage is the payload of a message_end event.
type AssistantMessage struct {
	Role         string        `json:"role"`
	Content      []ContentPart `json:"content"`
	Usage        *Usage        `json:"usage,omitempty"`
	StopReason   string        `json:"stopReason,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
}

// Text concatenates the text parts of the message.
func (m AssistantMessage) Text() string {
	var b strings.Builder
	for _, part := range m.Content {
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// ToolExecution is the payload of tool_execution_start/end events.
type ToolExecution struct {
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// AssistantMessage extracts the assistant message from a message_end event.
// The message may sit under a "message" key or be the data object itself.
func (e Event) AssistantMessage() (*AssistantMessage, bool) {
	if e.Kind != EventMessageEnd || len(e.Data) == 0 {
		return nil, false
	}
	var wrapped struct {
		Message *AssistantMessage `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &wrapped); err == nil && wrapped.Message != nil {
		if wrapped.Message.Role != "assistant" {
			return nil, false
		}
		return wrapped.Message, true
	}
	var bare AssistantMessage
	if err := json.Unmarshal(e.Data, &bare); err != nil || bare.Role != "assistant" {
		return nil, false
	}
	return &bare, true
}

// ToolExecution extracts tool details from a tool_execution_* event.
func (e Event) ToolExecution() (*ToolExecution, bool) {
	if e.Kind != EventToolExecutionStart && e.Kind != EventToolExecutionEnd {
		return nil, false
	}
	var te ToolExecution
	if err := json.Unmarshal(e.Data, &te); err != nil || te.ToolName == "" {
		return nil, false
	}
	return &te, true
}
