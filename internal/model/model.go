// Package model holds the canonical data types the facade passes between
// transports, ingesters, the dispatcher, workers, and the chain engine.
package model

import "time"

// ResponseStatus is the terminal or intermediate status of a Response.
type ResponseStatus string

const (
	StatusSuccess          ResponseStatus = "SUCCESS"
	StatusError            ResponseStatus = "ERROR"
	StatusTimeout          ResponseStatus = "TIMEOUT"
	StatusPartial          ResponseStatus = "PARTIAL"
	StatusStreamingUpdate  ResponseStatus = "STREAMING_UPDATE"
	StatusStreamingComplete ResponseStatus = "STREAMING_COMPLETE"
	StatusUnauthorized     ResponseStatus = "UNAUTHORIZED"
	StatusHandlerNotFound  ResponseStatus = "HANDLER_NOT_FOUND"
)

// ResponseChannel is a destination the facade can fan a Response to.
type ResponseChannel string

const (
	ChannelKafka     ResponseChannel = "KAFKA"
	ChannelActiveMQ  ResponseChannel = "ACTIVEMQ"
	ChannelWebSocket ResponseChannel = "WEBSOCKET"
	ChannelREST      ResponseChannel = "REST"
)

// BrokerType identifies the wire protocol a BrokerConfig speaks.
type BrokerType string

const (
	BrokerKafka          BrokerType = "KAFKA"
	BrokerConfluentKafka BrokerType = "CONFLUENT_KAFKA"
	BrokerActiveMQ       BrokerType = "ACTIVEMQ"
	BrokerRabbitMQ       BrokerType = "RABBITMQ"
	BrokerIBMMQ          BrokerType = "IBMMQ"
	BrokerFilesystem     BrokerType = "FILESYSTEM"
	BrokerSQL            BrokerType = "SQL"
)

// NodeRole describes what a cluster node is willing to do.
type NodeRole string

const (
	RoleBoth     NodeRole = "BOTH"
	RoleGateway  NodeRole = "GATEWAY"
	RoleExecutor NodeRole = "EXECUTOR"
)

// NodeStatus is the locally observed liveness of a cluster peer.
type NodeStatus string

const (
	NodeUp      NodeStatus = "UP"
	NodeSuspect NodeStatus = "SUSPECT"
	NodeDown    NodeStatus = "DOWN"
	NodeLeaving NodeStatus = "LEAVING"
)

// Payload is the opaque, structured request/response body. Handlers and the
// chain engine treat it as a string-keyed mapping with runtime type checks
// at the boundary, per the "dynamic typing of payloads" design note.
type Payload map[string]any

// Request is the canonical, normalized inbound message. It is immutable
// after ingestion: ResolvedUserID and ReceivedAt are enrichments set
// exactly once, before dispatch.
type Request struct {
	RequestID           string
	RequestType         string
	APIKey              string
	Payload             Payload
	DeliveryDestination string
	TTLMinutes          float64
	SourceChannel       string
	ReceivedAt          time.Time
	ResolvedUserID      string
	ResponseChannels    map[ResponseChannel]struct{}
	ResponseTopic       string
	IsStreaming         bool
}

// WantsStreaming reports whether the caller asked for a streaming delivery,
// per §4.7 step 3: a non-empty response-channel set or an explicit flag.
func (r *Request) WantsStreaming() bool {
	return r.IsStreaming || len(r.ResponseChannels) > 0
}

// TTL returns the request's time-to-live as a time.Duration.
func (r *Request) TTL() time.Duration {
	return time.Duration(r.TTLMinutes * float64(time.Minute))
}

// Response is the canonical outbound message.
type Response struct {
	RequestID         string
	Status            ResponseStatus
	Data              Payload
	ErrorMessage      string
	HandlerID         string
	ExecutionTimeMS   int64
	Timestamp         time.Time
	IsStreamingUpdate bool
	SequenceNumber    int64
}

// HandlerConfig is a loaded, read-only handler registration entry.
type HandlerConfig struct {
	RequestType        string
	HandlerIdentifier  string
	TTLMinutes         float64
	Enabled            bool
	Config             map[string]any
	DefaultChannels    map[ResponseChannel]struct{}
}

// TTL returns the handler's configured time-to-live.
func (h *HandlerConfig) TTL() time.Duration {
	return time.Duration(h.TTLMinutes * float64(time.Minute))
}

// WorkerPhase is a point in the handler worker's state machine (§4.5).
type WorkerPhase string

const (
	PhaseQueued       WorkerPhase = "QUEUED"
	PhaseConstructing WorkerPhase = "CONSTRUCTING"
	PhaseExecuting    WorkerPhase = "EXECUTING"
	PhaseCompleted    WorkerPhase = "COMPLETED"
	PhaseFailed       WorkerPhase = "FAILED"
	PhaseTimedOut     WorkerPhase = "TIMED_OUT"
	PhaseStopped      WorkerPhase = "STOPPED"
)

// Terminal reports whether the phase is one of the four terminal states.
func (p WorkerPhase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseTimedOut, PhaseStopped:
		return true
	default:
		return false
	}
}

// HandlerState is a point-in-time snapshot of one worker's lifecycle,
// mutated only by the owning worker and kept in the supervisor's bounded
// history ring.
type HandlerState struct {
	HandlerID      string
	RequestID      string
	RequestType    string
	Phase          WorkerPhase
	QueuedAt       time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	DurationMS     int64
	Success        bool
	ErrorMessage   string
	Artifacts      map[string]any
	RequestPayload Payload
	ResponseData   Payload
}

// MergeStrategy controls how a chain step's output folds into state.
type MergeStrategy string

const (
	MergeReplace    MergeStrategy = "REPLACE"
	MergeMergePrev  MergeStrategy = "MERGE_PREV"
	MergeAppend     MergeStrategy = "APPEND"
	MergePassthrough MergeStrategy = "PASSTHROUGH"
)

// JoinStrategy controls how a parallel group's branch outputs combine.
type JoinStrategy string

const (
	JoinMergeAll     JoinStrategy = "MERGE_ALL"
	JoinKeyed        JoinStrategy = "KEYED"
	JoinFirstSuccess JoinStrategy = "FIRST_SUCCESS"
)

// ErrorStrategy controls what a failed step does to the chain.
type ErrorStrategy string

const (
	ErrorAbort    ErrorStrategy = "ABORT"
	ErrorSkip     ErrorStrategy = "SKIP"
	ErrorFallback ErrorStrategy = "FALLBACK"
)

// ChainStep is one element of a chain: either a sequential handler
// invocation, or (when Parallel is non-empty) a parallel group.
type ChainStep struct {
	Step           int
	Handler        string
	Alias          string
	PayloadMapping map[string]any
	MergeStrategy  MergeStrategy
	When           string
	ErrorStrategy  ErrorStrategy
	FallbackValue  Payload

	Parallel     []ChainStep
	JoinStrategy JoinStrategy
}

// ChainConfig is a chain handler's parsed configuration.
type ChainConfig struct {
	ChainID       string
	TTLMinutes    float64
	ErrorStrategy ErrorStrategy
	BranchTimeout time.Duration
	Steps         []ChainStep
}

// StreamingSession is a live streaming handler instance and its sinks.
type StreamingSession struct {
	SessionID    string
	RequestID    string
	HandlerType  string
	Channels     map[ResponseChannel]struct{}
	ResponseTopic string
	TTLMinutes   float64
	CreatedAt    time.Time
	APIKey       string
}

// TTL returns the session's effective time-to-live.
func (s *StreamingSession) TTL() time.Duration {
	return time.Duration(s.TTLMinutes * float64(time.Minute))
}

// BrokerConfig is a read-only broker registration; identity is BrokerID.
type BrokerConfig struct {
	BrokerID                string
	BrokerType              BrokerType
	ConnectionURI           string
	Enabled                 bool
	AutoStart               bool
	ReconnectIntervalSeconds int
	Properties              map[string]string
}

// ClusterNode is one process participating in heartbeat exchange.
type ClusterNode struct {
	NodeID                   string
	Host                     string
	Port                     int
	Role                     NodeRole
	Status                   NodeStatus
	Version                  string
	StartedAt                time.Time
	LastHeartbeat            time.Time
	ActiveHandlers           int64
	TotalRequestsProcessed   int64
	CPULoad                  float64
	HeapUsedMB               float64
	HeapMaxMB                float64
}
