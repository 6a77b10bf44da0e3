// Package models defines the core entities shared by the contex routing
// engine: events, context nodes, agent registrations and matches.
package models

import (
	"time"
)

// Event types appended to the per-project event log.
const (
	EventDataPublished     = "data_published"
	EventDataDeleted       = "data_deleted"
	EventAgentRegistered   = "agent_registered"
	EventAgentUnregistered = "agent_unregistered"
)

// Event is one immutable record in the append-only per-project log.
// Sequence is strictly increasing per project, starting at 1.
type Event struct {
	ProjectID string                 `json:"project_id" db:"project_id"`
	TenantID  string                 `json:"tenant_id,omitempty" db:"tenant_id"`
	EventType string                 `json:"event_type" db:"event_type"`
	Sequence  int64                  `json:"sequence" db:"sequence"`
	Data      map[string]interface{} `json:"data" db:"-"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// DataPublishedPayload is the stable wire shape of a data_published event.
type DataPublishedPayload struct {
	DataKey     string        `json:"data_key"`
	NodeKeys    []string      `json:"node_keys"`
	Description string        `json:"description,omitempty"`
	Data        interface{}   `json:"data"`
}

// ContextNode is one addressable, embeddable unit of published data.
// (ProjectID, NodeKey) is unique; publishing the same node key replaces
// the node atomically.
type ContextNode struct {
	ProjectID   string      `json:"project_id" db:"project_id"`
	DataKey     string      `json:"data_key" db:"data_key"`
	NodeKey     string      `json:"node_key" db:"node_key"`
	Description string      `json:"description" db:"description"`
	Data        interface{} `json:"data" db:"-"`
	Embedding   []float32   `json:"-" db:"-"`
	ContentHash string      `json:"content_hash,omitempty" db:"content_hash"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// DeliveryMode selects how an agent receives updates.
type DeliveryMode string

const (
	DeliveryPubSub  DeliveryMode = "pubsub"
	DeliveryWebhook DeliveryMode = "webhook"
)

// AgentRegistration is a durable subscription: an agent's declared needs
// and the channel its updates are delivered on. Delivery settings are
// immutable after registration; re-register to change them.
type AgentRegistration struct {
	AgentID          string       `json:"agent_id" db:"agent_id"`
	ProjectID        string       `json:"project_id" db:"project_id"`
	Needs            []string     `json:"needs" db:"-"`
	Delivery         DeliveryMode `json:"delivery" db:"delivery_mode"`
	Channel          string       `json:"channel,omitempty" db:"delivery_target"`
	WebhookURL       string       `json:"webhook_url,omitempty" db:"-"`
	WebhookSecret    string       `json:"-" db:"webhook_secret"`
	LastSeenSequence int64        `json:"last_seen_sequence" db:"last_seen_sequence"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	LastActiveAt     time.Time    `json:"last_active_at" db:"last_active_at"`
}

// PubSubChannel returns the agent's update channel name.
func (r *AgentRegistration) PubSubChannel() string {
	if r.Channel != "" {
		return r.Channel
	}
	return "agent:" + r.AgentID + ":updates"
}

// NeedMatches groups the matches produced by one need. Results keep the
// caller's need order, so two registrations of the same need text stay
// distinguishable by index.
type NeedMatches struct {
	Need      string  `json:"need"`
	NeedIndex int     `json:"need_index"`
	Matches   []Match `json:"matches"`
}

// Match is one ranked result of a semantic query. NeedIndex records which
// of the caller's needs produced the match.
type Match struct {
	NodeKey     string      `json:"node_key"`
	DataKey     string      `json:"data_key"`
	Description string      `json:"description,omitempty"`
	Data        interface{} `json:"data"`
	Similarity  float64     `json:"similarity"`
	Score       float64     `json:"score,omitempty"`
	NeedIndex   int         `json:"need_index"`
}

// Update message types delivered on agent channels and webhooks.
const (
	UpdateTypeData           = "data_update"
	UpdateTypeInitialContext = "initial_context"
)

// Update is the body delivered to agents, identical for pub/sub and
// webhook transports.
type Update struct {
	Type        string      `json:"type"`
	ProjectID   string      `json:"project_id"`
	AgentID     string      `json:"agent_id"`
	Sequence    int64       `json:"sequence"`
	DataKey     string      `json:"data_key,omitempty"`
	NodeKey     string      `json:"node_key,omitempty"`
	Data        interface{} `json:"data,omitempty"`
	MatchedNeed string      `json:"matched_need,omitempty"`
	Context     interface{} `json:"context,omitempty"`
}

// RegistrationResult is returned by the engine after a successful register.
type RegistrationResult struct {
	AgentID           string        `json:"agent_id"`
	ProjectID         string        `json:"project_id"`
	Channel           string        `json:"channel"`
	MatchedNeedsCount int           `json:"matched_needs_count"`
	LastSeenSequence  int64         `json:"last_seen_sequence"`
	InitialContext    []NeedMatches `json:"initial_context,omitempty"`
	CaughtUpEvents    int           `json:"caught_up_events"`
}
