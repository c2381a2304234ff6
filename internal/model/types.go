package model

import "time"

type AgentStatus string

const (
	AgentStatusOnline   AgentStatus = "online"
	AgentStatusOffline  AgentStatus = "offline"
	AgentStatusBusy     AgentStatus = "busy"
	AgentStatusDisabled AgentStatus = "disabled"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusOnline, AgentStatusOffline, AgentStatusBusy, AgentStatusDisabled:
		return true
	}
	return false
}

// Available reports whether an agent in this status may receive deliveries.
func (s AgentStatus) Available() bool {
	return s == AgentStatusOnline || s == AgentStatusBusy
}

type Agent struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Role        string         `json:"role" yaml:"role"`
	Description string         `json:"description" yaml:"description"`
	Status      AgentStatus    `json:"status" yaml:"status"`
	Metadata    map[string]any `json:"metadata" yaml:"metadata"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time      `json:"updated_at" yaml:"-"`
}

// AgentProfile is the directory view of an agent.
type AgentProfile struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Role        string      `json:"role"`
	Status      AgentStatus `json:"status"`
	IsAvailable bool        `json:"is_available"`
}

func (a Agent) Profile() AgentProfile {
	return AgentProfile{
		ID:          a.ID,
		Name:        a.Name,
		Role:        a.Role,
		Status:      a.Status,
		IsAvailable: a.Status.Available(),
	}
}

type SentimentType string

const (
	SentimentPositive SentimentType = "positive"
	SentimentNegative SentimentType = "negative"
	SentimentNeutral  SentimentType = "neutral"
)

func (s SentimentType) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return true
	}
	return false
}

type Sentiment struct {
	Score float64       `json:"score"`
	Type  SentimentType `json:"type"`
}

// Message is the normalized form of an inbound chat message.
type Message struct {
	ID              string         `json:"id,omitempty"`
	Content         string         `json:"content"`
	Payload         map[string]any `json:"payload,omitempty"`
	ContentType     string         `json:"content_type"`
	Timestamp       time.Time      `json:"timestamp"`
	Sender          string         `json:"sender,omitempty"`
	GroupID         string         `json:"group_id,omitempty"`
	Mentions        []string       `json:"mentions"`
	ContextMessages []Message      `json:"context_messages,omitempty"`
	Sentiment       *Sentiment     `json:"sentiment,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Context carries addressing information for a message.
type Context struct {
	GroupID        string               `json:"group_id,omitempty"`
	Sender         string               `json:"sender,omitempty"`
	MessageID      string               `json:"message_id,omitempty"`
	MessageHistory map[string][]Message `json:"message_history,omitempty"`
	Extra          map[string]any       `json:"extra,omitempty"`
}

type TriggerType string

const (
	TriggerKeyword      TriggerType = "keyword"
	TriggerRegex        TriggerType = "regex"
	TriggerMention      TriggerType = "mention"
	TriggerAllMessages  TriggerType = "all_messages"
	TriggerSentiment    TriggerType = "sentiment"
	TriggerContextAware TriggerType = "context_aware"
	TriggerCustom       TriggerType = "custom"
)

var TriggerTypes = []TriggerType{
	TriggerKeyword,
	TriggerRegex,
	TriggerMention,
	TriggerAllMessages,
	TriggerSentiment,
	TriggerContextAware,
	TriggerCustom,
}

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerKeyword, TriggerRegex, TriggerMention, TriggerAllMessages,
		TriggerSentiment, TriggerContextAware, TriggerCustom:
		return true
	}
	return false
}

type ResponseType string

const (
	ResponseAutoReply    ResponseType = "auto_reply"
	ResponseNotification ResponseType = "notification"
	ResponseTask         ResponseType = "task"
	ResponseAction       ResponseType = "action"
	ResponseCustom       ResponseType = "custom"
)

var ResponseTypes = []ResponseType{
	ResponseAutoReply,
	ResponseNotification,
	ResponseTask,
	ResponseAction,
	ResponseCustom,
}

func (t ResponseType) Valid() bool {
	switch t {
	case ResponseAutoReply, ResponseNotification, ResponseTask, ResponseAction, ResponseCustom:
		return true
	}
	return false
}

type ContextClauseType string

const (
	ClauseKeyword   ContextClauseType = "keyword"
	ClauseRegex     ContextClauseType = "regex"
	ClauseSentiment ContextClauseType = "sentiment"
	ClauseTopic     ContextClauseType = "topic"
)

type ContextClause struct {
	Type   ContextClauseType `json:"type" yaml:"type"`
	Value  string            `json:"value" yaml:"value"`
	Weight *float64          `json:"weight,omitempty" yaml:"weight,omitempty"`
}

func (c ContextClause) EffectiveWeight() float64 {
	if c.Weight == nil {
		return 1.0
	}
	return *c.Weight
}

// TriggerCondition holds the per-trigger-type parameters. Only the fields
// relevant to a rule's TriggerType are read.
type TriggerCondition struct {
	Keywords        []string        `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Pattern         string          `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	IgnoreCase      bool            `json:"ignore_case,omitempty" yaml:"ignore_case,omitempty"`
	Exclusive       bool            `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
	TargetSentiment SentimentType   `json:"target_sentiment,omitempty" yaml:"target_sentiment,omitempty"`
	Threshold       *float64        `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	ContextRules    []ContextClause `json:"context_rules,omitempty" yaml:"context_rules,omitempty"`
	ContextSize     *int            `json:"context_size,omitempty" yaml:"context_size,omitempty"`
	TimeWindow      *int            `json:"time_window,omitempty" yaml:"time_window,omitempty"`
	MatchThreshold  *float64        `json:"match_threshold,omitempty" yaml:"match_threshold,omitempty"`
	Custom          map[string]any  `json:"custom,omitempty" yaml:"custom,omitempty"`
}

type ResponseContent struct {
	ReplyTemplate    string         `json:"reply_template,omitempty" yaml:"reply_template,omitempty"`
	NotificationText string         `json:"notification_text,omitempty" yaml:"notification_text,omitempty"`
	TaskTitle        string         `json:"task_title,omitempty" yaml:"task_title,omitempty"`
	TaskDescription  string         `json:"task_description,omitempty" yaml:"task_description,omitempty"`
	ActionName       string         `json:"action_name,omitempty" yaml:"action_name,omitempty"`
	ActionParams     map[string]any `json:"action_params,omitempty" yaml:"action_params,omitempty"`
	CustomResponse   string         `json:"custom_response,omitempty" yaml:"custom_response,omitempty"`
}

// Rule is a listening rule owned by an agent. AgentName is denormalized from
// the owning agent by the store.
type Rule struct {
	ID                    string           `json:"id"`
	Name                  string           `json:"name"`
	Description           string           `json:"description"`
	AgentID               string           `json:"agent_id"`
	AgentName             string           `json:"agent_name"`
	IsActive              bool             `json:"is_active"`
	Priority              int              `json:"priority"`
	TriggerType           TriggerType      `json:"trigger_type"`
	TriggerCondition      TriggerCondition `json:"trigger_condition"`
	ResponseType          ResponseType     `json:"response_type"`
	ResponseContent       ResponseContent  `json:"response_content"`
	ListenInGroups        bool             `json:"listen_in_groups"`
	ListenInDirect        bool             `json:"listen_in_direct"`
	AllowedGroups         []string         `json:"allowed_groups"`
	CooldownPeriodSeconds int              `json:"cooldown_period"`
	LastTriggeredAt       *time.Time       `json:"last_triggered_at,omitempty"`
	TriggerCount          int              `json:"trigger_count"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

type RuleMetadata struct {
	RuleID      string      `json:"rule_id"`
	RuleName    string      `json:"rule_name"`
	TriggerType TriggerType `json:"trigger_type"`
	Priority    int         `json:"priority"`
}

// Response is produced once per matched rule and consumed by one handler.
type Response struct {
	Type            ResponseType   `json:"type"`
	Content         string         `json:"content"`
	TaskTitle       string         `json:"task_title,omitempty"`
	TaskDescription string         `json:"task_description,omitempty"`
	ActionName      string         `json:"action_name,omitempty"`
	ActionParams    map[string]any `json:"action_params,omitempty"`
	AgentID         string         `json:"agent_id"`
	AgentName       string         `json:"agent_name"`
	RuleID          string         `json:"rule_id"`
	RuleName        string         `json:"rule_name"`
	Confidence      float64        `json:"confidence"`
	MessageID       string         `json:"message_id,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        *RuleMetadata  `json:"rule_metadata,omitempty"`
}

type InteractionType string

const (
	InteractionMessage        InteractionType = "message"
	InteractionCommand        InteractionType = "command"
	InteractionResponse       InteractionType = "response"
	InteractionTaskAssignment InteractionType = "task_assignment"
	InteractionStatusUpdate   InteractionType = "status_update"
)

type InteractionContent struct {
	UserMessage   string `json:"user_message"`
	AgentResponse string `json:"agent_response"`
}

type Interaction struct {
	ID          string             `json:"id"`
	InitiatorID string             `json:"initiator_id"`
	ReceiverID  string             `json:"receiver_id"`
	Content     InteractionContent `json:"content"`
	Type        InteractionType    `json:"type"`
	Timestamp   time.Time          `json:"timestamp"`
}

type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAgent SenderType = "agent"
)

// GroupMessage is one entry of a group's persisted chat history.
type GroupMessage struct {
	ID         string     `json:"id"`
	GroupID    string     `json:"group_id"`
	SenderID   string     `json:"sender_id"`
	SenderType SenderType `json:"sender_type"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AsMessage converts a history entry into a context message.
func (g GroupMessage) AsMessage() Message {
	return Message{
		ID:          g.ID,
		Content:     g.Content,
		ContentType: "text",
		Timestamp:   g.CreatedAt,
		Sender:      g.SenderID,
		GroupID:     g.GroupID,
	}
}

type PayloadSender struct {
	ID   string     `json:"id"`
	Type SenderType `json:"type"`
	Name string     `json:"name"`
}

type PayloadMessage struct {
	ID          string         `json:"id"`
	MessageType string         `json:"message_type"`
	Sender      PayloadSender  `json:"sender"`
	Payload     map[string]any `json:"payload"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata"`
}

// Payload is the envelope fanned out to a room.
type Payload struct {
	Type    string         `json:"type"`
	Message PayloadMessage `json:"message"`
}
