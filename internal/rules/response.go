package rules

import (
	"maps"
	"strings"
	"time"

	"agentlisten/internal/model"
)

const (
	DefaultNotificationText = "new message received"
	DefaultTaskTitle        = "new task"
	defaultUserName         = "user"
)

// BuildResponse renders the rule's response for msg. It returns false when
// the rule cannot produce a response, e.g. an auto reply without a template.
// Trigger bookkeeping is left to the caller.
func BuildResponse(rule model.Rule, msg model.Message, now time.Time) (model.Response, bool) {
	rc := rule.ResponseContent
	resp := model.Response{
		Type:       rule.ResponseType,
		AgentID:    rule.AgentID,
		AgentName:  rule.AgentName,
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		Confidence: 1.0,
		MessageID:  msg.ID,
		Timestamp:  now.UTC(),
	}

	switch rule.ResponseType {
	case model.ResponseAutoReply:
		if rc.ReplyTemplate == "" {
			return model.Response{}, false
		}
		resp.Content = RenderTemplate(rc.ReplyTemplate, rule.AgentName, msg.Sender)
	case model.ResponseNotification:
		resp.Content = rc.NotificationText
		if resp.Content == "" {
			resp.Content = DefaultNotificationText
		}
	case model.ResponseTask:
		resp.TaskTitle = rc.TaskTitle
		if resp.TaskTitle == "" {
			resp.TaskTitle = DefaultTaskTitle
		}
		resp.TaskDescription = rc.TaskDescription
		resp.Content = resp.TaskTitle
	case model.ResponseAction:
		resp.ActionName = rc.ActionName
		resp.ActionParams = maps.Clone(rc.ActionParams)
		if resp.ActionParams == nil {
			resp.ActionParams = map[string]any{}
		}
		resp.Content = rc.ActionName
	case model.ResponseCustom:
		resp.Content = rc.CustomResponse
	default:
		return model.Response{}, false
	}
	return resp, true
}

// RenderTemplate substitutes {agent_name} and {user}.
func RenderTemplate(tmpl, agentName, user string) string {
	if user == "" {
		user = defaultUserName
	}
	return strings.NewReplacer("{agent_name}", agentName, "{user}", user).Replace(tmpl)
}
