package triggers

import (
	"strings"

	"tenantstore/internal/documents"
	"tenantstore/internal/models"
)

// firesOn maps trigger types to the write events they receive.
var firesOn = map[string]map[string]bool{
	TypeOnCreate: {documents.EventCreate: true},
	TypeOnUpdate: {documents.EventUpdate: true},
	TypeOnDelete: {documents.EventDelete: true},
	TypeOnWrite:  {documents.EventCreate: true, documents.EventUpdate: true, documents.EventDelete: true},
}

// MatchesChange reports whether trigger fires for a write event on
// collection/id. A document pattern is "<collection>/<id>" where the id
// segment may be a {wildcard}.
func MatchesChange(trigger map[string]any, event, collection, id string) bool {
	typ, _ := trigger["type"].(string)
	if !firesOn[typ][event] {
		return false
	}
	if c, _ := trigger["collection"].(string); c != collection {
		return false
	}
	pattern, _ := trigger["document"].(string)
	if pattern == "" {
		return true
	}
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	if len(parts) != 2 || parts[0] != collection {
		return false
	}
	seg := parts[1]
	if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
		return true
	}
	return seg == id
}

// MatchesHTTP reports whether an http trigger serves method and path.
func MatchesHTTP(trigger map[string]any, method, path string) bool {
	if typ, _ := trigger["type"].(string); typ != TypeHTTP {
		return false
	}
	m, _ := trigger["method"].(string)
	p, _ := trigger["path"].(string)
	return strings.EqualFold(m, method) && cleanPath(p) == cleanPath(path)
}

func cleanPath(p string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// FindHTTP returns the first enabled task whose http trigger serves method
// and path, or nil.
func FindHTTP(tasks []*models.Task, method, path string) *models.Task {
	for _, t := range tasks {
		if t.Enabled && MatchesHTTP(t.Trigger, method, path) {
			return t
		}
	}
	return nil
}

// CronSpec returns the cron expression a task is scheduled with, including
// a CRON_TZ prefix when the trigger names a timezone, or "" when the task is
// not scheduled. An explicit schedule wins over a cron trigger.
func CronSpec(t *models.Task) string {
	if t.Schedule != nil && *t.Schedule != "" {
		return *t.Schedule
	}
	if t.TriggerType() != TypeCron {
		return ""
	}
	expr, _ := t.Trigger["schedule"].(string)
	if tz, _ := t.Trigger["timezone"].(string); tz != "" && expr != "" {
		return "CRON_TZ=" + tz + " " + expr
	}
	return expr
}
