// Package triggers validates task triggers and runs tasks on schedules,
// document changes and HTTP hooks.
package triggers

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

// Trigger types.
const (
	TypeCron     = "cron"
	TypeOnCreate = "onCreate"
	TypeOnUpdate = "onUpdate"
	TypeOnDelete = "onDelete"
	TypeOnWrite  = "onWrite"
	TypeHTTP     = "http"
)

var (
	collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	httpMethods       = map[string]bool{"GET": true, "POST": true, "PUT": true, "DELETE": true}

	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// Result is the outcome of a validation.
type Result struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func valid() Result { return Result{Valid: true} }

func invalid(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Validate checks a trigger definition of the form {type, ...config}.
func Validate(trigger map[string]any) Result {
	if trigger == nil {
		return invalid("trigger must be an object")
	}
	typ, _ := trigger["type"].(string)
	switch typ {
	case TypeCron:
		return validateCron(trigger)
	case TypeOnCreate, TypeOnUpdate, TypeOnDelete, TypeOnWrite:
		return validateDatabase(trigger)
	case TypeHTTP:
		return validateHTTP(trigger)
	case "":
		return invalid("trigger type is required")
	default:
		return invalid("unknown trigger type %q", typ)
	}
}

// ValidateCron checks a 5-field (minute precision) or 6-field (leading
// seconds) cron expression.
func ValidateCron(expr string) Result {
	n := len(strings.Fields(expr))
	if n != 5 && n != 6 {
		return invalid("cron schedule must have 5 or 6 fields, got %d", n)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return invalid("invalid cron schedule: %v", err)
	}
	return valid()
}

func validateCron(trigger map[string]any) Result {
	schedule, ok := trigger["schedule"].(string)
	if !ok || schedule == "" {
		return invalid("cron trigger requires a schedule")
	}
	if tz, present := trigger["timezone"]; present && tz != nil {
		if _, ok := tz.(string); !ok {
			return invalid("timezone must be a string")
		}
	}
	return ValidateCron(schedule)
}

func validateDatabase(trigger map[string]any) Result {
	collection, _ := trigger["collection"].(string)
	if !collectionPattern.MatchString(collection) {
		return invalid("collection must be lowercase letters, digits and underscores, starting with a letter")
	}
	if doc, present := trigger["document"]; present && doc != nil {
		pattern, ok := doc.(string)
		if !ok || !strings.Contains(pattern, "/") {
			return invalid("document pattern must be a path such as %s/{docId}", collection)
		}
	}
	return valid()
}

func validateHTTP(trigger map[string]any) Result {
	method, _ := trigger["method"].(string)
	if !httpMethods[method] {
		return invalid("method must be one of GET, POST, PUT, DELETE")
	}
	path, _ := trigger["path"].(string)
	if !strings.HasPrefix(path, "/") {
		return invalid("path must start with /")
	}
	return valid()
}
