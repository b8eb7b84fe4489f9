package alert

import (
	"encoding/json"
	"fmt"

	"github.com/agentoverseer/overseer/internal/tool"
)

// maxArgsPreview bounds the argument dump in a notification.
const maxArgsPreview = 500

// ToolNotification builds the alert for a call allowed at NOTIFY level.
func ToolNotification(taskID string, call tool.Call) Alert {
	args, err := json.Marshal(call.Args)
	if err != nil {
		args = []byte(fmt.Sprintf("%v", call.Args))
	}
	preview := string(args)
	if len(preview) > maxArgsPreview {
		preview = preview[:maxArgsPreview] + "..."
	}
	return Alert{
		Type:     TypeToolNotify,
		Severity: "info",
		Title:    fmt.Sprintf("Tool executed: %s", call.Tool),
		Message:  preview,
		TaskID:   taskID,
		Tool:     call.Tool,
		Details:  map[string]interface{}{"args": call.Args},
	}
}

// HumanRequired builds the alert for a request waiting on a human.
func HumanRequired(taskID, requestID, reason string) Alert {
	return Alert{
		Type:     TypeHumanRequired,
		Severity: "warning",
		Title:    "Human input needed",
		Message:  reason,
		TaskID:   taskID,
		Details:  map[string]interface{}{"request_id": requestID},
	}
}

// PermissionEscalated builds the alert for an adaptive permission change.
func PermissionEscalated(taskID, toolName, before, after, reason string) Alert {
	return Alert{
		Type:     TypePermissionEscalated,
		Severity: "warning",
		Title:    fmt.Sprintf("Permission escalated: %s", toolName),
		Message:  fmt.Sprintf("%s -> %s: %s", before, after, reason),
		TaskID:   taskID,
		Tool:     toolName,
		Details:  map[string]interface{}{"before": before, "after": after},
	}
}

// TaskFinished builds the alert sent when a task stops running.
func TaskFinished(taskID, status, reason string) Alert {
	severity := "info"
	if status != "completed" {
		severity = "warning"
	}
	return Alert{
		Type:     TypeTaskFinished,
		Severity: severity,
		Title:    fmt.Sprintf("Task %s", status),
		Message:  reason,
		TaskID:   taskID,
		Details:  map[string]interface{}{"status": status},
	}
}
