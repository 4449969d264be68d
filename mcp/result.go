package mcp

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/askcontinue/askcontinue-core/registry"
)

// DefaultSummary is used when tools/call omits the summary argument.
const DefaultSummary = "AI has completed the task."

var dataURLPattern = regexp.MustCompile(`^data:(image/[\w.+-]+);base64,(.+)$`)

// BuildResult renders a decision as a tool result: the feedback text, one
// image part per attachment, then the instruction telling the caller whether
// to call toolName again.
func BuildResult(toolName string, d registry.Decision) ToolCallResult {
	content := []ContentItem{{Type: "text", Text: feedbackText(d)}}
	for _, a := range d.Attachments {
		if len(a.Data) == 0 {
			continue
		}
		content = append(content, ContentItem{
			Type:     "image",
			Data:     base64.StdEncoding.EncodeToString(a.Data),
			MimeType: a.MimeType,
		})
	}
	content = append(content, ContentItem{Type: "text", Text: trailer(toolName, d.Action)})
	return ToolCallResult{Content: content}
}

func feedbackText(d registry.Decision) string {
	var b strings.Builder
	b.WriteString("## User feedback\n\n")
	switch d.Action {
	case registry.ActionContinue:
		b.WriteString("**Choice**: ✅ Continue\n\n")
		if d.Feedback != "" {
			fmt.Fprintf(&b, "**Feedback**:\n%s\n\n", d.Feedback)
		}
	case registry.ActionCancel:
		b.WriteString("**Choice**: 🛑 Cancelled\n\n")
	default:
		b.WriteString("**Choice**: 🛑 End\n\n")
	}
	return b.String()
}

func trailer(toolName string, action registry.Action) string {
	if action == registry.ActionContinue {
		return fmt.Sprintf("\n---\n## ⚠️ MANDATORY NEXT STEP\n\n"+
			"**You MUST call `%[1]s` again after processing this feedback.**\n\n"+
			"This is NOT optional. The feedback loop continues until user clicks \"End\".\n\n"+
			"1. Process the user feedback above\n"+
			"2. Make any requested changes\n"+
			"3. Call `%[1]s` with a summary of what you did\n\n"+
			"**DO NOT SKIP THIS STEP.**\n", toolName)
	}
	return "\n---\n## 🛑 CONVERSATION ENDED\n\n" +
		"**User wants to end.** Stop immediately. Do NOT call any more tools. The conversation is complete.\n"
}

// ParseDataURL decodes a base64 image data URL such as
// "data:image/png;base64,iVBOR...".
func ParseDataURL(s string) (registry.Attachment, error) {
	m := dataURLPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return registry.Attachment{}, fmt.Errorf("not an image data URL")
	}
	data, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return registry.Attachment{}, fmt.Errorf("decode image data: %w", err)
	}
	return registry.Attachment{MimeType: m[1], Data: data}, nil
}

// DataURL encodes a as a base64 data URL, the form ParseDataURL accepts.
func DataURL(a registry.Attachment) string {
	return "data:" + a.MimeType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

func toolDefinition(toolName string) ToolDefinition {
	return ToolDefinition{
		Name: toolName,
		Description: "Ask the user whether to continue. Call this tool after completing a task " +
			"to present a summary and wait for the user's feedback. The user may continue with " +
			"new instructions or end the conversation.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"project_directory": {
					Type:        "string",
					Description: "Absolute path of the project the caller is working in",
					Default:     ".",
				},
				"summary": {
					Type:        "string",
					Description: "Summary of the work done since the last call",
					Default:     "I have completed the requested task.",
				},
				"timeout": {
					Type:        "number",
					Description: "Seconds to wait for the user before continuing with no feedback",
				},
			},
		},
	}
}
