package notify

import (
	"fmt"
	"sort"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

var severityEmoji = map[string]string{
	"critical": ":rotating_light:",
	"high":     ":x:",
	"medium":   ":warning:",
	"low":      ":information_source:",
}

func incidentURL(incidentID, dashboardURL string) string {
	return fmt.Sprintf("%s/incidents/%s", dashboardURL, incidentID)
}

// BuildIncidentMessage creates Block Kit blocks for an incident notification.
func BuildIncidentMessage(n *Notification, dashboardURL string) []goslack.Block {
	emoji := severityEmoji[n.Severity]
	if emoji == "" {
		emoji = ":warning:"
	}

	header := fmt.Sprintf("%s *Incident %s needs attention*\n%s",
		emoji, n.IncidentID, truncateForSlack(n.Reason))

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
	}

	if detail := contextLines(n.Context); detail != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(detail), false, false),
			nil, nil,
		))
	}

	if dashboardURL != "" {
		btn := goslack.NewButtonBlockElement("", "",
			goslack.NewTextBlockObject(goslack.PlainTextType, "View Incident", false, false))
		btn.URL = incidentURL(n.IncidentID, dashboardURL)
		blocks = append(blocks, goslack.NewActionBlock("", btn))
	}

	return blocks
}

// contextLines renders the notification context as sorted key: value lines.
func contextLines(context map[string]any) string {
	if len(context) == 0 {
		return ""
	}
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for _, k := range keys {
		out += fmt.Sprintf("*%s:* %v\n", k, context[k])
	}
	return out
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
