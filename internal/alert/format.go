package alert

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/signalbox/internal/sweep"
)

// Sidebar colors by severity.
const (
	ColorSuccess = "#36a64f"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Field is one short key/value pair shown next to the message body.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Message is a channel-neutral alert.
type Message struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
}

// FormatSummary renders a sweep summary.
func FormatSummary(sum sweep.Summary) Message {
	color := ColorSuccess
	switch {
	case sum.Err != "":
		color = ColorError
	case sum.Errors > 0:
		color = ColorWarning
	}

	title := fmt.Sprintf("Sweep (%s): %d dispatched", sum.Trigger, sum.Dispatched)
	if sum.Errors > 0 {
		title = fmt.Sprintf("Sweep (%s): %d errors", sum.Trigger, sum.Errors)
	}

	var body []string
	body = append(body, fmt.Sprintf("Started %s, took %dms", sum.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"), sum.DurationMs))
	if sum.Err != "" {
		body = append(body, "Run failed: "+sum.Err)
	}

	return Message{
		Title: title,
		Body:  strings.Join(body, "\n"),
		Color: color,
		Fields: []Field{
			{Name: "Found", Value: strconv.Itoa(sum.Found), Short: true},
			{Name: "Processed", Value: strconv.Itoa(sum.Processed), Short: true},
			{Name: "Skipped", Value: strconv.Itoa(sum.Skipped), Short: true},
			{Name: "Errors", Value: strconv.Itoa(sum.Errors), Short: true},
			{Name: "Dispatched", Value: strconv.Itoa(sum.Dispatched), Short: true},
		},
	}
}

// parseHexColor converts "#36a64f" to 0x36a64f.
func parseHexColor(hex string) int {
	n, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(n)
}
