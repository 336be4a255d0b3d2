package vault

import (
	"strings"
	"time"
)

// Date variables recognised in written content. Values are rendered in UTC.
var dateVariables = []struct {
	token  string
	layout string
}{
	{"{{date}}", "2006-01-02"},
	{"{{date:YYYY-MM-DD}}", "2006-01-02"},
	{"{{date:YYYY-MM-DD HH:mm}}", "2006-01-02 15:04"},
	{"{{date:YYYY-MM-DD HH:mm:ss}}", "2006-01-02 15:04:05"},
}

// ExpandDates replaces the date variables in content with now.
func ExpandDates(content string, now time.Time) string {
	if !strings.Contains(content, "{{date") {
		return content
	}
	now = now.UTC()
	pairs := make([]string, 0, len(dateVariables)*2)
	for _, dv := range dateVariables {
		pairs = append(pairs, dv.token, now.Format(dv.layout))
	}
	return strings.NewReplacer(pairs...).Replace(content)
}
