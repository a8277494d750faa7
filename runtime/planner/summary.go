package planner

import (
	"encoding/json"
	"fmt"
)

// MaxResultSummaryLen bounds tool result summaries handed back to the
// planner as step history. Full results stay on the step record.
const MaxResultSummaryLen = 512

// SummarizeResult renders a tool result as compact JSON truncated to
// MaxResultSummaryLen runes.
func SummarizeResult(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	r := []rune(string(b))
	if len(r) <= MaxResultSummaryLen {
		return string(b)
	}
	return string(r[:MaxResultSummaryLen]) + "…"
}
