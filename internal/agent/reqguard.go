package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// futureTolerance absorbs clock skew between the parser's notion of "now"
// and ours before a bound counts as future.
const futureTolerance = 5 * time.Minute

var referentialPhrases = []string{
	"that one", "again", "compared to before", "same as before", "like before",
	"그때", "이전", "아까", "다시", "방금", "직전",
}

// RequestGuard deterministically validates and corrects a structured
// request. No LLM call: time clipping, mode assignment and inheritance
// marking are all rule-based so they are reproducible under test.
type RequestGuard struct {
	clock    clockwork.Clock
	location *time.Location
}

func NewRequestGuard(clock clockwork.Clock, location *time.Location) *RequestGuard {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if location == nil {
		location = time.Local
	}
	return &RequestGuard{clock: clock, location: location}
}

// Normalize mutates req into a mode-consistent request. prev is the previous
// turn's request, used to resolve inherit mode. Returns an adjustment note
// for the status stream, or a failure.
func (g *RequestGuard) Normalize(req *StructuredRequest, question string, prev *StructuredRequest) (string, *Failure) {
	if req == nil || strings.TrimSpace(req.Intent) == "" {
		return "", &Failure{Kind: FailParse, Message: "the request has no recognizable intent"}
	}

	if !req.InheritsPrevious && containsReferentialLanguage(question) {
		req.InheritsPrevious = true
	}
	if req.TimeRange.Timezone == "" {
		req.TimeRange.Timezone = g.location.String()
	}

	hasBounds := req.TimeRange.Start != "" || req.TimeRange.End != ""
	if !hasBounds {
		if req.InheritsPrevious && prev != nil && prev.TimeRange.Start != "" && prev.TimeRange.End != "" {
			req.TimeRange.Start = prev.TimeRange.Start
			req.TimeRange.End = prev.TimeRange.End
			req.TimeRange.Mode = ModeInherit
			return "follow-up question: reusing the previous time range", nil
		}
		req.TimeRange.Mode = ModeAllTime
		req.TimeRange.Start = ""
		req.TimeRange.End = ""
		return "no time range given: querying the whole history", nil
	}

	if req.TimeRange.Start == "" || req.TimeRange.End == "" {
		return "", &Failure{Kind: FailParse, Message: "time range must have both start and end"}
	}

	start, err := g.parseTime(req.TimeRange.Start)
	if err != nil {
		return "", &Failure{Kind: FailParse, Message: fmt.Sprintf("invalid start time: %s", req.TimeRange.Start)}
	}
	end, err := g.parseTime(req.TimeRange.End)
	if err != nil {
		return "", &Failure{Kind: FailParse, Message: fmt.Sprintf("invalid end time: %s", req.TimeRange.End)}
	}

	now := g.clock.Now().In(g.location)
	futureLimit := now.Add(futureTolerance)

	if start.After(futureLimit) {
		return "", &Failure{Kind: FailParse, Message: fmt.Sprintf("start time %s is in the future", req.TimeRange.Start)}
	}

	var adjustment string
	if end.After(futureLimit) {
		adjustment = fmt.Sprintf("end time %s reached into the future: clipped to now", req.TimeRange.End)
		end = now
		req.TimeRange.End = now.Format(time.RFC3339)
	}

	if start.After(end) {
		return "", &Failure{Kind: FailParse, Message: "start time is later than end time"}
	}

	req.TimeRange.Mode = ModeExplicit
	return adjustment, nil
}

func (g *RequestGuard) parseTime(value string) (time.Time, error) {
	value = strings.Replace(value, "Z", "+00:00", 1)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, value, g.location); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", value)
}

func containsReferentialLanguage(question string) bool {
	lowered := strings.ToLower(question)
	for _, phrase := range referentialPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}
