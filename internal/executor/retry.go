package executor

import (
	"regexp"
	"strconv"
)

// apiErrorRe matches upstream API failures surfaced by the agent, e.g.
// `API Error: 503 {"type":"error",...}`.
var apiErrorRe = regexp.MustCompile(`API Error: (\d{3}) (\{.*\})`)

// transientStatuses are the HTTP statuses retried inside the executor
// without consuming the task's attempt budget.
var transientStatuses = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
	529: true,
}

// IsTransientAPIError reports whether an agent failure is a transient
// upstream error worth retrying in place.
func IsTransientAPIError(output string) bool {
	m := apiErrorRe.FindStringSubmatch(output)
	if m == nil {
		return false
	}
	status, err := strconv.Atoi(m[1])
	if err != nil {
		return false
	}
	return transientStatuses[status]
}
