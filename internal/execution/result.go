package execution

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Sentinel markers emitted by the in-container executor around the
// JSON-encoded return value of the user's entrypoint.
const (
	resultSentinelBegin = "===SANDBOX_RESULT==="
	resultSentinelEnd   = "===SANDBOX_RESULT_END==="
)

// parseSentinelResult extracts the JSON document bracketed by the
// result sentinels from stdout. It returns nil when no complete
// sentinel pair is present or the bracketed text is not valid JSON;
// a missing return value is not an execution failure.
func parseSentinelResult(stdout string) json.RawMessage {
	begin := strings.LastIndex(stdout, resultSentinelBegin)
	if begin < 0 {
		return nil
	}
	rest := stdout[begin+len(resultSentinelBegin):]
	end := strings.Index(rest, resultSentinelEnd)
	if end < 0 {
		return nil
	}
	raw := strings.TrimSpace(rest[:end])
	if raw == "" {
		return nil
	}
	if !json.Valid([]byte(raw)) {
		return nil
	}
	return json.RawMessage(raw)
}

// stripSentinelBlock removes the sentinel-delimited result block from
// stdout so clients see only what the program actually printed.
func stripSentinelBlock(stdout string) string {
	begin := strings.LastIndex(stdout, resultSentinelBegin)
	if begin < 0 {
		return stdout
	}
	rest := stdout[begin+len(resultSentinelBegin):]
	end := strings.Index(rest, resultSentinelEnd)
	if end < 0 {
		return stdout
	}
	return stdout[:begin] + rest[end+len(resultSentinelEnd):]
}

// truncateOutput caps s at limit bytes, appending a marker carrying the
// number of bytes removed. It returns the possibly truncated string and
// the count of dropped bytes (zero when s fits).
func truncateOutput(s string, limit int64) (string, int) {
	if limit <= 0 || int64(len(s)) <= limit {
		return s, 0
	}
	dropped := len(s) - int(limit)
	return s[:limit] + fmt.Sprintf("…[TRUNCATED %d bytes]", dropped), dropped
}
