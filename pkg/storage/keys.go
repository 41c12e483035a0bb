package storage

import "fmt"

// Key schema:
//
//	report:{runID}                  → Report JSON
//	report_ts:{unixnano:020}:{runID} → runID (time index)
const (
	prefixReport   = "report:"
	prefixReportTS = "report_ts:"
)

// reportKey returns the key for a report
// Format: "report:{runID}"
func reportKey(runID string) []byte {
	return []byte(prefixReport + runID)
}

// reportTSKey returns the time index key for a report
// Timestamp is zero-padded (20 digits) for lexicographic sorting
func reportTSKey(unixNano int64, runID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixReportTS, unixNano, runID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
