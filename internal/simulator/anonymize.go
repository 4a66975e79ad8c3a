package simulator

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// logError is one parsed JSON-lines error record the harness emits before
// its final summary line.
type logError struct {
	Message string `json:"message"`
	Context string `json:"context"`
}

// signature tokenizes an error by the prefix before its first colon.
func signature(message string) string {
	if idx := strings.IndexByte(message, ':'); idx >= 0 {
		return strings.TrimSpace(message[:idx])
	}
	return strings.TrimSpace(message)
}

// categoryForSignature buckets a tokenized signature into a coarse category
// for offline training aggregation.
func categoryForSignature(sig string) string {
	lower := strings.ToLower(sig)
	switch {
	case strings.Contains(lower, "timeout"):
		return "timeout"
	case strings.Contains(lower, "auth"):
		return "auth"
	case strings.Contains(lower, "validation") || strings.Contains(lower, "invalid"):
		return "validation"
	case strings.Contains(lower, "latency"):
		return "performance"
	default:
		return "unknown"
	}
}

// contextHash derives a deterministic, non-reversible hash over an
// anonymized signature's representative context line, the same
// go-ethereum Keccak256 primitive used by rollout admission hashing — this
// must never vary run-to-run for identical input, ruling out any
// ambient/per-process-randomized hash.
func contextHash(runID, sig, context string) string {
	digest := crypto.Keccak256([]byte(runID + "\x00" + sig + "\x00" + context))
	return hex.EncodeToString(digest)
}

// anonymizeErrors scans JSON-lines harness logs for error records (lines
// with a non-empty "message" field preceding the terminal summary line),
// tokenizes each by its first-colon prefix, counts occurrences, and emits
// one AnonymizedError per distinct signature with frequency relative to
// the run's total_requests.
func anonymizeErrors(runID, sdkLanguage string, logs []byte, totalRequests int) []*AnonymizedError {
	if totalRequests <= 0 {
		return nil
	}

	counts := map[string]int{}
	contexts := map[string]string{}
	order := make([]string, 0)

	scanner := bufio.NewScanner(bytes.NewReader(logs))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var rec logError
		if err := json.Unmarshal(line, &rec); err != nil || rec.Message == "" {
			continue
		}
		sig := signature(rec.Message)
		if _, seen := counts[sig]; !seen {
			order = append(order, sig)
			contexts[sig] = rec.Context
		}
		counts[sig]++
	}

	result := make([]*AnonymizedError, 0, len(order))
	for _, sig := range order {
		count := counts[sig]
		result = append(result, &AnonymizedError{
			RunID:          runID,
			ErrorSignature: sig,
			Category:       categoryForSignature(sig),
			SDKLanguage:    sdkLanguage,
			Frequency:      float64(count) / float64(totalRequests),
			ContextHash:    contextHash(runID, sig, contexts[sig]),
		})
	}
	return result
}
