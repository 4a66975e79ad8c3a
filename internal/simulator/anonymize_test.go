package simulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnonymizeErrors_GroupsByFirstColonPrefix(t *testing.T) {
	logs := []byte(
		`{"message":"timeout: harness request exceeded deadline","context":"req-1"}` + "\n" +
			`{"message":"timeout: harness request exceeded deadline","context":"req-2"}` + "\n" +
			`{"message":"validation error: missing field amount","context":"req-3"}` + "\n" +
			`{"status":"success","metrics":{"success_rate":0.9}}` + "\n",
	)

	errs := anonymizeErrors("run-1", "node", logs, 100)
	require.Len(t, errs, 2)

	byOrder := map[string]*AnonymizedError{}
	for _, e := range errs {
		byOrder[e.ErrorSignature] = e
	}

	timeout := byOrder["timeout"]
	require.NotNil(t, timeout)
	assert.Equal(t, 0.02, timeout.Frequency)
	assert.Equal(t, "timeout", timeout.Category)
	assert.NotEmpty(t, timeout.ContextHash)

	validation := byOrder["validation error"]
	require.NotNil(t, validation)
	assert.Equal(t, 0.01, validation.Frequency)
	assert.Equal(t, "validation", validation.Category)
}

func TestAnonymizeErrors_DeterministicHash(t *testing.T) {
	logs := []byte(`{"message":"auth: token expired","context":"req-1"}` + "\n")
	first := anonymizeErrors("run-1", "node", logs, 10)
	second := anonymizeErrors("run-1", "node", logs, 10)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ContextHash, second[0].ContextHash)

	differentRun := anonymizeErrors("run-2", "node", logs, 10)
	assert.NotEqual(t, first[0].ContextHash, differentRun[0].ContextHash)
}

func TestAnonymizeErrors_NoTotalRequestsReturnsNil(t *testing.T) {
	logs := []byte(`{"message":"timeout: x","context":"c"}` + "\n")
	assert.Nil(t, anonymizeErrors("run-1", "node", logs, 0))
}
