package simulator

import "context"

// imageForLanguage maps an SDK language to its sandbox image. woocommerce
// and shopify are plugin ecosystems layered on php/node respectively, not
// SDK languages of their own.
var imageForLanguage = map[string]string{
	"node":        "molam-sandbox-node:latest",
	"php":         "molam-sandbox-php:latest",
	"python":      "molam-sandbox-python:latest",
	"ruby":        "molam-sandbox-ruby:latest",
	"woocommerce": "molam-sandbox-php:latest",
	"shopify":     "molam-sandbox-node:latest",
}

const defaultSandboxImage = "molam-sandbox-generic:latest"

// sandboxImage resolves the image name for an SDK language, defaulting to
// the generic harness image when the language isn't in the table.
func sandboxImage(sdkLanguage string) string {
	if image, ok := imageForLanguage[sdkLanguage]; ok {
		return image
	}
	return defaultSandboxImage
}

// RunSpec is everything the sandbox runtime needs to execute one harness
// invocation.
type RunSpec struct {
	RunID        string
	Seed         int64
	SDKLanguage  string
	ScenarioJSON []byte
	PatchJS      string
	RollbackJS   string
}

// RunOutcome is what the sandbox runtime reports back after the harness
// container terminates (or is killed on timeout).
type RunOutcome struct {
	ContainerID string
	ExitCode    int
	TimedOut    bool
	Logs        []byte
}

// SandboxRunner creates, runs, and tears down one isolated harness
// execution. Production wiring uses TestcontainersRunner; tests substitute
// a deterministic fake.
type SandboxRunner interface {
	// Run creates the sandbox, starts it, waits up to the runner's
	// configured wall clock, and returns its outcome. ctx cancellation
	// forcibly kills the sandbox.
	Run(ctx context.Context, spec RunSpec) (RunOutcome, error)
}
