// Package intel holds what every provider sync shares: the per-run update tag
// and the job parameters derived from it.
package intel

import (
	"os"
	"strings"

	"github.com/xkilldash9x/cartography/internal/graph/model"
)

// Params are the values every sync in a run receives.
type Params struct {
	UpdateTag     int64
	IterationSize int
}

// JobParameters returns the cleanup parameters for a scope. extra holds the
// scope ids (AWS_ID, ORG_ID, ...).
func (p Params) JobParameters(extra map[string]any) map[string]any {
	out := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		out[k] = v
	}
	out[model.ParamUpdateTag] = p.UpdateTag
	return out
}

// LoadKwargs returns the kwargs for a load under a scope. lastupdated is always set.
func (p Params) LoadKwargs(extra map[string]any) map[string]any {
	out := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		out[k] = v
	}
	out[model.PropLastUpdated] = p.UpdateTag
	return out
}

// SecretFromEnv reads a credential from the environment variable named by
// envVar. An empty name or an unset variable yields "".
func SecretFromEnv(envVar string) string {
	if envVar == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envVar))
}
