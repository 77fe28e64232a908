package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/anthropics/ckg/internal/config"
	"github.com/anthropics/ckg/internal/cypher"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"generic", errors.New("boom"), ExitError},
		{"not found", fmt.Errorf("%w: no entities match", errNotFound), ExitError},
		{"invalid config", fmt.Errorf("load: %w", config.ErrInvalidConfig), ExitConfig},
		{"partial reindex", fmt.Errorf("%w: 2 of 40 files failed", errPartial), ExitPartial},
		{"store transient", cypher.NewError(cypher.KindTransient, "execute", errors.New("refused")), ExitStore},
		{"store timeout", cypher.NewError(cypher.KindTimeout, "execute", errors.New("deadline")), ExitStore},
		{"store fatal", cypher.NewError(cypher.KindFatal, "connect", errors.New("auth")), ExitStore},
		{"query validation", cypher.NewError(cypher.KindValidation, "execute", errors.New("syntax")), ExitConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
