// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"os"
	"slices"
	"strings"
)

// localOnlyVariables describe the coordinator machine, not the build.
var localOnlyVariables = []string{"TMP", "TEMP", "TMPDIR", "CL", "_CL_"}

// remoteEnvironment returns the coordinator's environment minus
// locally scoped variables, computed once.
func (c *Coordinator) remoteEnvironment() []string {
	c.environmentOnce.Do(func() {
		environ := c.config.Environ
		if environ == nil {
			environ = os.Environ
		}
		for _, variable := range environ() {
			name, _, _ := strings.Cut(variable, "=")
			if name == "" || slices.Contains(localOnlyVariables, name) || slices.Contains(c.config.LocalEnvironment, name) {
				continue
			}
			c.environment = append(c.environment, variable)
		}
	})
	return c.environment
}
