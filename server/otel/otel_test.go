// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/fluxrule/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTracesDisabled(t *testing.T) {
	p, err := Setup(context.Background(), config.ServerConfig{OtelServiceName: "fluxrule"}, "10.0.0.1:7100")
	require.NoError(t, err)
	assert.Nil(t, p.Tracer(), "no tracer without a trace pipeline")
	assert.NoError(t, p.Shutdown(context.Background()))
}
