// Copyright 2025 The Ruleline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"testing"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledStillProvidesTracer(t *testing.T) {
	p, err := New("ruleline-test", "0.0.0", false, promclient.NewRegistry())
	require.NoError(t, err)

	tr := p.Tracer("test")
	assert.NotNil(t, tr)

	_, span := tr.Start(context.Background(), "noop")
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_MeterFeedsRegistry(t *testing.T) {
	reg := promclient.NewRegistry()
	p, err := New("ruleline-test", "0.0.0", false, reg)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	families, err := reg.Gather()
	require.NoError(t, err)
	// The exporter contributes target_info from the resource.
	assert.NotEmpty(t, families)
}
