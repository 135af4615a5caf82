// codec_test.go: Tests for the msgpack gRPC codec
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health/grpc_health_v1"
)

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	require.NotNil(t, c)
	assert.Equal(t, CodecName, c.Name())
}

func TestCodecDecodesStringsIntoGenericValues(t *testing.T) {
	c := msgpackCodec{}
	data, err := c.Marshal(&ConfigureRequest{
		CoreConfiguration: &CoreConfiguration{TrustDomain: "example.org"},
		HCLConfiguration:  `greeting = "hi"`,
	})
	require.NoError(t, err)

	// Raw msgpack strings must come back as Go strings, not []byte.
	var generic map[string]interface{}
	require.NoError(t, c.Unmarshal(data, &generic))
	assert.Equal(t, `greeting = "hi"`, generic["hcl_configuration"])
	core, ok := generic["core_configuration"].(map[string]interface{})
	require.True(t, ok, "got %T", generic["core_configuration"])
	assert.Equal(t, "example.org", core["trust_domain"])

	var typed ConfigureRequest
	require.NoError(t, c.Unmarshal(data, &typed))
	require.NotNil(t, typed.CoreConfiguration)
	assert.Equal(t, "example.org", typed.CoreConfiguration.TrustDomain)
}

func TestCodecProtoMessages(t *testing.T) {
	c := msgpackCodec{}
	data, err := c.Marshal(&grpc_health_v1.HealthCheckRequest{Service: HealthServiceName})
	require.NoError(t, err)

	var req grpc_health_v1.HealthCheckRequest
	require.NoError(t, c.Unmarshal(data, &req))
	assert.Equal(t, HealthServiceName, req.GetService())

	var empty DeinitRequest
	assert.NoError(t, c.Unmarshal(nil, &empty))
}
