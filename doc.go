// Package pluginbridge runs plugins as separate processes and talks to them
// over gRPC. A host spawns the plugin binary, reads a one-line handshake from
// its stdout, dials the advertised address once and dispenses typed service
// stubs over the resulting channel. Everything the plugin writes after the
// handshake is relayed to the host, tagged by stream.
//
// Key Features:
//   - Handshake line with core and application version negotiation
//   - gRPC transport over TCP or Unix sockets, optionally multiplexed with yamux
//   - Host services served back to the plugin over the same session
//   - Init, Configure and Deinit lifecycle enforced on both sides
//   - Stdout and stderr relay that never blocks the plugin
//   - Ordered shutdown with error aggregation
//
// Plugin side:
//
//	func main() {
//		demo := pluginbridge.NewService("Demo")
//		pluginbridge.Unary(demo, "Echo", func(ctx context.Context, req *EchoRequest) (*EchoResponse, error) {
//			return &EchoResponse{Message: req.Message}, nil
//		})
//		pluginbridge.ServePlugin(pluginbridge.ServerConfig{
//			HandshakeConfig: pluginbridge.HandshakeConfig{ProtocolVersion: 1, MagicCookieKey: "X", MagicCookieValue: "X"},
//		}, pluginbridge.NewServicePlugin(demo))
//	}
//
// Host side:
//
//	client, err := pluginbridge.NewClient(pluginbridge.ClientConfig{
//		HandshakeConfig: pluginbridge.HandshakeConfig{ProtocolVersion: 1, MagicCookieKey: "X", MagicCookieValue: "X"},
//		Cmd:             exec.Command("./demo-plugin"),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Shutdown(context.Background())
//
//	if err := client.Build(ctx); err != nil {
//		log.Fatal(err)
//	}
//	names, _ := client.Init(ctx, nil)                                // ["Config", "Demo"]
//	_ = client.Configure(ctx, pluginbridge.CoreConfiguration{TrustDomain: "example.org"}, "")
//
// The bridge passes configuration payloads through unchanged and never
// restarts a plugin. Both are left to the host.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package pluginbridge
