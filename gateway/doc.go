// Package gateway implements a client for the Discord gateway: the
// websocket Discord pushes events over.
//
// A [Manager] owns a single connection at a time. It identifies (or
// resumes an existing session), keeps the heartbeat going, and reconnects
// when the connection is lost, resuming wherever it can. Dispatch events
// are decoded into typed values and fanned out by a [Router] to handlers
// registered with [Manager.On] or [Handle].
//
// Components:
//
//   - Codec: inflates and parses inbound frames, encodes outbound ones.
//   - Session: session ID, last sequence number and resume URL.
//   - Heartbeat: the heartbeat schedule and ack tracking.
//   - Manager: the connection state machine.
//   - Router: dispatch event fan-out.
//   - Transport: the socket, with a gorilla/websocket implementation.
//
// Basic usage:
//
//	m := gateway.New(gateway.DefaultConfig(), gateway.WithLogger(logger))
//	gateway.Handle(m.Router(), func(ctx context.Context, ev *gateway.MessageCreate) {
//		fmt.Println(ev.Content)
//	})
//	err := m.Connect(ctx, token, discordgo.IntentsGuildMessages, gateway.Shard{})
package gateway
