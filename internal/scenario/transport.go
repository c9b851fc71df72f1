package scenario

import (
	"context"
	"fmt"
	"time"

	baseactor "github.com/roasbeef/relay/internal/baselib/actor"
	"github.com/roasbeef/relay/internal/basp"
	"github.com/roasbeef/relay/internal/broker"
	"github.com/roasbeef/relay/internal/transport"
	"github.com/roasbeef/relay/internal/wire"
)

func init() {
	Register(Scenario{
		Suite: "transport",
		Name:  "heartbeat-over-tcp",
		Run:   runHeartbeatOverTCP,
	})
	Register(Scenario{
		Suite: "transport",
		Name:  "heartbeat-over-websocket",
		Run:   runHeartbeatOverWebsocket,
	})
}

// runHeartbeatOverTCP exercises broker.SendHeartbeats over a real loopback
// TCP socket pair rather than the in-process TestMultiplexer, so this
// scenario is the one that actually drives TCPMultiplexer end to end.
func runHeartbeatOverTCP(ctx context.Context) error {
	sys := baseactor.NewActorSystem()
	defer sys.Shutdown(ctx)

	nodeA, err := baseactor.NewNodeID(1)
	if err != nil {
		return err
	}
	nodeB, err := baseactor.NewNodeID(2)
	if err != nil {
		return err
	}

	ser := wire.NewBinarySerializer()

	muxA := transport.NewTCPMultiplexer()
	muxB := transport.NewTCPMultiplexer()

	instA := basp.NewInstance(nodeA, 1)
	instB := basp.NewInstance(nodeB, 1)

	brokerA := broker.New(sys, muxA, instA, ser)
	brokerB := broker.New(sys, muxB, instB, ser)

	keyA := baseactor.NewServiceKey[baseactor.Message, any]("BASP-A")
	refA := baseactor.RegisterWithSystem(sys, "BASP-A", keyA, brokerA.Behavior())
	keyB := baseactor.NewServiceKey[baseactor.Message, any]("BASP-B")
	refB := baseactor.RegisterWithSystem(sys, "BASP-B", keyB, brokerB.Behavior())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go broker.RunEventLoop(runCtx, refA, muxA)
	go broker.RunEventLoop(runCtx, refB, muxB)

	port, err := brokerB.Listen(ctx, "127.0.0.1", 0, false, false)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if _, err := brokerA.ConnectAndAwait(ctx, "127.0.0.1", port, false); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if n := len(brokerA.Inst().ReadyConnections()); n != 1 {
		return fmt.Errorf("expected 1 ready connection, got %d", n)
	}

	hbCtx, hbCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer hbCancel()

	err = brokerA.SendHeartbeats(hbCtx, 10*time.Millisecond)
	if err != nil && err != context.DeadlineExceeded {
		return fmt.Errorf("send heartbeats: %w", err)
	}

	if n := len(brokerA.Inst().ReadyConnections()); n != 1 {
		return fmt.Errorf("connection did not survive heartbeat traffic")
	}

	return nil
}

// runHeartbeatOverWebsocket is runHeartbeatOverTCP's websocket counterpart,
// exercising transport.WSMultiplexer instead of transport.TCPMultiplexer.
func runHeartbeatOverWebsocket(ctx context.Context) error {
	sys := baseactor.NewActorSystem()
	defer sys.Shutdown(ctx)

	nodeA, err := baseactor.NewNodeID(3)
	if err != nil {
		return err
	}
	nodeB, err := baseactor.NewNodeID(4)
	if err != nil {
		return err
	}

	ser := wire.NewBinarySerializer()

	muxA := transport.NewWSMultiplexer(nil)
	muxB := transport.NewWSMultiplexer(nil)

	instA := basp.NewInstance(nodeA, 1)
	instB := basp.NewInstance(nodeB, 1)

	brokerA := broker.New(sys, muxA, instA, ser)
	brokerB := broker.New(sys, muxB, instB, ser)

	keyA := baseactor.NewServiceKey[baseactor.Message, any]("WS-A")
	refA := baseactor.RegisterWithSystem(sys, "WS-A", keyA, brokerA.Behavior())
	keyB := baseactor.NewServiceKey[baseactor.Message, any]("WS-B")
	refB := baseactor.RegisterWithSystem(sys, "WS-B", keyB, brokerB.Behavior())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go broker.RunEventLoop(runCtx, refA, muxA)
	go broker.RunEventLoop(runCtx, refB, muxB)

	port, err := brokerB.Listen(ctx, "127.0.0.1", 0, false, false)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if _, err := brokerA.ConnectAndAwait(ctx, "127.0.0.1", port, false); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if n := len(brokerA.Inst().ReadyConnections()); n != 1 {
		return fmt.Errorf("expected 1 ready connection, got %d", n)
	}

	hbCtx, hbCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer hbCancel()

	err = brokerA.SendHeartbeats(hbCtx, 10*time.Millisecond)
	if err != nil && err != context.DeadlineExceeded {
		return fmt.Errorf("send heartbeats: %w", err)
	}

	if n := len(brokerA.Inst().ReadyConnections()); n != 1 {
		return fmt.Errorf("connection did not survive heartbeat traffic")
	}

	return nil
}
