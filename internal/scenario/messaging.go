package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	baseactor "github.com/roasbeef/relay/internal/baselib/actor"
	"github.com/roasbeef/relay/internal/basp"
	"github.com/roasbeef/relay/internal/broker"
	"github.com/roasbeef/relay/internal/middleman"
	"github.com/roasbeef/relay/internal/transport"
	"github.com/roasbeef/relay/internal/wire"
)

type pingPongMsg struct {
	baseactor.BaseMessage
	Seq int
}

func (pingPongMsg) MessageType() string { return "scenario.pingPongMsg" }

func init() {
	Register(Scenario{
		Suite: "messaging",
		Name:  "ping-pong",
		Run:   runPingPong,
	})
	Register(Scenario{
		Suite: "messaging",
		Name:  "automatic-upgrade",
		Run:   runAutomaticUpgrade,
	})
}

// runPingPong mirrors spec.md §8's "remote ping/pong over TCP" scenario
// (simulated over the in-process transport, matching how the repo's own
// broker/middleman tests exercise it): Earth publishes pong, Mars dials it
// and exchanges 10 round-trips.
func runPingPong(ctx context.Context) error {
	sys := baseactor.NewActorSystem()
	defer sys.Shutdown(ctx)

	registry := transport.NewTestRegistry()

	earthNode, err := baseactor.NewNodeID(1)
	if err != nil {
		return err
	}
	marsNode, err := baseactor.NewNodeID(2)
	if err != nil {
		return err
	}

	ser := wire.NewBinarySerializer()
	ser.Register(pingPongMsg{}.MessageType(), pingPongMsg{})

	earthMux := transport.NewTestMultiplexer(registry, "earth:0")
	marsMux := transport.NewTestMultiplexer(registry, "mars:0")

	earth := middleman.New(sys, earthMux, earthNode, 1, ser)
	mars := middleman.New(sys, marsMux, marsNode, 1, ser)

	received := make(chan pingPongMsg, 16)
	pongKey := baseactor.NewServiceKey[baseactor.Message, any]("pong")
	baseactor.RegisterWithSystem(sys, "pong", pongKey,
		baseactor.NewFunctionBehavior(
			func(_ context.Context, msg baseactor.Message) fn.Result[any] {
				if deliver, ok := msg.(broker.LocalDeliver); ok {
					if p, ok := deliver.Body.(pingPongMsg); ok {
						received <- p
					}
				}
				return fn.Ok[any](nil)
			},
		),
	)

	port, err := earth.Publish(ctx, "pong", 0, false)
	if err != nil {
		return fmt.Errorf("publish pong: %w", err)
	}

	handle, err := mars.RemoteActor(ctx, "earth", port)
	if err != nil {
		return fmt.Errorf("remote_actor: %w", err)
	}
	if handle.Node != earthNode {
		return fmt.Errorf("proxy node mismatch: got %s want %s",
			handle.Node, earthNode)
	}

	const rounds = 10
	for i := 0; i < rounds; i++ {
		if err := mars.Send(
			ctx, "ping", handle, false, 1, pingPongMsg{Seq: i},
		); err != nil {
			return fmt.Errorf("round %d: send: %w", i, err)
		}

		select {
		case p := <-received:
			if p.Seq != i {
				return fmt.Errorf("round %d: got seq %d", i, p.Seq)
			}
		case <-time.After(2 * time.Second):
			return fmt.Errorf("round %d: timed out waiting for delivery", i)
		}
	}

	return nil
}

// runAutomaticUpgrade mirrors spec.md §4.5's automatic connection upgrade:
// a node known only indirectly is promoted to a direct path once ConfigServ
// holds a dial address for it.
func runAutomaticUpgrade(ctx context.Context) error {
	sys := baseactor.NewActorSystem()
	defer sys.Shutdown(ctx)

	registry := transport.NewTestRegistry()

	clientNode, err := baseactor.NewNodeID(1)
	if err != nil {
		return err
	}
	targetNode, err := baseactor.NewNodeID(3)
	if err != nil {
		return err
	}
	relayNode, err := baseactor.NewNodeID(99)
	if err != nil {
		return err
	}

	ser := wire.NewBinarySerializer()

	client := middleman.New(
		sys, transport.NewTestMultiplexer(registry, "client:0"),
		clientNode, 1, ser,
	)
	target := middleman.New(
		sys, transport.NewTestMultiplexer(registry, "target:0"),
		targetNode, 1, ser,
	)

	client.Broker().Inst().Routing.SetIndirect(targetNode, relayNode)

	path, ok := client.Broker().Inst().Routing.Lookup(targetNode)
	if !ok || path.Kind != basp.PathIndirect {
		return fmt.Errorf("expected indirect route before upgrade")
	}

	if _, err := target.Publish(ctx, "noop", 0, false); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	client.ConfigServRef().Tell(ctx, middleman.ConfigPutAddr{
		Node: targetNode, Host: "target", Port: 0,
	})

	client.UpgradeIndirect(ctx, time.Second)

	path, ok = client.Broker().Inst().Routing.Lookup(targetNode)
	if !ok || path.Kind != basp.PathDirect {
		return fmt.Errorf("route not upgraded to direct")
	}

	return nil
}
