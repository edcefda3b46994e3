// Package transport runs the libp2p host. Peers speak newline-delimited
// JSON envelopes over websocket streams: one request frame and one reply
// frame per stream, in either direction.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/taskmesh/taskmesh/internal/identity"
	"github.com/taskmesh/taskmesh/internal/log"
	"github.com/taskmesh/taskmesh/internal/protocol"
)

// streamTimeout bounds one inbound request/reply exchange.
const streamTimeout = 30 * time.Second

// sendTimeout bounds an outbound exchange when the caller's context has no
// deadline of its own.
const sendTimeout = 10 * time.Second

// Handler serves one request envelope and returns the reply.
type Handler interface {
	Handle(ctx context.Context, peerID string, env protocol.Envelope) protocol.Envelope
}

// Notifier receives connection lifecycle callbacks. The registry implements
// it; unknown peers are its problem to ignore.
type Notifier interface {
	Connect(peerID string)
	Disconnect(peerID string)
}

// Transport wraps the libp2p host.
type Transport struct {
	host     host.Host
	handler  Handler
	announce []ma.Multiaddr
}

// New starts the host listening on the configured addresses. announce, when
// non-empty, overrides the advertised addresses for peers behind NAT or a
// reverse proxy.
func New(id *identity.Identity, listen, announce []string, handler Handler, notifier Notifier) (*Transport, error) {
	announceAddrs, err := parseMultiaddrs(announce)
	if err != nil {
		return nil, fmt.Errorf("parsing announce addresses: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(id.TransportKey),
		libp2p.ListenAddrStrings(listen...),
		libp2p.Transport(ws.New),
	}
	if len(announceAddrs) > 0 {
		opts = append(opts, libp2p.AddrsFactory(func([]ma.Multiaddr) []ma.Multiaddr {
			return announceAddrs
		}))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("starting libp2p host: %w", err)
	}

	t := &Transport{host: h, handler: handler, announce: announceAddrs}
	h.SetStreamHandler(protocol.ID, t.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			notifier.Connect(c.RemotePeer().String())
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			notifier.Disconnect(c.RemotePeer().String())
		},
	})

	log.Info(log.CatTransport, "transport listening", "peer", h.ID().String(), "addrs", t.Addrs())
	return t, nil
}

func (t *Transport) handleStream(s network.Stream) {
	defer s.Close()
	peerID := s.Conn().RemotePeer().String()
	_ = s.SetDeadline(time.Now().Add(streamTimeout))

	env, err := protocol.ReadFrame(bufio.NewReader(s))
	if err != nil {
		log.Warn(log.CatTransport, "unreadable frame", "peer", peerID, "reason", err.Error())
		_ = s.Reset()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
	defer cancel()
	reply := t.handler.Handle(ctx, peerID, env)

	if err := protocol.WriteFrame(s, reply); err != nil {
		log.Warn(log.CatTransport, "writing reply", "peer", peerID, "type", env.Type, "reason", err.Error())
		_ = s.Reset()
	}
}

// Send opens a stream to peerID, writes env, and reads the single reply.
func (t *Transport) Send(ctx context.Context, peerID string, env protocol.Envelope) (protocol.Envelope, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return protocol.Envelope{}, protocol.NewError(protocol.KindTransportError,
			fmt.Sprintf("malformed peer id %q", peerID))
	}

	s, err := t.host.NewStream(ctx, pid, protocol.ID)
	if err != nil {
		return protocol.Envelope{}, protocol.NewError(protocol.KindTransportError,
			fmt.Sprintf("opening stream to %s: %v", peerID, err))
	}
	defer s.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(sendTimeout)
	}
	_ = s.SetDeadline(deadline)

	if err := protocol.WriteFrame(s, env); err != nil {
		_ = s.Reset()
		return protocol.Envelope{}, protocol.NewError(protocol.KindTransportError, err.Error())
	}
	reply, err := protocol.ReadFrame(bufio.NewReader(s))
	if err != nil {
		_ = s.Reset()
		return protocol.Envelope{}, protocol.NewError(protocol.KindTransportError,
			fmt.Sprintf("reading reply from %s: %v", peerID, err))
	}
	return reply, nil
}

// SendOffer delivers a task offer and waits for the worker's acknowledgement
// frame. An error reply counts as a failed delivery.
func (t *Transport) SendOffer(ctx context.Context, peerID string, offer protocol.Offer) error {
	env, err := protocol.NewEnvelope(protocol.MsgOffer, offer)
	if err != nil {
		return err
	}
	reply, err := t.Send(ctx, peerID, env)
	if err != nil {
		return err
	}
	if reply.Type == protocol.MsgError {
		var em protocol.ErrorMessage
		if decErr := reply.Decode(&em); decErr == nil {
			return protocol.NewError(em.Kind, em.Message)
		}
		return protocol.NewError(protocol.KindTransportError, "offer refused")
	}
	return nil
}

// Addrs returns the advertised addresses with the peer id appended, ready
// for workers to dial.
func (t *Transport) Addrs() []string {
	addrs := t.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return out
}

// ID is the host's peer id.
func (t *Transport) ID() string {
	return t.host.ID().String()
}

// ClosePeer drops every connection to peerID.
func (t *Transport) ClosePeer(peerID string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return protocol.NewError(protocol.KindTransportError, fmt.Sprintf("malformed peer id %q", peerID))
	}
	return t.host.Network().ClosePeer(pid)
}

// Close shuts the host down.
func (t *Transport) Close() error {
	return t.host.Close()
}

func parseMultiaddrs(addrs []string) ([]ma.Multiaddr, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		m, err := ma.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", a, err)
		}
		out = append(out, m)
	}
	return out, nil
}
