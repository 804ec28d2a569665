package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"cellarsync/cluster"
	"cellarsync/command"
)

type packetKind string

const (
	commandPacket packetKind = "command"
	resultPacket  packetKind = "result"
)

// WakeupPacket carries a command to other nodes, or a result back to
// the node that sent the command.
type WakeupPacket struct {
	ClusterName string           `json:"cluster_name"`
	SenderNode  string           `json:"sender_node"`
	SenderHost  string           `json:"sender_host"`
	Kind        packetKind       `json:"kind"`
	Command     *command.Command `json:"command,omitempty"`
	Result      *command.Result  `json:"result,omitempty"`
}

// CommandHandler executes a command received from another node.
type CommandHandler func(ctx context.Context, cmd *command.Command) command.Result

// WakeupManager sends commands to other nodes over UDP so they don't
// wait for the next reconciliation cycle, and routes their results
// back. It implements command.Producer.
type WakeupManager struct {
	port        int
	clusterName string
	node        cluster.Node
	log         *zap.Logger

	handler  CommandHandler
	complete func(command.Result) bool

	// peers maps node IDs to their UDP address.
	peers sync.Map

	mu         sync.RWMutex
	advertised string
}

var _ command.Producer = (*WakeupManager)(nil)

func NewWakeupManager(port int, clusterName string, node cluster.Node, log *zap.Logger) *WakeupManager {
	return &WakeupManager{
		port:        port,
		clusterName: clusterName,
		node:        node,
		log:         log.Named("wakeup"),
		advertised:  joinPort(node.Host, port),
	}
}

// Handle sets the command handler and the sink of received results.
// It must be called before StartListener.
func (w *WakeupManager) Handle(handler CommandHandler, complete func(command.Result) bool) {
	w.handler = handler
	w.complete = complete
}

// Learn records the address of a node.
func (w *WakeupManager) Learn(n cluster.Node) {
	if n.ID == w.node.ID || n.Host == "" {
		return
	}
	w.peers.Store(n.ID, joinPort(n.Host, w.port))
}

// Advertised is the address sent to other nodes for replies.
func (w *WakeupManager) Advertised() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.advertised
}

// joinPort appends port to host unless host already has one.
func joinPort(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (w *WakeupManager) StartListener(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", w.port))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP port %d: %w", w.port, err)
	}

	// With port 0 the kernel picks the port, advertise that one.
	if w.port == 0 {
		actual := conn.LocalAddr().(*net.UDPAddr).Port
		host, _, err := net.SplitHostPort(w.Advertised())
		if err != nil {
			host = w.node.Host
		}
		w.mu.Lock()
		w.advertised = net.JoinHostPort(host, strconv.Itoa(actual))
		w.mu.Unlock()
	}

	go func() {
		defer conn.Close()

		buffer := make([]byte, 64*1024)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				conn.SetReadDeadline(time.Now().Add(1 * time.Second))
				n, _, err := conn.ReadFromUDP(buffer)
				if err != nil {
					var netErr net.Error
					if errors.As(err, &netErr) && netErr.Timeout() {
						continue // Timeout is expected, continue listening
					}
					w.log.Error("error reading UDP packet", zap.Error(err))
					continue
				}

				var packet WakeupPacket
				if err := json.Unmarshal(buffer[:n], &packet); err != nil {
					w.log.Warn("failed to unmarshal wakeup packet", zap.Error(err))
					continue
				}
				w.receive(ctx, packet)
			}
		}
	}()

	w.log.Info("listening for wakeup packets", zap.String("address", conn.LocalAddr().String()))
	return nil
}

func (w *WakeupManager) receive(ctx context.Context, packet WakeupPacket) {
	if packet.ClusterName != w.clusterName {
		w.log.Warn("received wakeup packet for wrong cluster",
			zap.String("sender", packet.SenderNode),
			zap.String("cluster", packet.ClusterName),
		)
		return
	}
	if packet.SenderNode == w.node.ID {
		w.log.Warn("received wakeup packet from current node")
		return
	}
	if packet.SenderHost != "" {
		w.peers.Store(packet.SenderNode, packet.SenderHost)
	}

	switch packet.Kind {
	case commandPacket:
		if packet.Command == nil || w.handler == nil {
			return
		}
		w.log.Debug("received command",
			zap.String("sender", packet.SenderNode),
			zap.String("id", packet.Command.ID),
			zap.String("type", packet.Command.Type),
		)
		go func(cmd *command.Command) {
			result := w.handler(ctx, cmd)
			result.ID = cmd.ID
			result.Node = w.node.ID
			w.send(packet.SenderNode, WakeupPacket{Kind: resultPacket, Result: &result})
		}(packet.Command)

	case resultPacket:
		if packet.Result == nil || w.complete == nil {
			return
		}
		w.complete(*packet.Result)

	default:
		w.log.Warn("unknown wakeup packet kind", zap.String("kind", string(packet.Kind)))
	}
}

// Produce sends the command to every destination node with a known
// address.
func (w *WakeupManager) Produce(ctx context.Context, cmd *command.Command) error {
	sent := 0
	for _, id := range cmd.Destination {
		if w.send(id, WakeupPacket{Kind: commandPacket, Command: cmd}) {
			sent++
		}
	}
	if sent == 0 {
		return fmt.Errorf("no known address for any of %v", cmd.Destination)
	}
	return nil
}

// send is asynchronous. It reports whether the node address is known.
func (w *WakeupManager) send(nodeID string, packet WakeupPacket) bool {
	v, ok := w.peers.Load(nodeID)
	if !ok {
		w.log.Warn("no known address for node", zap.String("node", nodeID))
		return false
	}
	address := v.(string)

	packet.ClusterName = w.clusterName
	packet.SenderNode = w.node.ID
	packet.SenderHost = w.Advertised()

	data, err := json.Marshal(packet)
	if err != nil {
		w.log.Error("failed to marshal wakeup packet", zap.Error(err))
		return false
	}

	go func() {
		addr, err := net.ResolveUDPAddr("udp", address)
		if err != nil {
			w.log.Warn("failed to resolve UDP address", zap.String("address", address), zap.Error(err))
			return
		}

		conn, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			w.log.Warn("failed to connect", zap.String("address", address), zap.Error(err))
			return
		}
		defer conn.Close()

		conn.SetWriteDeadline(time.Now().Add(1 * time.Second))
		if _, err := conn.Write(data); err != nil {
			w.log.Warn("failed to send wakeup packet", zap.String("address", address), zap.Error(err))
			return
		}

		w.log.Debug("sent wakeup packet", zap.String("node", nodeID), zap.String("kind", string(packet.Kind)))
	}()
	return true
}
