// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

// Package dispatch delivers policy messages to the proxies. Each proxy gets
// a bounded queue and a dedicated writer goroutine that drains
// opportunistically, frames the batch, and writes it over a persistent TCP
// connection with a single reconnect-and-retry.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bloomberg/weir-qos/internal/polygen/telemetry"
)

const (
	policiesHeader  = "policies\n"
	policiesTrailer = "\nEND_OF_POLICIES\n"

	// maxSendAttempts bounds dial-and-write attempts per batch. On the
	// second failure the batch is dropped; the next tick produces fresh
	// data.
	maxSendAttempts = 2
)

// Proxy is one HAProxy instance: its endpoint, address, message queue, and
// the lazily established connection shared by the writer goroutine and
// direct sends.
type Proxy struct {
	log      *zap.Logger
	endpoint string
	host     string
	port     int
	tick     time.Duration
	queue    chan string

	// dial is swapped out by tests.
	dial func() (net.Conn, error)

	mu   sync.Mutex
	conn net.Conn
}

// NewProxy builds a proxy with a bounded queue of queueSize messages. tick
// is the detector cadence; the writer paces itself at half of it.
func NewProxy(log *zap.Logger, endpoint, host string, port int, tick time.Duration, queueSize int) *Proxy {
	p := &Proxy{
		log: log.With(zap.String("endpoint", endpoint),
			zap.String("haproxy", net.JoinHostPort(host, strconv.Itoa(port)))),
		endpoint: endpoint,
		host:     host,
		port:     port,
		tick:     tick,
		queue:    make(chan string, queueSize),
	}
	p.dial = func() (net.Conn, error) {
		return net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	}
	return p
}

// Endpoint returns the storage endpoint this proxy fronts.
func (p *Proxy) Endpoint() string { return p.endpoint }

// Addr returns the proxy's control address.
func (p *Proxy) Addr() string { return net.JoinHostPort(p.host, strconv.Itoa(p.port)) }

// Enqueue hands a message to the writer without blocking. A full queue means
// the proxy is not keeping up or the connection is broken; the message is
// dropped and the next tick will produce a fresher snapshot.
func (p *Proxy) Enqueue(msg string) {
	select {
	case p.queue <- msg:
	default:
		telemetry.MessagesDropped.Inc()
		p.log.Error("policy message queue is full, dropping message",
			zap.Int("queue_size", len(p.queue)), zap.Int("max_queue_size", cap(p.queue)))
	}
}

// Run is the writer loop: block on the queue head, drain whatever else is
// ready, frame, send. On shutdown any queued messages get one final framed
// send before returning.
func (p *Proxy) Run(ctx context.Context) {
	p.log.Info("starting policy writer")
	defer p.closeConn()

	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case msg := <-p.queue:
			msgs := p.drain([]string{msg})
			p.sendPolicies(frame(msgs))
		}

		select {
		case <-ctx.Done():
			p.flush()
			return
		case <-time.After(p.tick / 2):
		}
	}
}

// drain appends every immediately available message.
func (p *Proxy) drain(msgs []string) []string {
	for {
		select {
		case m := <-p.queue:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func (p *Proxy) flush() {
	msgs := p.drain(nil)
	if len(msgs) > 0 {
		p.sendPolicies(frame(msgs))
	}
}

func frame(msgs []string) string {
	return policiesHeader + strings.Join(msgs, "\n") + policiesTrailer
}

// SendDirect writes an already-framed block (the limit-share batch) on the
// shared connection, bypassing the queue. The block is self-contained and
// infrequent, so the synchronous path is fine.
func (p *Proxy) SendDirect(block string) {
	p.sendPolicies(block)
}

// sendPolicies writes message over the persistent connection, dialing
// lazily. On a write error the connection is re-dialed once; a second
// failure drops the batch.
func (p *Proxy) sendPolicies(message string) {
	if len(message) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.log.Debug("sending policies", zap.String("message", message))
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		if p.conn == nil || attempt > 1 {
			if err := p.reconnectLocked(); err != nil {
				p.log.Warn("connect to haproxy failed",
					zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
		}
		if _, err := p.conn.Write([]byte(message)); err != nil {
			p.log.Warn("write to haproxy failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return
	}
	telemetry.SendFailures.Inc()
	p.log.Error("exhausted retries sending policies, dropping batch",
		zap.Int("attempts", maxSendAttempts))
}

func (p *Proxy) reconnectLocked() error {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	conn, err := p.dial()
	if err != nil {
		return err
	}
	p.conn = conn
	p.log.Debug("connected to haproxy")
	return nil
}

func (p *Proxy) closeConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Topology maps each storage endpoint to its proxies.
type Topology map[string][]*Proxy

// BuildTopology constructs one Proxy per "host:port" entry under each
// endpoint. Malformed entries fail startup.
func BuildTopology(log *zap.Logger, servers map[string][]string, tick time.Duration, queueSize int) (Topology, error) {
	topo := make(Topology, len(servers))
	for endpoint, addrs := range servers {
		for _, addr := range addrs {
			host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
			if err != nil {
				return nil, fmt.Errorf("invalid haproxy address %q for endpoint %s: %w", addr, endpoint, err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("invalid haproxy port %q for endpoint %s: %w", portStr, endpoint, err)
			}
			p := NewProxy(log, endpoint, host, port, tick, queueSize)
			topo[endpoint] = append(topo[endpoint], p)
			log.Info("haproxy instance configured",
				zap.String("endpoint", endpoint), zap.String("addr", p.Addr()))
		}
	}
	return topo, nil
}

// All flattens the topology into the full proxy list.
func (t Topology) All() []*Proxy {
	var out []*Proxy
	for _, proxies := range t {
		out = append(out, proxies...)
	}
	return out
}
