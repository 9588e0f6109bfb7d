package realtime

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Conn is a live transport connection as seen by the registry.
type Conn interface {
	// ID uniquely identifies the connection for its lifetime.
	ID() string
	// Send queues a text frame for delivery.
	Send(msg []byte) error
	// IsOpen reports whether the transport still accepts frames.
	IsOpen() bool
}

// Registry maps share tokens to the connections subscribed to them. A
// connection belongs to at most one share at a time.
type Registry struct {
	mu      sync.Mutex
	shares  map[string]map[string]Conn
	members map[string]string

	logger  *logrus.Logger
	metrics *Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logrus.Logger, metrics *Metrics) *Registry {
	return &Registry{
		shares:  make(map[string]map[string]Conn),
		members: make(map[string]string),
		logger:  logger,
		metrics: metrics,
	}
}

// Join subscribes conn to shareToken, dropping any previous subscription.
// Joining the same token again is a no-op.
func (r *Registry) Join(conn Conn, shareToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.members[conn.ID()]; ok {
		if prev == shareToken {
			r.shares[prev][conn.ID()] = conn
			return
		}
		r.removeLocked(conn.ID(), prev)
	}

	set, ok := r.shares[shareToken]
	if !ok {
		set = make(map[string]Conn)
		r.shares[shareToken] = set
	}
	set[conn.ID()] = conn
	r.members[conn.ID()] = shareToken
	r.metrics.setActiveShares(len(r.shares))

	r.logger.WithFields(logrus.Fields{
		"conn":        conn.ID(),
		"subscribers": len(set),
	}).Debug("Connection joined shopping list")
}

// Leave removes conn from its share. It is a no-op for unsubscribed connections.
func (r *Registry) Leave(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token, ok := r.members[conn.ID()]; ok {
		r.removeLocked(conn.ID(), token)
		r.logger.WithField("conn", conn.ID()).Debug("Connection left shopping list")
	}
}

func (r *Registry) removeLocked(connID, shareToken string) {
	delete(r.members, connID)
	if set, ok := r.shares[shareToken]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.shares, shareToken)
		}
	}
	r.metrics.setActiveShares(len(r.shares))
}

// Subscription returns the share token conn is subscribed to.
func (r *Registry) Subscription(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.members[conn.ID()]
	return token, ok
}

// Subscribers returns how many connections are subscribed to shareToken.
func (r *Registry) Subscribers(shareToken string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.shares[shareToken])
}

// Shares returns how many share tokens have at least one subscriber.
func (r *Registry) Shares() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.shares)
}

// Broadcast sends msg to every open connection subscribed to shareToken
// except exclude, which may be nil. Connections that are not open are
// skipped and a failed send is logged; neither stops delivery to the rest.
// It returns the number of connections the message was handed to.
func (r *Registry) Broadcast(shareToken string, msg []byte, exclude Conn) int {
	r.mu.Lock()
	targets := make([]Conn, 0, len(r.shares[shareToken]))
	for id, conn := range r.shares[shareToken] {
		if exclude != nil && id == exclude.ID() {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	delivered := 0
	for _, conn := range targets {
		if !conn.IsOpen() {
			r.metrics.send(sendSkipped)
			continue
		}
		if err := conn.Send(msg); err != nil {
			r.metrics.send(sendFailed)
			r.logger.WithError(err).WithField("conn", conn.ID()).Warn("Failed to deliver broadcast")
			continue
		}
		r.metrics.send(sendDelivered)
		delivered++
	}
	return delivered
}
