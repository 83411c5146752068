package app

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/dataflowrt/core/codec"
	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/telemetry"
	"github.com/dataflowrt/core/tenerr"
)

// connSourceScheme prefixes the synthetic app_uri App stamps onto an
// inbound message's Source when the peer that sent it is a raw connection
// with no graph-level identity of its own. Routing
// a reply back to this pseudo-URI is intercepted by App.SendRemote and
// resolved straight back to the originating connection, rather than dialed
// as a real peer app.
const connSourceScheme = "ten-conn://"

var connIDSeq atomic.Uint64

func connSourceURI(id uint64) string { return fmt.Sprintf("%s%d/", connSourceScheme, id) }

func connIDFromSourceURI(appURI string) (uint64, bool) {
	if !strings.HasPrefix(appURI, connSourceScheme) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(appURI, connSourceScheme), "/"), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// migrationState is a RemoteConnection's position in the connection
// migration protocol.
type migrationState int32

const (
	preMigration migrationState = iota
	migrated
)

// RemoteConnection is one TCP (or equivalent stream) peer, addressed by its
// own app_uri once known. A connection starts attached to the app's I/O
// layer and migrates to a single engine's thread on the first inbound
// message naming a graph-id this app recognizes; migration never reverses.
type RemoteConnection struct {
	id      uint64 // stable identity for connSourceURI; assigned once, never reused
	PeerURI string // the remote app_uri this connection was opened to or accepted from, if known

	conn  net.Conn
	codec codec.Codec
	log   telemetry.Logger

	readLimiter *rate.Limiter

	writeMu sync.Mutex

	mu      sync.Mutex
	state   migrationState
	graphID string
}

func newRemoteConnection(conn net.Conn, c codec.Codec, log telemetry.Logger, readLimiter *rate.Limiter, peerURI string) *RemoteConnection {
	return &RemoteConnection{
		id:          connIDSeq.Add(1),
		PeerURI:     peerURI,
		conn:        conn,
		codec:       c,
		log:         log,
		readLimiter: readLimiter,
	}
}

// sourceURI is the pseudo app_uri this connection's inbound traffic is
// stamped with when it carries no Source of its own.
func (rc *RemoteConnection) sourceURI() string { return connSourceURI(rc.id) }

// Send encodes and frames m, writing it to the peer. Safe for concurrent
// callers; the underlying stream write is serialized.
func (rc *RemoteConnection) Send(m *msg.Message) error {
	payload, err := rc.codec.Encode(m)
	if err != nil {
		return tenerr.Wrap(tenerr.ConnectionFailed, err, "encoding message for %s", rc.PeerURI)
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	if err := codec.WriteFrame(rc.conn, payload); err != nil {
		return tenerr.Wrap(tenerr.ConnectionFailed, err, "writing frame to %s", rc.PeerURI)
	}
	return nil
}

// recv blocks for one inbound frame, applying the configured read-rate
// limit before decoding.
func (rc *RemoteConnection) recv(ctx context.Context) (*msg.Message, error) {
	if rc.readLimiter != nil {
		if err := rc.readLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	payload, err := codec.ReadFrame(rc.conn)
	if err != nil {
		return nil, err
	}
	m, err := rc.codec.Decode(payload)
	if err != nil {
		return nil, tenerr.Wrap(tenerr.ConnectionFailed, err, "decoding frame from %s", rc.PeerURI)
	}
	return m, nil
}

// Close tears down the underlying stream.
func (rc *RemoteConnection) Close() error { return rc.conn.Close() }

// migratedGraph returns the graph-id this connection has migrated to, if
// any.
func (rc *RemoteConnection) migratedGraph() (string, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == migrated {
		return rc.graphID, true
	}
	return "", false
}

// migrateTo binds the connection to graphID. Migration is one-way: once
// bound, a later call with a different id is a programming error and is
// ignored rather than allowed to silently rebind a live connection.
func (rc *RemoteConnection) migrateTo(graphID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == migrated {
		return
	}
	rc.state = migrated
	rc.graphID = graphID
}
