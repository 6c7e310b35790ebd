// Clustered cache coherency (spec §5: "ACL caches are per-connector; writes
// invalidate keys matching the affected resource" — across more than one
// SRE process sharing the same backing data, a local Delete on one
// instance also asks every peer to drop its copy of the key; a local Set
// is not broadcast).
//
// Adapted from the teacher's internal/cluster package (same alan.Alan
// peer-discovery handle, same "broadcast a small JSON envelope, peers
// react in a message handler" shape as its encryption-key-rotation
// broadcast) but rewritten around cache invalidation instead of key
// rotation: one message type ("invalidate"), no distributed lock, replies
// awaited for at most two seconds and then discarded — cache coherency is
// advisory and best-effort (spec §5:
// "Best-effort; callers must tolerate cold misses"), so a peer that never
// receives the broadcast just serves a stale entry until its own TTL
// expires, which is within the connector's stated contract.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"

	"github.com/rakunlabs/at/internal/connector"
)

type invalidateMessage struct {
	Key string `json:"key"`
}

// Clustered wraps a Cache backend with best-effort cross-instance
// invalidation over alan peer broadcast. Local reads/writes behave exactly
// like the wrapped backend; Delete additionally broadcasts an invalidation
// so peers drop their own copy of the same key. Set is not broadcast: a
// peer already holding the key keeps its copy until its own TTL expires or
// the key is deleted.
type Clustered struct {
	Cache
	peer *alan.Alan
}

// NewClustered wraps backend with alan-based peer invalidation. cfg follows
// the same alan.Config shape the teacher's cluster package takes; a nil cfg
// disables clustering and Clustered behaves exactly like backend.
func NewClustered(backend Cache, cfg *alan.Config) (*Clustered, error) {
	c := &Clustered{Cache: backend}
	if cfg == nil {
		return c, nil
	}

	peer, err := alan.New(*cfg)
	if err != nil {
		return nil, err
	}
	c.peer = peer
	return c, nil
}

// Start begins peer discovery and installs the invalidation handler. A
// Clustered built with a nil cfg has no peer handle and Start is a no-op,
// so callers can register it unconditionally and let configuration decide
// whether clustering is actually active.
func (c *Clustered) Start(ctx context.Context) error {
	if err := c.Cache.Start(ctx); err != nil {
		return err
	}
	if c.peer == nil {
		return nil
	}

	go func() {
		handler := func(_ context.Context, msg alan.Message) {
			var m invalidateMessage
			if err := json.Unmarshal(msg.Data, &m); err != nil {
				slog.Warn("cache: invalid invalidation message", "from", msg.Addr, "error", err)
				return
			}
			_ = c.Cache.Delete(context.Background(), m.Key)
		}
		if err := c.peer.Start(ctx, handler); err != nil {
			slog.Error("cache: cluster peer loop exited", "error", err)
		}
	}()

	return nil
}

func (c *Clustered) Stop(ctx context.Context) error {
	if c.peer != nil {
		if err := c.peer.Stop(); err != nil {
			slog.Warn("cache: stop peer discovery", "error", err)
		}
	}
	return c.Cache.Stop(ctx)
}

// Delete removes key locally and tells every reachable peer to do the
// same. The broadcast uses a short deadline and ignores the replies: cache
// coherency here is advisory, not a barrier any caller should block on. A
// peer that misses it serves a stale value until its own TTL clears it,
// which is within the connector's best-effort contract (spec §5).
func (c *Clustered) Delete(ctx context.Context, key string) error {
	if err := c.Cache.Delete(ctx, key); err != nil {
		return err
	}
	if c.peer == nil {
		return nil
	}

	data, err := json.Marshal(invalidateMessage{Key: key})
	if err != nil {
		return nil
	}

	broadcastCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := c.peer.SendAndWaitReply(broadcastCtx, data); err != nil {
		slog.Debug("cache: broadcast invalidation failed", "key", key, "error", err)
	}
	return nil
}

var _ connector.Connector = (*Clustered)(nil)
