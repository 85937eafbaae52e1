// Package remote resolves remote cluster aliases into clients.
package remote

import (
	"io"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
)

// Dialer opens an executor for a remote cluster's seed nodes.
type Dialer func(alias string, seeds []string) (action.Executor, error)

// Resolver turns a remote cluster alias plus caller headers into a client
// bound to that cluster. Connections are cached per alias and dropped when
// the alias is reconfigured or has not been used for the idle period.
// Dropped executors that implement io.Closer are closed.
type Resolver struct {
	local  action.Executor
	dial   Dialer
	logger *zap.Logger

	mu    sync.RWMutex
	seeds map[string][]string
	conns *gocache.Cache
}

// NewResolver creates a resolver. idle is how long an unused connection
// stays cached; every lookup restarts the period.
func NewResolver(local action.Executor, dial Dialer, idle time.Duration, logger *zap.Logger) *Resolver {
	r := &Resolver{
		local:  local,
		dial:   dial,
		logger: logger,
		seeds:  make(map[string][]string),
		conns:  gocache.New(idle, time.Minute),
	}
	r.conns.OnEvicted(r.evicted)
	return r
}

func (r *Resolver) evicted(alias string, v any) {
	c, ok := v.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		r.logger.Debug("close remote connection", zap.String("remote_cluster", alias), zap.Error(err))
	}
}

// Close closes every cached connection. The cache janitor goroutine exits
// once the resolver is no longer referenced.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns.DeleteExpired()
	for alias := range r.conns.Items() {
		r.conns.Delete(alias)
	}
}

// SetRemote registers or replaces the seeds of alias.
func (r *Resolver) SetRemote(alias string, seeds []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeds[alias] = append([]string(nil), seeds...)
	r.conns.Delete(alias)
	r.logger.Info("remote cluster configured", zap.String("remote_cluster", alias), zap.Strings("seeds", seeds))
}

func (r *Resolver) RemoveRemote(alias string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seeds, alias)
	r.conns.Delete(alias)
}

// Aliases returns the configured remote aliases, sorted.
func (r *Resolver) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.seeds))
	for alias := range r.seeds {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Local returns a client for the local cluster.
func (r *Resolver) Local(headers map[string]string) *action.Client {
	return action.NewClient(r.local, headers)
}

// Remote returns a client for alias carrying headers. An alias that is not
// configured fails with KindNoSuchRemoteCluster.
func (r *Resolver) Remote(alias string, headers map[string]string) (*action.Client, error) {
	exec, err := r.executor(alias)
	if err != nil {
		return nil, err
	}
	return action.NewClient(exec, headers), nil
}

func (r *Resolver) executor(alias string) (action.Executor, error) {
	if exec, ok := r.cached(alias); ok {
		return exec, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	seeds, ok := r.seeds[alias]
	if !ok {
		return nil, cluster.Errorf(cluster.KindNoSuchRemoteCluster, "no such remote cluster: [%s]", alias)
	}
	if v, ok := r.conns.Get(alias); ok {
		return v.(action.Executor), nil
	}
	// closes an expired executor the janitor has not collected yet
	r.conns.DeleteExpired()
	exec, err := r.dial(alias, seeds)
	if err != nil {
		return nil, cluster.WrapKind(cluster.KindConnect, err, "connect to remote cluster [%s]", alias)
	}
	r.conns.SetDefault(alias, exec)
	return exec, nil
}

// cached returns the cached executor of alias and pushes its expiry back.
// go-cache counts expiry from the last Set, so a hit is stored again.
func (r *Resolver) cached(alias string) (action.Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.conns.Get(alias)
	if !ok {
		return nil, false
	}
	r.conns.SetDefault(alias, v)
	return v.(action.Executor), true
}
