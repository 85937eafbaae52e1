package transport

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/dreamware/shardfollow/internal/cluster"
)

// Client executes actions on a set of seed nodes over HTTP. Requests go to
// the last seed that answered; a connection failure moves on to the next one.
type Client struct {
	seeds []string
	http  *http.Client
	next  atomic.Uint32
}

// NewClient builds a client for the given seed base URLs. A zero timeout
// leaves the http.Client without one, which long-polling actions need.
func NewClient(seeds []string, timeout time.Duration) *Client {
	trimmed := make([]string, 0, len(seeds))
	for _, s := range seeds {
		trimmed = append(trimmed, strings.TrimRight(s, "/"))
	}
	return &Client{seeds: trimmed, http: &http.Client{Timeout: timeout}}
}

func (c *Client) Execute(ctx context.Context, name string, headers map[string]string, req any, resp any) error {
	if len(c.seeds) == 0 {
		return cluster.Errorf(cluster.KindConnect, "no seed nodes configured")
	}
	wire := make(map[string]string, len(headers))
	for k, v := range headers {
		wire[headerPrefix+k] = v
	}

	var errs error
	start := c.next.Load()
	for i := 0; i < len(c.seeds); i++ {
		idx := (int(start) + i) % len(c.seeds)
		err := cluster.PostJSONWith(ctx, c.http, c.seeds[idx]+actionPrefix+name, wire, req, resp)
		if !cluster.IsKind(err, cluster.KindConnect) {
			c.next.Store(uint32(idx))
			return err
		}
		errs = multierr.Append(errs, err)
	}
	return cluster.WrapKind(cluster.KindConnect, errs, "all seeds unreachable for [%s]", name)
}

// Seeds returns the base URLs this client talks to.
func (c *Client) Seeds() []string {
	return append([]string(nil), c.seeds...)
}

// Close drops the client's idle connections. In-flight requests are not
// affected and the client stays usable.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
