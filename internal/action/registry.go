package action

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/dreamware/shardfollow/internal/cluster"
)

// HandlerFunc serves one action from its raw JSON request body.
type HandlerFunc func(ctx context.Context, headers map[string]string, body []byte) (any, error)

// Registry maps action names to handlers. It is the executor for actions
// addressed to the local node and the dispatcher behind the HTTP transport.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register installs a typed handler for name, replacing any previous one.
func Register[Req any, Resp any](r *Registry, name string, h func(ctx context.Context, headers map[string]string, req *Req) (*Resp, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = func(ctx context.Context, headers map[string]string, body []byte) (any, error) {
		req := new(Req)
		if len(body) > 0 {
			if err := json.Unmarshal(body, req); err != nil {
				return nil, cluster.WrapKind(cluster.KindInvalidArgument, err, "decode %s request", name)
			}
		}
		return h(ctx, headers, req)
	}
}

// Handle dispatches a raw request and returns the encoded response.
func (r *Registry) Handle(ctx context.Context, name string, headers map[string]string, body []byte) ([]byte, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, cluster.Errorf(cluster.KindInvalidArgument, "no handler for action [%s]", name)
	}
	resp, err := h(ctx, headers, body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// Execute runs an action in-process. Requests and responses go through the
// same JSON encoding as the HTTP transport so both paths behave identically.
func (r *Registry) Execute(ctx context.Context, name string, headers map[string]string, req any, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	out, err := r.Handle(ctx, name, headers, body)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return json.Unmarshal(out, resp)
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
