package domaintest

import (
	"context"
	"sync"

	"github.com/pscheid92/relay/internal/domain"
)

// Network links Buses so that an envelope published on one is delivered to
// every Bus on the same Network, the publisher included.
type Network struct {
	mu    sync.Mutex
	peers []chan domain.Envelope
}

func NewNetwork() *Network { return &Network{} }

func (n *Network) Bus() *Bus {
	b := &Bus{net: n, in: make(chan domain.Envelope, 64)}
	n.mu.Lock()
	n.peers = append(n.peers, b.in)
	n.mu.Unlock()
	return b
}

// Bus is an in-process domain.Bus.
type Bus struct {
	net *Network
	in  chan domain.Envelope

	mu        sync.Mutex
	published []domain.Envelope
	// PublishErr, when set, fails every Publish.
	PublishErr error
}

var _ domain.Bus = (*Bus)(nil)

func (b *Bus) Publish(_ context.Context, env domain.Envelope) error {
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.mu.Lock()
	b.published = append(b.published, env)
	b.mu.Unlock()

	b.net.mu.Lock()
	defer b.net.mu.Unlock()
	for _, p := range b.net.peers {
		p <- env
	}
	return nil
}

func (b *Bus) Run(ctx context.Context, fn func(context.Context, domain.Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.in:
			fn(ctx, env)
		}
	}
}

func (b *Bus) Close() error { return nil }

func (b *Bus) Published() []domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Envelope(nil), b.published...)
}

// Presence is an in-memory directory shared by several instances.
type Presence struct {
	mu   sync.Mutex
	rows map[string]string
}

func NewPresence() *Presence { return &Presence{rows: map[string]string{}} }

// For returns a view of the directory bound to one instance id.
func (p *Presence) For(instanceID string) domain.Presence {
	return &presenceView{dir: p, instance: instanceID}
}

type presenceView struct {
	dir      *Presence
	instance string
}

func (v *presenceView) Register(_ context.Context, id string) error {
	v.dir.mu.Lock()
	v.dir.rows[id] = v.instance
	v.dir.mu.Unlock()
	return nil
}

func (v *presenceView) Unregister(_ context.Context, id string) error {
	v.dir.mu.Lock()
	if v.dir.rows[id] == v.instance {
		delete(v.dir.rows, id)
	}
	v.dir.mu.Unlock()
	return nil
}

func (v *presenceView) Locate(_ context.Context, id string) (string, bool, error) {
	v.dir.mu.Lock()
	defer v.dir.mu.Unlock()
	inst, ok := v.dir.rows[id]
	return inst, ok, nil
}

func (v *presenceView) Count(context.Context) (int64, error) {
	v.dir.mu.Lock()
	defer v.dir.mu.Unlock()
	return int64(len(v.dir.rows)), nil
}
