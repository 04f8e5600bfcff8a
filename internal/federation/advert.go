// Package federation links history servers over persistent websocket
// connections: storage advertisements, scatter-gather query fan-out,
// write forwarding, and redaction propagation.
package federation

import (
	"sort"
	"sync"

	"github.com/recapnet/histd/internal/model"
)

// advert is one peer's storage claim. A nil channel set with Storing
// true means the peer stores every target.
type advert struct {
	storing       bool
	retentionDays int
	channels      map[string]struct{}
}

// AdvertRegistry tracks which linked servers store which targets. The
// registry is rebuilt from full adverts and patched by incremental
// add/del frames; a peer disconnect drops its claim entirely.
type AdvertRegistry struct {
	mu      sync.RWMutex
	adverts map[string]*advert
}

func NewAdvertRegistry() *AdvertRegistry {
	return &AdvertRegistry{adverts: make(map[string]*advert)}
}

// Apply replaces a server's advertisement with the full claim.
func (r *AdvertRegistry) Apply(frame *model.AdvertFrame) {
	a := &advert{
		storing:       frame.Storing,
		retentionDays: frame.RetentionDays,
	}
	if len(frame.Channels) > 0 {
		a.channels = make(map[string]struct{}, len(frame.Channels))
		for _, ch := range frame.Channels {
			a.channels[model.NormalizeTarget(ch)] = struct{}{}
		}
	}
	r.mu.Lock()
	r.adverts[frame.Server] = a
	r.mu.Unlock()
}

// AddChannel patches one channel into a server's storing set. A server
// that previously advertised "all targets" keeps that claim.
func (r *AdvertRegistry) AddChannel(server, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adverts[server]
	if !ok {
		a = &advert{storing: true, channels: map[string]struct{}{}}
		r.adverts[server] = a
	}
	if a.channels == nil {
		// Advertised set was "everything"; a targeted add is a no-op.
		return
	}
	a.channels[model.NormalizeTarget(channel)] = struct{}{}
}

// DelChannel removes one channel from a server's storing set.
func (r *AdvertRegistry) DelChannel(server, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adverts[server]
	if !ok || a.channels == nil {
		return
	}
	delete(a.channels, model.NormalizeTarget(channel))
}

// Remove drops a server's claim, typically on disconnect.
func (r *AdvertRegistry) Remove(server string) {
	r.mu.Lock()
	delete(r.adverts, server)
	r.mu.Unlock()
}

// PeersStoring returns the servers claiming storage for target, sorted
// for deterministic fan-out. Pair-scoped conversation targets match
// only servers storing everything, since channel lists scope channels.
func (r *AdvertRegistry) PeersStoring(target string) []string {
	target = model.NormalizeTarget(target)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for server, a := range r.adverts {
		if !a.storing {
			continue
		}
		if a.channels == nil {
			out = append(out, server)
			continue
		}
		if !model.IsChannel(target) {
			continue
		}
		if _, ok := a.channels[target]; ok {
			out = append(out, server)
		}
	}
	sort.Strings(out)
	return out
}

// Retention reports a server's advertised retention window in days,
// zero when unknown.
func (r *AdvertRegistry) Retention(server string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adverts[server]; ok {
		return a.retentionDays
	}
	return 0
}

// Snapshot lists every advertised claim for the peers endpoint.
func (r *AdvertRegistry) Snapshot() map[string]model.AdvertFrame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]model.AdvertFrame, len(r.adverts))
	for server, a := range r.adverts {
		f := model.AdvertFrame{
			Type:          model.FrameTypeAdvert,
			Server:        server,
			Storing:       a.storing,
			RetentionDays: a.retentionDays,
		}
		for ch := range a.channels {
			f.Channels = append(f.Channels, ch)
		}
		sort.Strings(f.Channels)
		out[server] = f
	}
	return out
}
