package history

import (
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/recapnet/histd/internal/config"
	"github.com/recapnet/histd/internal/model"
	"github.com/recapnet/histd/internal/store"
)

// fakeStore is an in-memory Store good enough for engine-level tests.
// Ordering matches the real store: timestamp ascending, msgid as the
// tie-break.
type fakeStore struct {
	entries []*model.StoredMessage
	meta    map[string]string
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{meta: map[string]string{}}
}

func (f *fakeStore) sorted(target string) []*model.StoredMessage {
	var out []*model.StoredMessage
	for _, m := range f.entries {
		if m.Target == target {
			out = append(out, m)
		}
	}
	SortEntries(out)
	return out
}

func (f *fakeStore) Put(msg *model.StoredMessage) error {
	if f.putErr != nil {
		return f.putErr
	}
	for _, m := range f.entries {
		if m.Target == msg.Target && m.MsgID == msg.MsgID {
			return store.ErrDuplicate
		}
	}
	cp := *msg
	f.entries = append(f.entries, &cp)
	return nil
}

func (f *fakeStore) Latest(target string, limit int) ([]*model.StoredMessage, error) {
	all := f.sorted(target)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (f *fakeStore) GetRange(target string, anchor store.Anchor, dir store.Direction, limit int) ([]*model.StoredMessage, error) {
	var out []*model.StoredMessage
	for _, m := range f.sorted(target) {
		if dir == store.Before && m.At.Before(anchor.At) {
			out = append(out, m)
		}
		if dir == store.After && m.At.After(anchor.At) {
			out = append(out, m)
		}
	}
	if dir == store.Before && len(out) > limit {
		out = out[len(out)-limit:]
	}
	if dir == store.After && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetAround(target string, anchor store.Anchor, limit int) ([]*model.StoredMessage, error) {
	var out []*model.StoredMessage
	for _, m := range f.sorted(target) {
		if !m.At.Before(anchor.At) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetBetween(target string, from, to store.Anchor, limit int) ([]*model.StoredMessage, error) {
	var out []*model.StoredMessage
	for _, m := range f.sorted(target) {
		if m.At.After(from.At) && m.At.Before(to.At) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListTargets(account string, from, to time.Time, limit int) ([]model.TargetActivity, error) {
	last := map[string]time.Time{}
	for _, m := range f.entries {
		if m.At.Before(from) || m.At.After(to) {
			continue
		}
		if !model.IsChannel(m.Target) {
			if _, ok := model.PMCorrespondent(m.Target, account); !ok {
				continue
			}
		}
		if m.At.After(last[m.Target]) {
			last[m.Target] = m.At
		}
	}
	var out []model.TargetActivity
	for name, at := range last {
		out = append(out, model.TargetActivity{Name: name, LastAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAt.Before(out[j].LastAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) Delete(target, msgid string) (bool, error) {
	for i, m := range f.entries {
		if m.Target == target && m.MsgID == msgid {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ResolveMsgID(target, msgid string) (time.Time, bool, error) {
	for _, m := range f.entries {
		if m.Target == target && m.MsgID == msgid {
			return m.At, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (f *fakeStore) GetAccountMeta(account, key string) (string, error) {
	return f.meta[account+"\x00"+key], nil
}

type fakeFederator struct {
	peers     []string
	forwarded []*model.StoredMessage
	redacts   []*model.RedactFrame
	scattered []*model.QueryFrame
	deliverFn func(seed []*model.StoredMessage, deliver func([]*model.StoredMessage, bool))
}

func (f *fakeFederator) PeersStoring(target string) []string { return f.peers }

func (f *fakeFederator) Scatter(q *model.QueryFrame, peers []string, seed []*model.StoredMessage, deliver func([]*model.StoredMessage, bool)) {
	f.scattered = append(f.scattered, q)
	if f.deliverFn != nil {
		f.deliverFn(seed, deliver)
		return
	}
	deliver(seed, false)
}

func (f *fakeFederator) ForwardWrite(msg *model.StoredMessage) { f.forwarded = append(f.forwarded, msg) }
func (f *fakeFederator) PropagateRedact(fr *model.RedactFrame) { f.redacts = append(f.redacts, fr) }

type fakeNotifier struct {
	notices []string
}

func (n *fakeNotifier) NotifyRedacted(target, msgid, reason string) {
	n.notices = append(n.notices, target+"/"+msgid)
}

type fakeAuth struct {
	mods  map[string]bool
	opers map[string]bool
}

func (a *fakeAuth) IsModerator(account, target string) bool { return a.mods[account+"@"+target] }
func (a *fakeAuth) IsOperator(account string) bool          { return a.opers[account] }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Name = "hub.example.net"
	cfg.Federation.Storing = true
	cfg.History.MaxEntriesPerRequest = 50
	cfg.History.DefaultLimit = 10
	cfg.PM.Enabled = true
	cfg.PM.ConsentMode = "multi-party"
	return cfg
}

func entryAt(target, msgid string, at time.Time) *model.StoredMessage {
	return &model.StoredMessage{
		Target: target,
		MsgID:  msgid,
		At:     at,
		Sender: "alice",
		Kind:   model.ItemMessage,
		Text:   "hello " + msgid,
	}
}

func TestAppendChannelStores(t *testing.T) {
	st := newFakeStore()
	svc := NewService(testConfig(t), st, nil, nil, nil, zap.NewNop())

	if err := svc.Append(entryAt("#ops", "m1", time.Now())); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(st.entries) != 1 {
		t.Fatalf("stored %d entries, want 1", len(st.entries))
	}
}

func TestAppendDuplicateSilent(t *testing.T) {
	st := newFakeStore()
	svc := NewService(testConfig(t), st, nil, nil, nil, zap.NewNop())

	m := entryAt("#ops", "m1", time.Now())
	if err := svc.Append(m); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if err := svc.Append(m); err != nil {
		t.Fatalf("duplicate Append should be silent, got %v", err)
	}
	if len(st.entries) != 1 {
		t.Fatalf("stored %d entries, want 1", len(st.entries))
	}
}

func TestAppendStoreFailureReported(t *testing.T) {
	st := newFakeStore()
	st.putErr = errors.New("disk gone")
	svc := NewService(testConfig(t), st, nil, nil, nil, zap.NewNop())

	if err := svc.Append(entryAt("#ops", "m1", time.Now())); err == nil {
		t.Fatal("expected the store error to surface")
	}
}

func TestAppendPMConsent(t *testing.T) {
	now := time.Now()
	pm := model.PMTarget("alice", "bob")

	cases := []struct {
		name       string
		mode       string
		alice, bob string
		stored     bool
	}{
		{"multi-party both opt-in", "multi-party", "opt-in", "opt-in", true},
		{"multi-party one unset", "multi-party", "opt-in", "", false},
		{"multi-party one opt-out", "multi-party", "opt-in", "opt-out", false},
		{"single-party one opt-in", "single-party", "opt-in", "", true},
		{"single-party opt-out vetoes", "single-party", "opt-in", "opt-out", false},
		{"global default on", "global", "", "", true},
		{"global opt-out vetoes", "global", "", "opt-out", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			st.meta["alice\x00"+model.ConsentKey] = tc.alice
			st.meta["bob\x00"+model.ConsentKey] = tc.bob
			cfg := testConfig(t)
			cfg.PM.ConsentMode = tc.mode
			svc := NewService(cfg, st, nil, nil, nil, zap.NewNop())

			m := entryAt(pm, "m1", now)
			if err := svc.Append(m); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if got := len(st.entries) == 1; got != tc.stored {
				t.Errorf("stored = %v, want %v", got, tc.stored)
			}
		})
	}
}

func TestAppendPMDisabled(t *testing.T) {
	st := newFakeStore()
	st.meta["alice\x00"+model.ConsentKey] = "opt-in"
	st.meta["bob\x00"+model.ConsentKey] = "opt-in"
	cfg := testConfig(t)
	cfg.PM.Enabled = false
	svc := NewService(cfg, st, nil, nil, nil, zap.NewNop())

	if err := svc.Append(entryAt(model.PMTarget("alice", "bob"), "m1", time.Now())); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(st.entries) != 0 {
		t.Fatal("pm stored while pm history disabled")
	}
}

func TestAppendForwardsWhenNotStoring(t *testing.T) {
	st := newFakeStore()
	fed := &fakeFederator{}
	cfg := testConfig(t)
	cfg.Federation.Storing = false
	svc := NewService(cfg, st, fed, nil, nil, zap.NewNop())

	if err := svc.Append(entryAt("#ops", "m1", time.Now())); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(st.entries) != 0 {
		t.Fatal("entry stored on a non-storing server")
	}
	if len(fed.forwarded) != 1 {
		t.Fatalf("forwarded %d writes, want 1", len(fed.forwarded))
	}
}

func TestResolveLatestLocal(t *testing.T) {
	st := newFakeStore()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		st.entries = append(st.entries, entryAt("#ops", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	svc := NewService(testConfig(t), st, nil, nil, nil, zap.NewNop())

	got, err := svc.Resolve("alice", "#ops", "LATEST", "*", "", 3)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].MsgID != "m2" || got[2].MsgID != "m4" {
		t.Errorf("window = [%s..%s], want [m2..m4]", got[0].MsgID, got[2].MsgID)
	}
}

func TestResolveLatestWithReferenceIsBefore(t *testing.T) {
	st := newFakeStore()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		st.entries = append(st.entries, entryAt("#ops", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	svc := NewService(testConfig(t), st, nil, nil, nil, zap.NewNop())

	got, err := svc.Resolve("alice", "#ops", "LATEST", "msgid=m3", "", 10)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 3 || got[len(got)-1].MsgID != "m2" {
		t.Fatalf("got %d entries ending %s, want 3 ending m2", len(got), got[len(got)-1].MsgID)
	}
}

func TestResolveClampsLimit(t *testing.T) {
	st := newFakeStore()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 80; i++ {
		st.entries = append(st.entries, entryAt("#ops", fmt.Sprintf("m%02d", i), base.Add(time.Duration(i)*time.Second)))
	}
	svc := NewService(testConfig(t), st, nil, nil, nil, zap.NewNop())

	got, err := svc.Resolve("alice", "#ops", "LATEST", "*", "", 500)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 50 {
		t.Errorf("got %d entries, want the 50 cap", len(got))
	}

	got, err = svc.Resolve("alice", "#ops", "LATEST", "*", "", 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("got %d entries, want the default 10", len(got))
	}
}

func TestResolveMissingReferenceRejected(t *testing.T) {
	svc := NewService(testConfig(t), newFakeStore(), nil, nil, nil, zap.NewNop())
	for _, sub := range []string{"BEFORE", "AFTER", "AROUND", "BETWEEN"} {
		if _, err := svc.Resolve("alice", "#ops", sub, "*", "", 10); !errors.Is(err, ErrBadReference) {
			t.Errorf("%s without reference: err = %v, want ErrBadReference", sub, err)
		}
	}
}

func TestResolveUnknownMsgIDYieldsEmpty(t *testing.T) {
	svc := NewService(testConfig(t), newFakeStore(), nil, nil, nil, zap.NewNop())
	got, err := svc.Resolve("alice", "#ops", "BEFORE", "msgid=no-such", "", 10)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d entries, want none", len(got))
	}
}

func TestResolveFederatedScatter(t *testing.T) {
	st := newFakeStore()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	st.entries = append(st.entries, entryAt("#ops", "local1", base))

	remote := entryAt("#ops", "remote1", base.Add(time.Second))
	fed := &fakeFederator{
		peers: []string{"store1.example.net"},
		deliverFn: func(seed []*model.StoredMessage, deliver func([]*model.StoredMessage, bool)) {
			merged := append(append([]*model.StoredMessage{}, seed...), remote)
			SortEntries(merged)
			deliver(merged, false)
		},
	}
	cfg := testConfig(t)
	cfg.Federation.Storing = false
	svc := NewService(cfg, st, fed, nil, nil, zap.NewNop())

	got, err := svc.Resolve("alice", "#ops", "LATEST", "*", "", 10)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 2 || got[0].MsgID != "local1" || got[1].MsgID != "remote1" {
		t.Fatalf("merged batch wrong: %+v", got)
	}
	if len(fed.scattered) != 1 {
		t.Fatalf("scattered %d queries, want 1", len(fed.scattered))
	}
	if fed.scattered[0].Origin != "hub.example.net" {
		t.Errorf("query origin = %q", fed.scattered[0].Origin)
	}
}

func TestResolveLocalAuthoritativeSkipsFederation(t *testing.T) {
	st := newFakeStore()
	st.entries = append(st.entries, entryAt("#ops", "m1", time.Now()))
	fed := &fakeFederator{peers: []string{"store1.example.net"}}
	svc := NewService(testConfig(t), st, fed, nil, nil, zap.NewNop())

	if _, err := svc.Resolve("alice", "#ops", "LATEST", "*", "", 10); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(fed.scattered) != 0 {
		t.Error("a storing server must answer locally without scattering")
	}
}

func TestResolveTargets(t *testing.T) {
	st := newFakeStore()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	st.entries = append(st.entries,
		entryAt("#ops", "m1", base),
		entryAt(model.PMTarget("alice", "bob"), "m2", base.Add(time.Minute)),
		entryAt(model.PMTarget("carol", "dave"), "m3", base.Add(2*time.Minute)),
	)
	svc := NewService(testConfig(t), st, nil, nil, nil, zap.NewNop())

	got, err := svc.Resolve("alice", "", "TARGETS",
		"timestamp="+base.Add(-time.Hour).Format(time.RFC3339),
		"timestamp="+base.Add(time.Hour).Format(time.RFC3339), 10)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d targets, want 2 (carol:dave hidden)", len(got))
	}
	for _, e := range got {
		if e.Kind != model.ItemTarget {
			t.Errorf("entry %s kind = %v, want ItemTarget", e.MsgID, e.Kind)
		}
	}
}

func TestRedactBySender(t *testing.T) {
	st := newFakeStore()
	st.entries = append(st.entries, entryAt("#ops", "m1", time.Now()))
	notif := &fakeNotifier{}
	fed := &fakeFederator{}
	svc := NewService(testConfig(t), st, fed, notif, &fakeAuth{}, zap.NewNop())

	if err := svc.Redact("alice", "#ops", "m1", "typo"); err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if len(st.entries) != 0 {
		t.Error("entry still present after redaction")
	}
	if len(notif.notices) != 1 || notif.notices[0] != "#ops/m1" {
		t.Errorf("notices = %v", notif.notices)
	}
	if len(fed.redacts) != 1 {
		t.Errorf("propagated %d redactions, want 1", len(fed.redacts))
	}
}

func TestRedactDeniedForStranger(t *testing.T) {
	st := newFakeStore()
	st.entries = append(st.entries, entryAt("#ops", "m1", time.Now()))
	svc := NewService(testConfig(t), st, nil, nil, &fakeAuth{}, zap.NewNop())

	if err := svc.Redact("mallory", "#ops", "m1", ""); !errors.Is(err, ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
	if len(st.entries) != 1 {
		t.Error("entry removed despite denial")
	}
}

func TestRedactByModerator(t *testing.T) {
	st := newFakeStore()
	st.entries = append(st.entries, entryAt("#ops", "m1", time.Now()))
	auth := &fakeAuth{mods: map[string]bool{"kline@#ops": true}}
	svc := NewService(testConfig(t), st, nil, nil, auth, zap.NewNop())

	if err := svc.Redact("kline", "#ops", "m1", "off-topic"); err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if len(st.entries) != 0 {
		t.Error("entry still present")
	}
}

func TestRedactAbsentEntryNeedsPrivilege(t *testing.T) {
	fed := &fakeFederator{}
	auth := &fakeAuth{opers: map[string]bool{"admin": true}}
	svc := NewService(testConfig(t), newFakeStore(), fed, nil, auth, zap.NewNop())

	// Without the entry the sender cannot be verified, so a plain user
	// is refused even if they did send it originally.
	if err := svc.Redact("alice", "#ops", "gone", ""); !errors.Is(err, ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}

	// An operator may still trigger propagation to the servers that do
	// hold the entry.
	if err := svc.Redact("admin", "#ops", "gone", ""); err != nil {
		t.Fatalf("Redact as oper: %v", err)
	}
	if len(fed.redacts) != 1 {
		t.Errorf("propagated %d redactions, want 1", len(fed.redacts))
	}
}

func TestApplyRemoteRedactIdempotent(t *testing.T) {
	st := newFakeStore()
	st.entries = append(st.entries, entryAt("#ops", "m1", time.Now()))
	notif := &fakeNotifier{}
	svc := NewService(testConfig(t), st, nil, notif, nil, zap.NewNop())

	frame := &model.RedactFrame{Type: model.FrameTypeRedactFwd, Origin: "hub2", Target: "#ops", MsgID: "m1"}
	if err := svc.ApplyRemoteRedact(frame); err != nil {
		t.Fatalf("ApplyRemoteRedact: %v", err)
	}
	if err := svc.ApplyRemoteRedact(frame); err != nil {
		t.Fatalf("second ApplyRemoteRedact: %v", err)
	}
	if len(st.entries) != 0 {
		t.Error("entry still present")
	}
	if len(notif.notices) != 2 {
		t.Errorf("sessions notified %d times, want 2", len(notif.notices))
	}
}

func TestResolvePMRequiresMembership(t *testing.T) {
	st := newFakeStore()
	pair := model.PMTarget("alice", "bob")
	st.entries = append(st.entries, entryAt(pair, "m1", time.Now()))
	svc := NewService(testConfig(t), st, nil, nil, nil, zap.NewNop())

	if _, err := svc.Resolve("mallory", pair, "LATEST", "*", "", 10); !errors.Is(err, ErrNotAParty) {
		t.Fatalf("third-party Resolve err = %v, want ErrNotAParty", err)
	}

	got, err := svc.Resolve("alice", pair, "LATEST", "*", "", 10)
	if err != nil {
		t.Fatalf("party Resolve: %v", err)
	}
	if len(got) != 1 || got[0].MsgID != "m1" {
		t.Fatalf("party Resolve returned %d entries, want the stored one", len(got))
	}
}

func TestResolveLocalQueryPMRequiresMembership(t *testing.T) {
	st := newFakeStore()
	pair := model.PMTarget("alice", "bob")
	st.entries = append(st.entries, entryAt(pair, "m1", time.Now()))
	svc := NewService(testConfig(t), st, nil, nil, nil, zap.NewNop())

	q := &model.QueryFrame{Target: pair, Sub: "LATEST", Reference: "*", Limit: 10, Account: "mallory"}
	if _, err := svc.ResolveLocalQuery(q); !errors.Is(err, ErrNotAParty) {
		t.Fatalf("forwarded third-party query err = %v, want ErrNotAParty", err)
	}

	q.Account = "bob"
	got, err := svc.ResolveLocalQuery(q)
	if err != nil {
		t.Fatalf("forwarded party query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("forwarded party query returned %d entries, want 1", len(got))
	}
}
