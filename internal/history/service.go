package history

import (
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/recapnet/histd/internal/config"
	"github.com/recapnet/histd/internal/consent"
	"github.com/recapnet/histd/internal/metrics"
	"github.com/recapnet/histd/internal/model"
	"github.com/recapnet/histd/internal/store"
)

// Store is the slice of the local store the history engine uses.
type Store interface {
	Put(msg *model.StoredMessage) error
	Latest(target string, limit int) ([]*model.StoredMessage, error)
	GetRange(target string, anchor store.Anchor, dir store.Direction, limit int) ([]*model.StoredMessage, error)
	GetAround(target string, anchor store.Anchor, limit int) ([]*model.StoredMessage, error)
	GetBetween(target string, from, to store.Anchor, limit int) ([]*model.StoredMessage, error)
	ListTargets(account string, from, to time.Time, limit int) ([]model.TargetActivity, error)
	Delete(target, msgid string) (bool, error)
	ResolveMsgID(target, msgid string) (time.Time, bool, error)
	GetAccountMeta(account, key string) (string, error)
}

// Federator is the coordinator surface the engine hands off to when a
// query or write cannot be satisfied locally. Nil when federation is
// disabled.
type Federator interface {
	// PeersStoring returns peers advertising storage for target.
	PeersStoring(target string) []string

	// Scatter issues sub-queries to the peers and delivers the merged
	// batch exactly once, partial if the deadline elapsed first. Seed
	// entries join the merge before finalize.
	Scatter(q *model.QueryFrame, peers []string, seed []*model.StoredMessage, deliver func(entries []*model.StoredMessage, timedOut bool))

	// ForwardWrite hands an accepted write to the storage servers.
	// Best-effort: loss is logged, never retried synchronously.
	ForwardWrite(msg *model.StoredMessage)

	// PropagateRedact broadcasts a redaction to every linked peer.
	PropagateRedact(frame *model.RedactFrame)
}

// Notifier pushes redaction notices to connected sessions that
// negotiated redaction awareness. The connection framework owns it.
type Notifier interface {
	NotifyRedacted(target, msgid, reason string)
}

// Authorizer answers privilege questions the embedding server owns:
// channel moderator status and network-operator privilege.
type Authorizer interface {
	IsModerator(account, target string) bool
	IsOperator(account string) bool
}

// Service wires the store, consent evaluator, coordinator, and
// redaction broadcast into the history engine's three operations.
type Service struct {
	cfg      *config.Config
	store    Store
	fed      Federator
	notifier Notifier
	auth     Authorizer
	logger   *zap.Logger
}

// NewService builds the engine. fed, notifier, and auth may be nil:
// no federation, no redaction push, sender-only redaction authority.
func NewService(cfg *config.Config, st Store, fed Federator, notifier Notifier, auth Authorizer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		fed:      fed,
		notifier: notifier,
		auth:     auth,
		logger:   logger.Named("history"),
	}
}

// SetFederator attaches the peer coordinator after construction. The
// peer manager and the engine reference each other, so one side is
// wired late, before any traffic flows.
func (s *Service) SetFederator(fed Federator) {
	s.fed = fed
}

// SetNotifier attaches the redaction push surface after construction.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Append records one accepted message. Private messages pass the
// consent evaluator first; a denial is silent, not an error. On a
// server that does not store the target, the write is forwarded to
// the storage servers instead. Persistence is best-effort: a store
// failure is logged and reported, but callers never gate delivery on
// it.
func (s *Service) Append(msg *model.StoredMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg.Target = model.NormalizeTarget(msg.Target)

	if !model.IsChannel(msg.Target) {
		if !s.cfg.PM.Enabled {
			return nil
		}
		ok, err := s.mayStorePM(msg.Target)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.Debug("pm not stored, consent denied", zap.String("target", msg.Target))
			return nil
		}
	}

	if !s.cfg.StoresTarget(msg.Target) {
		if s.fed != nil {
			// The peer link counts forwarded writes when they go out.
			s.fed.ForwardWrite(msg)
		}
		return nil
	}

	err := s.store.Put(msg)
	switch {
	case err == nil:
		metrics.IncrementStored()
		return nil
	case errors.Is(err, store.ErrDuplicate):
		// A forward race or replay; first write wins silently.
		return nil
	default:
		metrics.IncrementStoreErrors()
		s.logger.Error("history persistence failed, delivery unaffected",
			zap.String("target", msg.Target),
			zap.String("msgid", msg.MsgID),
			zap.Error(err))
		return err
	}
}

// mayStorePM evaluates both parties' consent metadata at write time.
// Nothing is cached beyond this evaluation.
func (s *Service) mayStorePM(target string) (bool, error) {
	idx := -1
	for i := 0; i < len(target); i++ {
		if target[i] == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, model.ErrEntryInvalidTarget
	}
	sender, err := s.consentOf(target[:idx])
	if err != nil {
		return false, err
	}
	recipient, err := s.consentOf(target[idx+1:])
	if err != nil {
		return false, err
	}
	return consent.MayStorePM(sender, recipient, s.cfg.ConsentMode()), nil
}

func (s *Service) consentOf(account string) (model.Consent, error) {
	raw, err := s.store.GetAccountMeta(account, model.ConsentKey)
	if err != nil {
		return model.ConsentUnset, err
	}
	// A corrupted value reads as unset rather than failing the write
	// path; ParseConsent never maps garbage to an opt-in.
	c, err := model.ParseConsent(raw)
	if err != nil {
		s.logger.Warn("unreadable consent value treated as unset",
			zap.String("account", account), zap.Error(err))
		return model.ConsentUnset, nil
	}
	return c, nil
}

// Resolve answers one history request. When this server stores the
// target the answer is purely local; otherwise local partial results
// seed a federated scatter and the merged batch is returned, possibly
// smaller if the deadline elapsed first.
func (s *Service) Resolve(account, target, subcommand, reference, until string, limit int) ([]*model.StoredMessage, error) {
	sub, err := ParseSubcommand(subcommand)
	if err != nil {
		return nil, err
	}
	ref, err := ParseReference(reference)
	if err != nil {
		return nil, err
	}
	untilRef, err := ParseReference(until)
	if err != nil {
		return nil, err
	}
	limit = s.clampLimit(limit)
	target = model.NormalizeTarget(target)

	switch sub {
	case SubBefore, SubAfter, SubAround:
		if ref.IsZero() {
			return nil, ErrBadReference
		}
	case SubBetween:
		if ref.IsZero() || untilRef.IsZero() {
			return nil, ErrBadReference
		}
	case SubTargets:
		if !ref.IsTime || !untilRef.IsTime {
			return nil, ErrBadReference
		}
	}

	local, err := s.resolveLocal(account, target, sub, ref, untilRef, limit)
	if err != nil {
		return nil, err
	}

	if s.fed == nil || s.cfg.StoresTarget(target) {
		metrics.IncrementLocalQueries()
		return local, nil
	}

	peers := s.fed.PeersStoring(target)
	if len(peers) == 0 {
		metrics.IncrementLocalQueries()
		return local, nil
	}

	q := &model.QueryFrame{
		Type:      model.FrameTypeQuery,
		Origin:    s.cfg.Server.Name,
		Account:   account,
		Target:    target,
		Sub:       sub.String(),
		Reference: reference,
		Until:     until,
		Limit:     limit,
	}

	// The scatter suspends this request until every expected peer
	// answered or the deadline fired; either way the merged batch
	// arrives exactly once.
	done := make(chan []*model.StoredMessage, 1)
	s.fed.Scatter(q, peers, local, func(entries []*model.StoredMessage, timedOut bool) {
		if timedOut {
			s.logger.Warn("federated query finalized at deadline",
				zap.String("target", target), zap.Int("entries", len(entries)))
		}
		done <- entries
	})
	merged := <-done
	metrics.IncrementFederatedQueries()
	return merged, nil
}

// ResolveLocalQuery answers a peer's sub-query against the local store
// only. No further fan-out happens here, so query loops between
// servers are impossible.
func (s *Service) ResolveLocalQuery(q *model.QueryFrame) ([]*model.StoredMessage, error) {
	sub, err := ParseSubcommand(q.Sub)
	if err != nil {
		return nil, err
	}
	ref, err := ParseReference(q.Reference)
	if err != nil {
		return nil, err
	}
	untilRef, err := ParseReference(q.Until)
	if err != nil {
		return nil, err
	}
	return s.resolveLocal(q.Account, model.NormalizeTarget(q.Target), sub, ref, untilRef, s.clampLimit(q.Limit))
}

// IngestForwarded persists a write forwarded over a server link.
// Consent was evaluated on the origin server, which holds the parties'
// metadata; re-checking here against a different metadata set would
// let an unset default veto an already-consented write.
func (s *Service) IngestForwarded(msg *model.StoredMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	msg.Target = model.NormalizeTarget(msg.Target)
	if !s.cfg.StoresTarget(msg.Target) {
		metrics.IncrementDropped()
		return nil
	}
	err := s.store.Put(msg)
	switch {
	case err == nil:
		metrics.IncrementStored()
		return nil
	case errors.Is(err, store.ErrDuplicate):
		return nil
	default:
		metrics.IncrementStoreErrors()
		return err
	}
}

// resolveLocal runs one subcommand against the local store. An anchor
// msgid unknown to this store yields no local rows; the federated
// side may still resolve it.
func (s *Service) resolveLocal(account, target string, sub Subcommand, ref, until Reference, limit int) ([]*model.StoredMessage, error) {
	// Pair targets are readable only by their two parties. The check
	// sits here so peer sub-queries are covered by the same gate.
	if target != "" && !model.IsChannel(target) {
		if _, ok := model.PMCorrespondent(target, account); !ok {
			return nil, ErrNotAParty
		}
	}

	switch sub {
	case SubLatest:
		if ref.IsZero() {
			return s.store.Latest(target, limit)
		}
		// A bounded LATEST is the tail window before the reference.
		anchor, ok, err := s.anchorOf(target, ref)
		if err != nil || !ok {
			return nil, err
		}
		return s.store.GetRange(target, anchor, store.Before, limit)

	case SubBefore:
		anchor, ok, err := s.anchorOf(target, ref)
		if err != nil || !ok {
			return nil, err
		}
		return s.store.GetRange(target, anchor, store.Before, limit)

	case SubAfter:
		anchor, ok, err := s.anchorOf(target, ref)
		if err != nil || !ok {
			return nil, err
		}
		return s.store.GetRange(target, anchor, store.After, limit)

	case SubAround:
		anchor, ok, err := s.anchorOf(target, ref)
		if err != nil || !ok {
			return nil, err
		}
		return s.store.GetAround(target, anchor, limit)

	case SubBetween:
		from, ok, err := s.anchorOf(target, ref)
		if err != nil || !ok {
			return nil, err
		}
		to, ok, err := s.anchorOf(target, until)
		if err != nil || !ok {
			return nil, err
		}
		return s.store.GetBetween(target, from, to, limit)

	case SubTargets:
		activity, err := s.store.ListTargets(account, ref.At, until.At, limit)
		if err != nil {
			return nil, err
		}
		return targetsAsEntries(activity), nil
	}
	return nil, ErrUnknownSubcommand
}

// anchorOf turns a reference into a store anchor. Timestamp anchors
// always resolve; msgid anchors resolve only if this store holds the
// entry.
func (s *Service) anchorOf(target string, ref Reference) (store.Anchor, bool, error) {
	if ref.IsTime {
		return store.Anchor{At: ref.At}, true, nil
	}
	at, found, err := s.store.ResolveMsgID(target, ref.MsgID)
	if err != nil || !found {
		return store.Anchor{}, false, err
	}
	return store.Anchor{At: at, MsgID: ref.MsgID}, true, nil
}

// targetsAsEntries wraps TARGETS results as synthetic entries so the
// same batch plumbing (and federation dedup) carries them. The msgid
// doubles as the dedup key across peers.
func targetsAsEntries(activity []model.TargetActivity) []*model.StoredMessage {
	out := make([]*model.StoredMessage, 0, len(activity))
	for _, ta := range activity {
		out = append(out, &model.StoredMessage{
			Target: ta.Name,
			MsgID:  "target:" + ta.Name,
			At:     ta.LastAt,
			Kind:   model.ItemTarget,
			Text:   ta.Name,
		})
	}
	return out
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.History.DefaultLimit
	}
	if limit > s.cfg.History.MaxEntriesPerRequest {
		return s.cfg.History.MaxEntriesPerRequest
	}
	return limit
}

// SortEntries orders a batch ascending by timestamp with msgid as the
// tie-break, the ordering every response surface shares.
func SortEntries(entries []*model.StoredMessage) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].At.Equal(entries[j].At) {
			return entries[i].At.Before(entries[j].At)
		}
		return entries[i].MsgID < entries[j].MsgID
	})
}
