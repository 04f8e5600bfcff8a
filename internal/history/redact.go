package history

import (
	"go.uber.org/zap"

	"github.com/recapnet/histd/internal/metrics"
	"github.com/recapnet/histd/internal/model"
	"github.com/recapnet/histd/internal/store"
)

// Redact removes one stored entry on behalf of requester and spreads
// the removal. The requester must be the entry's sender, a moderator
// of the target, or a network operator. When the entry is absent
// locally (already purged, or stored elsewhere) sender identity can
// no longer be checked, so only moderators and operators may proceed;
// propagation still happens so storage servers drop their copies.
func (s *Service) Redact(requester, target, msgid, reason string) error {
	target = model.NormalizeTarget(target)

	entry, found, err := s.lookupEntry(target, msgid)
	if err != nil {
		return err
	}

	if !s.authorizeRedact(requester, target, entry, found) {
		return ErrDenied
	}

	if found {
		if _, err := s.store.Delete(target, msgid); err != nil {
			return err
		}
	}
	metrics.IncrementRedactions()
	s.logger.Info("entry redacted",
		zap.String("target", target),
		zap.String("msgid", msgid),
		zap.String("requester", requester),
		zap.Bool("held_locally", found))

	if s.notifier != nil {
		s.notifier.NotifyRedacted(target, msgid, reason)
	}
	if s.fed != nil {
		s.fed.PropagateRedact(&model.RedactFrame{
			Type:      model.FrameTypeRedactFwd,
			Origin:    s.cfg.Server.Name,
			Target:    target,
			MsgID:     msgid,
			Requester: requester,
			Reason:    reason,
		})
	}
	return nil
}

// ApplyRemoteRedact handles a redaction that arrived over a server
// link. Authorization happened on the origin server; here the entry
// is dropped if present and local sessions are told either way, since
// they may hold the entry from an earlier federated response.
func (s *Service) ApplyRemoteRedact(frame *model.RedactFrame) error {
	target := model.NormalizeTarget(frame.Target)
	removed, err := s.store.Delete(target, frame.MsgID)
	if err != nil {
		return err
	}
	if removed {
		metrics.IncrementRedactions()
	}
	s.logger.Debug("remote redaction applied",
		zap.String("origin", frame.Origin),
		zap.String("target", target),
		zap.String("msgid", frame.MsgID),
		zap.Bool("removed", removed))
	if s.notifier != nil {
		s.notifier.NotifyRedacted(target, frame.MsgID, frame.Reason)
	}
	return nil
}

func (s *Service) lookupEntry(target, msgid string) (*model.StoredMessage, bool, error) {
	at, found, err := s.store.ResolveMsgID(target, msgid)
	if err != nil || !found {
		return nil, false, err
	}
	// An AROUND of one anchored at the exact key is the entry itself.
	entries, err := s.store.GetAround(target, store.Anchor{At: at, MsgID: msgid}, 1)
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 || entries[0].MsgID != msgid {
		return nil, false, nil
	}
	return entries[0], true, nil
}

func (s *Service) authorizeRedact(requester, target string, entry *model.StoredMessage, found bool) bool {
	if found && entry.Sender == requester {
		return true
	}
	if s.auth == nil {
		return false
	}
	if model.IsChannel(target) && s.auth.IsModerator(requester, target) {
		return true
	}
	return s.auth.IsOperator(requester)
}
