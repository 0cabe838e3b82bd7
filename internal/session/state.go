package session

import (
	"context"

	"github.com/juju/errors"

	"ecm/internal/event"
	"ecm/internal/model"
	"ecm/internal/security"
)

// SetLock locks a document for the principal. Locking a document already locked by the
// principal is a no-op.
func (s *Session) SetLock(ctx context.Context, ref model.DocumentRef) (*model.Document, error) {
	doc, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, doc, security.WriteProperties); err != nil {
		return nil, err
	}
	if doc.IsLocked() {
		if doc.LockOwner == s.principal.Name {
			return doc, nil
		}
		return nil, errors.Forbiddenf("document %s already locked by %s", doc.ID, doc.LockOwner)
	}
	now := s.now()
	doc.LockOwner, doc.LockCreated = s.principal.Name, &now
	if err := s.repo.store.Update(ctx, doc); err != nil {
		return nil, errors.Annotatef(err, "locking %s", doc.Path)
	}
	s.notify(ctx, event.DocumentLocked, doc, nil)
	return doc, nil
}

// RemoveLock unlocks a document. Only the lock owner or an administrator may do so.
func (s *Session) RemoveLock(ctx context.Context, ref model.DocumentRef) (*model.Document, error) {
	doc, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, doc, security.Read); err != nil {
		return nil, err
	}
	if !doc.IsLocked() {
		return doc, nil
	}
	if err := s.checkLock(doc); err != nil {
		return nil, err
	}
	doc.LockOwner, doc.LockCreated = "", nil
	if err := s.repo.store.Update(ctx, doc); err != nil {
		return nil, errors.Annotatef(err, "unlocking %s", doc.Path)
	}
	s.notify(ctx, event.DocumentUnlocked, doc, nil)
	return doc, nil
}

// GetAllowedStateTransitions returns the transitions leaving the current lifecycle state.
func (s *Session) GetAllowedStateTransitions(ctx context.Context, ref model.DocumentRef) ([]string, error) {
	doc, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, doc, security.ReadLifeCycle); err != nil {
		return nil, err
	}
	policy, err := s.repo.types.Lifecycles().Policy(doc.LifeCyclePolicy)
	if err != nil {
		return nil, err
	}
	return policy.AllowedTransitions(doc.LifeCycleState), nil
}

// FollowTransition moves the document to the destination of transition.
func (s *Session) FollowTransition(ctx context.Context, ref model.DocumentRef, transition string) (*model.Document, error) {
	doc, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, doc, security.WriteLifeCycle); err != nil {
		return nil, err
	}
	policy, err := s.repo.types.Lifecycles().Policy(doc.LifeCyclePolicy)
	if err != nil {
		return nil, err
	}
	to, err := policy.Follow(doc.LifeCycleState, transition)
	if err != nil {
		return nil, err
	}
	from := doc.LifeCycleState
	doc.LifeCycleState = to
	if err := s.repo.store.Update(ctx, doc); err != nil {
		return nil, errors.Annotatef(err, "following %s on %s", transition, doc.ID)
	}
	s.notify(ctx, event.LifeCycleTransition, doc, map[string]any{
		event.PropTransition: transition,
		event.PropFrom:       from,
		event.PropTo:         to,
	})
	return doc, nil
}

// GetACP returns the local ACLs of a document completed with the inherited one.
func (s *Session) GetACP(ctx context.Context, ref model.DocumentRef) (*security.ACP, error) {
	doc, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, doc, security.ReadSecurity); err != nil {
		return nil, err
	}
	target, err := s.live(ctx, doc)
	if err != nil {
		return nil, err
	}
	parents, err := s.ancestors(ctx, target)
	if err != nil {
		return nil, err
	}
	acps := make([]*security.ACP, len(parents))
	for i, p := range parents {
		acps[i] = p.ACP
	}
	return s.repo.checker.Merge(target.ACP, acps...), nil
}

// SetACP stores the ACLs of acp on a document. With overwrite the stored ACLs are replaced,
// otherwise the entries are added to the ACLs of the same name. The inherited ACL is never stored.
func (s *Session) SetACP(ctx context.Context, ref model.DocumentRef, acp *security.ACP, overwrite bool) error {
	doc, err := s.fetch(ctx, ref)
	if err != nil {
		return err
	}
	if doc.IsVersion {
		return errors.NotValidf("setting the ACP of version %s", doc.ID)
	}
	if err := s.check(ctx, doc, security.WriteSecurity); err != nil {
		return err
	}
	stored := acp.Stored()
	if !overwrite && doc.ACP != nil {
		merged := doc.ACP.Stored()
		if stored != nil {
			for _, acl := range stored.ACLs {
				for _, ace := range acl.ACEs {
					merged.AddACE(acl.Name, ace)
				}
			}
		}
		stored = merged
	}
	if stored.IsEmpty() {
		stored = nil
	}
	doc.ACP = stored
	if err := s.repo.store.Update(ctx, doc); err != nil {
		return errors.Annotatef(err, "setting ACP of %s", doc.Path)
	}
	s.notify(ctx, event.DocumentSecurityUpdated, doc, nil)
	return nil
}
