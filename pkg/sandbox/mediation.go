package sandbox

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
)

// CheckRequest is one mediation query.
type CheckRequest struct {
	Permission permission.ID
	// Path is the target of filesystem permissions, used by path
	// conditions.
	Path string
	// Confirmed is set when the user confirmed a dangerous permission for
	// this call.
	Confirmed bool
	// At overrides the evaluation time. Zero means now.
	At time.Time
	// PID attributes the check to a sandboxed process in the audit trail.
	PID int
}

// decision is the outcome of the decision procedure before side effects.
type decision struct {
	result permission.Decision
	reason string
	audit  bool
}

// CheckPermission decides whether the sandbox may use id.
func (s *Sandbox) CheckPermission(id permission.ID) permission.Decision {
	d, _ := s.Check(CheckRequest{Permission: id})
	return d
}

// Check runs the mediation procedure for req. Unknown permissions are
// denied with UnknownPermission. Every Deny is recorded as a violation.
func (s *Sandbox) Check(req CheckRequest) (permission.Decision, error) {
	if !req.Permission.Valid() {
		return permission.Deny, fmt.Errorf("%s: %w", req.Permission, errdefs.ErrUnknownPermission)
	}

	var after deferred
	s.mu.Lock()
	at := req.At
	if at.IsZero() {
		at = s.now()
	}
	d := s.decideLocked(req, at)

	u, ok := s.usage[req.Permission]
	if !ok {
		u = &Usage{}
		s.usage[req.Permission] = u
	}
	u.Checks++
	u.LastUsed = at

	rec := audit.Record{
		Subject:     req.Permission.String(),
		PID:         req.PID,
		Description: d.reason,
	}
	switch d.result {
	case permission.Deny:
		u.Denied++
		rec.Kind = audit.PermissionDenied
		rec.Response = audit.ResponseDenied
		after.add(s.violationLocked(rec))
	case permission.Allow:
		u.Allowed++
		if d.audit {
			rec.Kind = audit.PermissionGranted
			rec.Response = audit.ResponseAllowed
			s.recordLocked(rec)
		}
	}
	s.mu.Unlock()
	after.run()

	s.manager.decided(req.Permission, d.result)
	s.log.Debug().
		Str("permission", req.Permission.String()).
		Str("decision", d.result.String()).
		Str("reason", d.reason).
		Msg("Permission checked")
	return d.result, nil
}

// decideLocked applies the ordered decision procedure. GrantedOnce entries
// are consumed here.
func (s *Sandbox) decideLocked(req CheckRequest, at time.Time) decision {
	id := req.Permission
	if s.lc.state != StateRunning {
		return decision{result: permission.Deny, reason: fmt.Sprintf("sandbox is %s", s.lc.state)}
	}
	if !s.opts.SandboxingEnabled {
		return decision{result: permission.Allow, reason: "sandboxing disabled"}
	}

	entry, source, found := s.entryLocked(id)
	if !found {
		switch {
		case s.policy.DefaultDeny():
			return decision{result: permission.Deny, reason: "no entry, default deny"}
		case s.policy.RequireExplicitGrant() && id.RequiresConsent():
			return decision{result: permission.Ask, reason: "no entry, explicit grant required"}
		}
		return s.dangerous(req, decision{result: permission.Allow, reason: "no entry, default allow"})
	}
	if entry.Expired(at) {
		return decision{result: permission.Deny, reason: fmt.Sprintf("%s entry expired at %s", source, entry.Expiry.Format(time.RFC3339))}
	}

	d := decision{audit: entry.AuditRequired || s.policy.Features().Audit}
	switch entry.State {
	case permission.Denied:
		d.result, d.reason = permission.Deny, source+" denies"
	case permission.Granted:
		d.result, d.reason = permission.Allow, source+" grants"
	case permission.GrantedOnce:
		d.result, d.reason = permission.Allow, source+" grants once"
		s.overlay[id] = policy.Entry{
			Permission: id,
			State:      permission.Denied,
			GrantedAt:  at,
			Reason:     "one-time grant consumed",
		}
		delete(s.confirmed, id)
		return d
	case permission.AskUser:
		d.result, d.reason = permission.Ask, source+" asks user"
		return d
	case permission.Conditional:
		if entry.Condition.Evaluate(at, req.Path) {
			d.result, d.reason = permission.Allow, source+" condition holds"
		} else {
			d.result, d.reason = permission.Deny, source+" condition does not hold"
		}
	case permission.Restricted:
		d.result, d.reason, d.audit = permission.Allow, source+" grants restricted use", true
	case permission.AuditRequired:
		d.result, d.reason, d.audit = permission.Allow, source+" grants audited use", true
	default:
		d.result, d.reason = permission.Deny, fmt.Sprintf("unknown state %s", entry.State)
	}
	if d.result != permission.Allow {
		return d
	}
	return s.dangerous(req, d)
}

// dangerous downgrades an Allow of a dangerous permission to Ask unless
// the user confirmed it for this call or this session.
func (s *Sandbox) dangerous(req CheckRequest, d decision) decision {
	id := req.Permission
	if !id.IsDangerous() || req.Confirmed || s.confirmed[id] {
		return d
	}
	return decision{result: permission.Ask, reason: d.reason + ", dangerous permission needs confirmation"}
}

func (s *Sandbox) entryLocked(id permission.ID) (policy.Entry, string, bool) {
	if e, ok := s.overlay[id]; ok {
		return e, "overlay", true
	}
	if e, ok := s.policy.Entry(id); ok {
		return e, "policy", true
	}
	return policy.Entry{}, "", false
}

// GrantPermission records a runtime decision in the sandbox overlay. The
// policy is left untouched. Granting counts as user confirmation for
// dangerous permissions until the grant is revoked or consumed.
func (s *Sandbox) GrantPermission(id permission.ID, state permission.State, opts ...policy.EntryOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lc.state.IsTerminal() {
		return invalidState("grant permission in", s.name, s.lc.state)
	}
	if s.policy.EnterpriseManaged() && !s.opts.UserOverrideAllowed {
		return fmt.Errorf("%w: policy %s is enterprise managed", errdefs.ErrPolicyRejected, s.policy.Name())
	}
	e, err := policy.NewEntry(id, state, s.now(), opts...)
	if err != nil {
		return err
	}
	s.overlay[id] = e
	if state == permission.Denied {
		delete(s.confirmed, id)
	} else {
		s.confirmed[id] = true
	}

	s.recordLocked(audit.Record{
		Kind:        audit.PermissionGranted,
		Subject:     id.String(),
		Description: fmt.Sprintf("runtime overlay set to %s", state),
		Response:    audit.ResponseLogged,
	})
	s.log.Info().
		Str("permission", id.String()).
		Str("state", state.String()).
		Msg("Permission overlay updated")
	return nil
}

// RevokePermission drops the overlay entry for id so the policy decides
// again.
func (s *Sandbox) RevokePermission(id permission.ID) error {
	if !id.Valid() {
		return fmt.Errorf("%s: %w", id, errdefs.ErrUnknownPermission)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, had := s.overlay[id]
	delete(s.overlay, id)
	delete(s.confirmed, id)
	if had {
		s.log.Info().Str("permission", id.String()).Msg("Permission overlay revoked")
	}
	return nil
}

// OverlayEntry returns the runtime overlay entry for id.
func (s *Sandbox) OverlayEntry(id permission.ID) (policy.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.overlay[id]
	return e, ok
}

// PermissionUsage returns the mediation counters of id.
func (s *Sandbox) PermissionUsage(id permission.ID) (Usage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[id]
	if !ok {
		return Usage{}, false
	}
	return *u, true
}

// ReportViolation records a violation observed outside mediation, such as
// a namespace escape detected by the host. Fatal kinds terminate the
// sandbox.
func (s *Sandbox) ReportViolation(kind audit.Kind, pid int, description string) error {
	if !kind.IsViolation() {
		return fmt.Errorf("%s is not a violation kind", kind)
	}
	s.mu.Lock()
	fn := s.violationLocked(audit.Record{
		Kind:        kind,
		PID:         pid,
		Description: description,
		Response:    audit.ResponseLogged,
	})
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// denied builds the error returned to a sandboxed operation refused by
// mediation.
func denied(id permission.ID, d permission.Decision) error {
	if d == permission.Ask {
		return errdefs.WithErrno(fmt.Errorf("%s requires user confirmation: %w", id, errdefs.ErrPermissionDenied), unix.EACCES)
	}
	return errdefs.WithErrno(fmt.Errorf("%s: %w", id, errdefs.ErrPermissionDenied), unix.EACCES)
}
