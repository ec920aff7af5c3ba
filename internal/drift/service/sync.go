package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
	"github.com/smallbiznis/rewardsync/internal/drift/domain"
	rewardeventdomain "github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"go.uber.org/zap"
)

type syncKind int

const (
	syncAdd syncKind = iota
	syncRevoke
	syncTiers
)

type plannedEvent struct {
	kind          syncKind
	count         int
	assignmentIDs []snowflake.ID
	event         rewardeventdomain.RewardEvent
}

// SyncDrift turns every finding into a synthesized reward event. In live
// mode each event goes through the event processor on its own, so one
// failure never stops the rest.
func (s *Service) SyncDrift(ctx context.Context, result *domain.DriftDetectionResult, dryRun bool) (*domain.SyncDriftResult, error) {
	if result == nil {
		return nil, domain.ErrNoResult
	}
	out := &domain.SyncDriftResult{
		ProviderID: result.ProviderID,
		DryRun:     dryRun,
		Events:     []rewardeventdomain.RewardEvent{},
		Errors:     []string{},
	}

	planned := s.planSync(result)
	for _, p := range planned {
		out.Events = append(out.Events, p.event)
		if dryRun {
			tally(out, p, p.count)
			continue
		}
		if err := ctx.Err(); err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", p.event.EventID, err))
			continue
		}
		if p.kind == syncRevoke {
			revoked, err := s.revokeExtra(ctx, p)
			if err != nil {
				s.log.Warn("drift sync revoke failed",
					zap.String("event_id", p.event.EventID),
					zap.String("user_id", p.event.UserID),
					zap.Error(err),
				)
				out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", p.event.EventID, err))
			}
			tally(out, p, revoked)
			continue
		}
		if _, err := s.events.ProcessRewardEvent(ctx, p.event); err != nil {
			s.log.Warn("drift sync event failed",
				zap.String("event_id", p.event.EventID),
				zap.String("user_id", p.event.UserID),
				zap.Error(err),
			)
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", p.event.EventID, err))
			continue
		}
		tally(out, p, p.count)
	}
	out.Success = len(out.Errors) == 0

	s.log.Info("drift sync finished",
		zap.String("provider_id", out.ProviderID),
		zap.Bool("dry_run", dryRun),
		zap.Int("events", len(out.Events)),
		zap.Int("members_added", out.MembersAdded),
		zap.Int("assignments_revoked", out.AssignmentsRevoked),
		zap.Int("tiers_updated", out.TiersUpdated),
		zap.Int("errors", len(out.Errors)),
	)
	if !dryRun && s.auditSvc != nil {
		provider := out.ProviderID
		_ = s.auditSvc.AuditLog(ctx, "", nil, "drift.sync", "provider", &provider, map[string]any{
			"members_added":       out.MembersAdded,
			"assignments_revoked": out.AssignmentsRevoked,
			"tiers_updated":       out.TiersUpdated,
			"errors":              len(out.Errors),
		})
	}
	return out, nil
}

func tally(out *domain.SyncDriftResult, p plannedEvent, revoked int) {
	switch p.kind {
	case syncAdd:
		out.MembersAdded++
	case syncRevoke:
		out.AssignmentsRevoked += revoked
	case syncTiers:
		out.TiersUpdated++
	}
}

// revokeExtra replays the tier removals of an extra assignment group, then
// revokes whatever the tier diff could not reach, such as grants without a
// tier. It returns how many of the group's assignments this call revoked. A
// failed tier event leaves the group untouched.
func (s *Service) revokeExtra(ctx context.Context, p plannedEvent) (int, error) {
	before, err := s.activeIDs(ctx, p.assignmentIDs)
	if err != nil {
		return 0, err
	}

	if _, err := s.events.ProcessRewardEvent(ctx, p.event); err != nil {
		return 0, err
	}

	remaining, err := s.activeIDs(ctx, before)
	if err != nil {
		return 0, err
	}
	revoked := len(before) - len(remaining)
	var errs []error
	for _, id := range remaining {
		_, err := s.events.RevokeAssignment(ctx, id, revokeReason)
		switch {
		case err == nil:
			revoked++
		case errors.Is(err, assignmentdomain.ErrNotActive):
		default:
			errs = append(errs, fmt.Errorf("revoke assignment %s: %w", id, err))
		}
	}
	return revoked, errors.Join(errs...)
}

func (s *Service) activeIDs(ctx context.Context, ids []snowflake.ID) ([]snowflake.ID, error) {
	active := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		a, err := s.assignmentRepo.FindByID(ctx, s.db, id)
		if err != nil {
			return nil, fmt.Errorf("load assignment %s: %w", id, err)
		}
		if a != nil && a.Status == assignmentdomain.StatusActive {
			active = append(active, id)
		}
	}
	return active, nil
}

func (s *Service) planSync(result *domain.DriftDetectionResult) []plannedEvent {
	provider := result.ProviderID
	now := s.clock.Now().UTC()
	var planned []plannedEvent

	for _, m := range result.MissingMembers {
		origin := assignmentdomain.DriftSyncOrigin(assignmentdomain.SyncMember, m.MemberID)
		planned = append(planned, plannedEvent{
			kind: syncAdd,
			event: rewardeventdomain.RewardEvent{
				EventID:         fmt.Sprintf("drift-sync:%s:%s:%s", provider, m.UserID, m.MemberID),
				Type:            rewardeventdomain.EventSubscriptionRenewed,
				ProviderID:      provider,
				UserID:          m.UserID,
				Origin:          origin,
				EntitledTierIDs: nonNil(m.TierIDs),
				PreviousTierIDs: []string{},
				Timestamp:       now,
				Metadata:        syncMetadata("missing_member", m.MemberID),
			},
		})
	}

	for _, e := range result.ExtraAssignments {
		if len(e.AssignmentIDs) == 0 {
			continue
		}
		source := e.AssignmentIDs[0].String()
		origin := assignmentdomain.DriftSyncOrigin(assignmentdomain.SyncRevoke, source)
		meta := syncMetadata("extra_assignment", e.MemberID)
		if e.ExternalStatus != "" {
			meta["external_status"] = e.ExternalStatus
		}
		planned = append(planned, plannedEvent{
			kind:          syncRevoke,
			count:         len(e.AssignmentIDs),
			assignmentIDs: e.AssignmentIDs,
			event: rewardeventdomain.RewardEvent{
				EventID:         fmt.Sprintf("drift-sync:%s:%s:revoke:%s", provider, e.UserID, source),
				Type:            rewardeventdomain.EventSubscriptionCancelled,
				ProviderID:      provider,
				UserID:          e.UserID,
				Origin:          origin,
				EntitledTierIDs: []string{},
				PreviousTierIDs: nonNil(e.TierIDs),
				Timestamp:       now,
				Metadata:        meta,
			},
		})
	}

	for _, t := range result.TierMismatches {
		tiers := noTiersMarker
		if len(t.ExternalTierIDs) > 0 {
			tiers = strings.Join(t.ExternalTierIDs, "+")
		}
		source := t.MemberID + ":" + tiers
		origin := assignmentdomain.DriftSyncOrigin(assignmentdomain.SyncTierUpdate, source)
		planned = append(planned, plannedEvent{
			kind: syncTiers,
			event: rewardeventdomain.RewardEvent{
				EventID:         fmt.Sprintf("drift-sync:%s:%s:%s", provider, t.UserID, source),
				Type:            rewardeventdomain.EventSubscriptionRenewed,
				ProviderID:      provider,
				UserID:          t.UserID,
				Origin:          origin,
				EntitledTierIDs: nonNil(t.ExternalTierIDs),
				PreviousTierIDs: nonNil(t.InternalTierIDs),
				Timestamp:       now,
				Metadata:        syncMetadata("tier_mismatch", t.MemberID),
			},
		})
	}
	return planned
}

func syncMetadata(reason, memberID string) map[string]any {
	meta := map[string]any{
		"event_source": eventSource,
		"sync_reason":  reason,
	}
	if memberID != "" {
		meta["member_id"] = memberID
	}
	return meta
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// LinkAccount records which internal user a provider member belongs to.
// Relinking a member moves the link to the new user.
func (s *Service) LinkAccount(ctx context.Context, req domain.LinkAccountRequest) (*domain.AccountLink, error) {
	req.ProviderID = strings.ToLower(strings.TrimSpace(req.ProviderID))
	req.UserID = strings.TrimSpace(req.UserID)
	req.MemberID = strings.TrimSpace(req.MemberID)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.ProviderID == "" || req.UserID == "" || req.MemberID == "" {
		return nil, domain.ErrInvalidLink
	}

	now := s.clock.Now().UTC()
	existing, err := s.repo.FindLink(ctx, s.db, req.ProviderID, req.MemberID)
	if err != nil {
		return nil, err
	}
	var link *domain.AccountLink
	if existing != nil {
		existing.UserID = req.UserID
		existing.Email = req.Email
		existing.UpdatedAt = now
		if err := s.repo.UpdateLink(ctx, s.db, existing); err != nil {
			return nil, err
		}
		link = existing
	} else {
		link = &domain.AccountLink{
			ID:         s.genID.Generate(),
			ProviderID: req.ProviderID,
			UserID:     req.UserID,
			MemberID:   req.MemberID,
			Email:      req.Email,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.repo.InsertLink(ctx, s.db, link); err != nil {
			return nil, err
		}
	}

	if s.auditSvc != nil {
		userID := link.UserID
		_ = s.auditSvc.AuditLog(ctx, "", nil, "account_link.upsert", "user", &userID, map[string]any{
			"provider_id": link.ProviderID,
			"member_id":   link.MemberID,
		})
	}
	return link, nil
}

func (s *Service) ListAccountLinks(ctx context.Context, providerID string) ([]domain.AccountLink, error) {
	providerID = strings.ToLower(strings.TrimSpace(providerID))
	if providerID == "" {
		return nil, errors.Join(domain.ErrInvalidLink, errors.New("provider_id required"))
	}
	links, err := s.repo.ListLinks(ctx, s.db, providerID)
	if err != nil {
		return nil, err
	}
	if links == nil {
		links = []domain.AccountLink{}
	}
	return links, nil
}
