package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
	auditdomain "github.com/smallbiznis/rewardsync/internal/audit/domain"
	"github.com/smallbiznis/rewardsync/internal/clock"
	"github.com/smallbiznis/rewardsync/internal/drift/domain"
	"github.com/smallbiznis/rewardsync/internal/observability/metrics"
	rewardeventdomain "github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	eventSource   = "drift_sync"
	noTiersMarker = "none"
	revokeReason  = "Revoked by drift sync: no active provider membership"
)

// EventProcessor runs synthesized events through the normal event pipeline.
type EventProcessor interface {
	ProcessRewardEvent(ctx context.Context, event rewardeventdomain.RewardEvent) (*assignmentdomain.Assignment, error)
	RevokeAssignment(ctx context.Context, id snowflake.ID, reason string) (*assignmentdomain.Assignment, error)
}

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	GenID          *snowflake.Node
	Repo           domain.Repository
	AssignmentRepo assignmentdomain.Repository
	Events         EventProcessor
	Clients        []domain.ProviderClient `group:"provider_clients"`
	AuditSvc       auditdomain.Service     `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	clock          clock.Clock
	genID          *snowflake.Node
	repo           domain.Repository
	assignmentRepo assignmentdomain.Repository
	events         EventProcessor
	clients        map[string]domain.ProviderClient
	auditSvc       auditdomain.Service
}

func New(p Params) domain.Service {
	clients := make(map[string]domain.ProviderClient, len(p.Clients))
	for _, c := range p.Clients {
		if c == nil {
			continue
		}
		clients[strings.ToLower(c.ProviderID())] = c
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("drift.service"),
		clock:          p.Clock,
		genID:          p.GenID,
		repo:           p.Repo,
		assignmentRepo: p.AssignmentRepo,
		events:         p.Events,
		clients:        clients,
		auditSvc:       p.AuditSvc,
	}
}

// internalGroup holds the active assignments of one correlated user.
type internalGroup struct {
	userID        string
	assignmentIDs []snowflake.ID
	tiers         []string
}

type externalEntry struct {
	member domain.Member
	userID string
}

func (s *Service) DetectDrift(ctx context.Context, providerID string) (*domain.DriftDetectionResult, error) {
	providerID = strings.ToLower(strings.TrimSpace(providerID))
	client, ok := s.clients[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, providerID)
	}

	var (
		members     []domain.Member
		assignments []assignmentdomain.Assignment
		links       []domain.AccountLink
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		members, err = client.GetAllCampaignMembers(gctx)
		if err != nil {
			return fmt.Errorf("fetch %s members: %w", providerID, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		active, err := s.assignmentRepo.ListActiveByProvider(gctx, s.db, providerID)
		if err != nil {
			return fmt.Errorf("load assignments: %w", err)
		}
		assignments = providerGranted(active)
		return nil
	})
	g.Go(func() error {
		var err error
		links, err = s.repo.ListLinks(gctx, s.db, providerID)
		if err != nil {
			return fmt.Errorf("load account links: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &domain.DriftDetectionResult{
		ProviderID:               providerID,
		CheckedAt:                s.clock.Now().UTC(),
		TotalExternalMembers:     len(members),
		TotalInternalAssignments: len(assignments),
		MissingMembers:           []domain.MissingMember{},
		ExtraAssignments:         []domain.ExtraAssignment{},
		TierMismatches:           []domain.TierMismatch{},
	}

	external, skipped := s.correlateMembers(providerID, members, links)
	result.SkippedMembers = skipped
	internal, order := groupAssignments(assignments)
	result.DistinctInternalUsers = len(internal)

	keys := make([]string, 0, len(external))
	for key, entry := range external {
		if entry.member.IsActivePatron {
			result.ActiveExternalMembers++
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entry := external[key]
		if !entry.member.IsActivePatron {
			continue
		}
		if _, found := internal[key]; found {
			continue
		}
		result.MissingMembers = append(result.MissingMembers, domain.MissingMember{
			MemberID:       entry.member.ID,
			Email:          entry.member.Email,
			CorrelationKey: key,
			UserID:         entry.userID,
			TierIDs:        sortedCopy(entry.member.EntitledTierIDs),
			PatronStatus:   entry.member.PatronStatus,
		})
	}

	for _, key := range order {
		group := internal[key]
		entry, found := external[key]
		if !found || !entry.member.IsActivePatron {
			extra := domain.ExtraAssignment{
				UserID:        group.userID,
				AssignmentIDs: group.assignmentIDs,
				TierIDs:       sortedCopy(group.tiers),
				MemberFound:   found,
			}
			if found {
				extra.MemberID = entry.member.ID
				extra.ExternalStatus = entry.member.PatronStatus
				extra.LastChargeStatus = entry.member.LastChargeStatus
			}
			result.ExtraAssignments = append(result.ExtraAssignments, extra)
			continue
		}
		externalTiers := sortedCopy(entry.member.EntitledTierIDs)
		internalTiers := sortedCopy(group.tiers)
		if !equalSets(externalTiers, internalTiers) {
			result.TierMismatches = append(result.TierMismatches, domain.TierMismatch{
				UserID:          group.userID,
				MemberID:        entry.member.ID,
				Email:           entry.member.Email,
				ExternalTierIDs: externalTiers,
				InternalTierIDs: internalTiers,
			})
		}
	}

	result.HasDrift = len(result.MissingMembers) > 0 || len(result.ExtraAssignments) > 0 || len(result.TierMismatches) > 0

	m := metrics.Rewards()
	m.AddDriftFindings(providerID, "missing_member", len(result.MissingMembers))
	m.AddDriftFindings(providerID, "extra_assignment", len(result.ExtraAssignments))
	m.AddDriftFindings(providerID, "tier_mismatch", len(result.TierMismatches))

	s.log.Info("drift detection finished",
		zap.String("provider_id", providerID),
		zap.Int("external_members", result.TotalExternalMembers),
		zap.Int("active_members", result.ActiveExternalMembers),
		zap.Int("skipped_members", result.SkippedMembers),
		zap.Int("internal_assignments", result.TotalInternalAssignments),
		zap.Int("internal_users", result.DistinctInternalUsers),
		zap.Int("missing_members", len(result.MissingMembers)),
		zap.Int("extra_assignments", len(result.ExtraAssignments)),
		zap.Int("tier_mismatches", len(result.TierMismatches)),
		zap.Bool("has_drift", result.HasDrift),
	)
	return result, nil
}

// correlateMembers keys members by linked user id, falling back to the
// lower-cased email. Members without either are skipped.
func (s *Service) correlateMembers(providerID string, members []domain.Member, links []domain.AccountLink) (map[string]externalEntry, int) {
	byMember := make(map[string]string, len(links))
	byEmail := make(map[string]string, len(links))
	for _, l := range links {
		byMember[l.MemberID] = l.UserID
		if l.Email != "" {
			byEmail[strings.ToLower(l.Email)] = l.UserID
		}
	}

	out := make(map[string]externalEntry, len(members))
	skipped := 0
	for _, m := range members {
		email := strings.ToLower(strings.TrimSpace(m.Email))
		userID, ok := byMember[m.ID]
		if !ok && email != "" {
			userID, ok = byEmail[email]
		}
		if !ok {
			userID = email
		}
		if userID == "" {
			s.log.Warn("provider member skipped: no email or account link",
				zap.String("provider_id", providerID),
				zap.String("member_id", m.ID),
				zap.String("patron_status", m.PatronStatus),
			)
			skipped++
			continue
		}
		key := strings.ToLower(userID)
		if prev, dup := out[key]; dup && prev.member.IsActivePatron && !m.IsActivePatron {
			continue
		}
		out[key] = externalEntry{member: m, userID: userID}
	}
	return out, skipped
}

// providerGranted drops manual admin grants. They are not backed by a
// provider membership, so drift neither expects nor revokes them.
func providerGranted(assignments []assignmentdomain.Assignment) []assignmentdomain.Assignment {
	out := make([]assignmentdomain.Assignment, 0, len(assignments))
	for _, a := range assignments {
		if a.OriginKind == assignmentdomain.OriginAdmin || a.Origin().Kind == assignmentdomain.OriginAdmin {
			continue
		}
		out = append(out, a)
	}
	return out
}

func groupAssignments(assignments []assignmentdomain.Assignment) (map[string]*internalGroup, []string) {
	groups := map[string]*internalGroup{}
	var order []string
	for _, a := range assignments {
		key := strings.ToLower(a.UserID)
		g, ok := groups[key]
		if !ok {
			g = &internalGroup{userID: a.UserID}
			groups[key] = g
			order = append(order, key)
		}
		g.assignmentIDs = append(g.assignmentIDs, a.ID)
		if tier := tierOf(a); tier != "" && !contains(g.tiers, tier) {
			g.tiers = append(g.tiers, tier)
		}
	}
	return groups, order
}

// tierOf reads the tier an assignment was granted for. Older webhook
// assignments only carry it in a "memberId:tierId" reference; any other
// shape of reference yields no tier.
func tierOf(a assignmentdomain.Assignment) string {
	if a.TierID != nil && *a.TierID != "" {
		return *a.TierID
	}
	if a.OriginKind != "" && a.OriginKind != assignmentdomain.OriginWebhook {
		return ""
	}
	if a.Origin().Kind != assignmentdomain.OriginWebhook {
		return ""
	}
	member, tier, ok := strings.Cut(a.ProviderReference, ":")
	if !ok || member == "" || tier == "" || strings.Contains(tier, ":") {
		return ""
	}
	return tier
}

func sortedCopy(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" && !contains(out, v) {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contains(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}
