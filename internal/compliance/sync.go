// Package compliance keeps the external compliance service's escrow
// verification in step with escrow milestones.
package compliance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/pkg/apperr"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// MilestoneRefunded is the pseudo-milestone used when an escrow is refunded.
const MilestoneRefunded = "Refunded"

type statusUpdate struct {
	status VerificationStatus
	note   func(milestone string, exp Exposure) string
}

var milestoneUpdates = map[string]statusUpdate{
	"Funds Captured": {
		status: StatusInReview,
		note: func(_ string, exp Exposure) string {
			return fmt.Sprintf("Funds captured for escrow trade. Total amount: $%s USD. Initiating proof-of-funds verification for buyer %s.",
				exp.TotalAmount.StringFixed(2), exp.BuyerID)
		},
	},
	"Assets Deposited": {
		status: StatusInReview,
		note: func(string, Exposure) string {
			return "Assets deposited into escrow. Validating deposited asset provenance and matching trade inventory."
		},
	},
	"Settlement Completed": {
		status: StatusPassed,
		note: func(string, Exposure) string {
			return "Escrow settlement completed. Compliance verification marked as passed and ready for audit trail closure."
		},
	},
	MilestoneRefunded: {
		status: StatusFailed,
		note: func(string, Exposure) string {
			return "Escrow refunded. Flagging verification as failed for follow-up review and incident documentation."
		},
	},
}

// TargetStatus reports the verification status a milestone maps to.
func TargetStatus(milestone string) (VerificationStatus, bool) {
	update, ok := milestoneUpdates[milestone]
	return update.status, ok
}

var statusRank = map[VerificationStatus]int{
	StatusPending:  0,
	StatusInReview: 1,
	StatusPassed:   2,
	StatusFailed:   2,
	StatusExpired:  2,
}

// MilestoneRank orders milestones by how far along the verification status
// they push. Unmapped milestones rank -1.
func MilestoneRank(milestone string) int {
	update, ok := milestoneUpdates[milestone]
	if !ok {
		return -1
	}
	return statusRank[update.status]
}

type Syncer struct {
	client     Client
	states     *Database
	actorLabel string
	now        func() time.Time
}

func NewSyncer(client Client, gormDB *gorm.DB, cfg config.Compliance) *Syncer {
	label := cfg.ActorLabel
	if label == "" {
		label = "Escrow Service"
	}
	return &Syncer{
		client:     client,
		states:     NewDatabase(gormDB),
		actorLabel: label,
		now:        time.Now,
	}
}

// EnsureVerification returns the escrow's verification, creating one when the
// compliance service has none.
func (s *Syncer) EnsureVerification(ctx context.Context, escrowID string, exp Exposure) (*Verification, error) {
	const action = "ensuring escrow compliance verification"

	existing, err := s.client.List(ctx, EntityTypeEscrow, escrowID)
	if err != nil {
		return nil, apperr.Upstream(err, "compliance service error while %s", action)
	}
	if primary := selectPrimary(existing); primary != nil {
		return primary, nil
	}

	created, err := s.client.Create(ctx, CreateRequest{
		RelatedEntityType: EntityTypeEscrow,
		RelatedEntityID:   escrowID,
		Scope:             EscrowScopes,
		Notes: fmt.Sprintf("Escrow initiated for trade %s with total exposure of $%s USD between buyer %s and seller %s.",
			exp.TradeID, exp.TotalAmount.StringFixed(2), exp.BuyerID, exp.SellerID),
		InitiatedByLabel: s.actorLabel,
	})
	if err != nil {
		return nil, apperr.Upstream(err, "compliance service error while %s", action)
	}

	log.Info().
		Str("escrow_id", escrowID).
		Str("verification_id", created.ID).
		Msg("created escrow compliance verification")
	return created, nil
}

// SyncForMilestone pushes the status mapped from milestone. Unmapped
// milestones are ignored.
func (s *Syncer) SyncForMilestone(ctx context.Context, escrowID, milestone string, exp Exposure) error {
	update, ok := milestoneUpdates[milestone]
	if !ok {
		return nil
	}

	verification, err := s.EnsureVerification(ctx, escrowID, exp)
	if err != nil {
		return err
	}

	_, err = s.client.UpdateStatus(ctx, verification.ID, StatusUpdate{
		Status:     update.status,
		Notes:      update.note(milestone, exp),
		ActorLabel: s.actorLabel,
	})
	if err != nil {
		return apperr.Upstream(err, "compliance service error while syncing escrow compliance for milestone %s", milestone)
	}

	log.Debug().
		Str("escrow_id", escrowID).
		Str("milestone", milestone).
		Str("status", string(update.status)).
		Msg("compliance verification synced")
	return nil
}

// RecordFailure marks the escrow's sync as owed so the reconciler retries it.
func (s *Syncer) RecordFailure(ctx context.Context, escrowID, tradeID, milestone string, cause error) error {
	return s.states.MarkPending(ctx, escrowID, tradeID, milestone, cause, s.now().UTC())
}

func (s *Syncer) RecordSuccess(ctx context.Context, escrowID, tradeID, milestone string) error {
	return s.states.MarkSynced(ctx, escrowID, tradeID, milestone, s.now().UTC())
}

func (s *Syncer) Pending(ctx context.Context, limit int) ([]SyncState, error) {
	return s.states.ListPending(ctx, limit)
}

func selectPrimary(verifications []Verification) *Verification {
	if len(verifications) == 0 {
		return nil
	}
	sorted := make([]Verification, len(verifications))
	copy(sorted, verifications)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, cj := sorted[i].createdAt(), sorted[j].createdAt()
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return sorted[i].ID > sorted[j].ID
	})
	return &sorted[0]
}
