// Package gate manages the human decision over a round's mutating tool
// calls: local approve/reject intentions, batch helpers, and the two
// mutually exclusive submission pathways (in-band decision frame vs
// out-of-band apply/discard calls).
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jddlt/arboris-novel/internal/ledger"
	"github.com/jddlt/arboris-novel/internal/models"
	"github.com/jddlt/arboris-novel/internal/protocol"
)

var (
	ErrNoConfirmation = errors.New("gate: no confirmation request open")
	// ErrNotContinuable is returned by the in-band submit when the agent
	// loop is not paused waiting for a decision frame.
	ErrNotContinuable = errors.New("gate: confirmation is not awaiting continuation")
	// ErrContinuable is returned by the out-of-band submit when the request
	// must be answered in-band instead.
	ErrContinuable = errors.New("gate: confirmation is awaiting in-band continuation")
)

// Applier performs the out-of-band confirmation calls.
type Applier interface {
	Apply(ctx context.Context, ids []string) (*protocol.ApplyResponse, error)
	Discard(ctx context.Context, ids []string) (int, error)
}

// Gate is the sole writer of confirmation decisions. All status changes go
// through the ledger so every view stays consistent.
type Gate struct {
	mu     sync.Mutex
	ledger *ledger.Ledger

	// pinned holds ids the human decided one by one. Batch helpers skip
	// pinned ids; they only sweep entries still awaiting an individual
	// decision.
	pinned map[string]bool
}

func New(l *ledger.Ledger) *Gate {
	return &Gate{ledger: l, pinned: make(map[string]bool)}
}

// Open installs a new confirmation request and resets any prior decisions.
func (g *Gate) Open(actions []*models.ToolExecution, awaitingContinuation bool, timeoutMS int) {
	g.mu.Lock()
	g.pinned = make(map[string]bool)
	g.mu.Unlock()
	g.ledger.OpenConfirmation(actions, awaitingContinuation, timeoutMS)
}

// Invalidate drops the active confirmation request without deciding
// anything, used when a disconnect makes its continuation untrustworthy.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	g.pinned = make(map[string]bool)
	g.mu.Unlock()
	g.ledger.ClearConfirmation()
}

// Approve marks one action as approved. Ids not present in the active
// confirmation request are ignored; no ledger entry is ever created here.
func (g *Gate) Approve(id string) {
	g.decide(id, models.StatusApproved)
}

// Reject marks one action as rejected.
func (g *Gate) Reject(id string) {
	g.decide(id, models.StatusRejected)
}

func (g *Gate) decide(id string, status models.ToolStatus) {
	req := g.ledger.Confirmation()
	if req == nil || req.Find(id) == nil {
		return
	}
	g.ledger.UpdateStatus(id, status, "")
	g.mu.Lock()
	g.pinned[id] = true
	g.mu.Unlock()
}

// ApproveAll approves every action still awaiting an individual decision.
// Ids the human already decided one by one keep their decision, which makes
// repeated invocation safe.
func (g *Gate) ApproveAll() {
	g.sweep(models.StatusApproved)
}

// RejectAll rejects every action still awaiting an individual decision.
func (g *Gate) RejectAll() {
	g.sweep(models.StatusRejected)
}

func (g *Gate) sweep(status models.ToolStatus) {
	req := g.ledger.Confirmation()
	if req == nil {
		return
	}
	g.mu.Lock()
	var ids []string
	for _, t := range req.Tools {
		if g.pinned[t.ID] {
			continue
		}
		switch t.Status {
		case models.StatusPending, models.StatusApproved, models.StatusRejected:
			ids = append(ids, t.ID)
		}
	}
	g.mu.Unlock()
	if status == models.StatusApproved {
		g.ledger.UpdateStatuses(ids, nil, models.StatusApproved, models.StatusRejected)
	} else {
		g.ledger.UpdateStatuses(nil, ids, models.StatusApproved, models.StatusRejected)
	}
}

// decisions splits the active request into approved and rejected id lists.
// Anything still pending at submission time is treated as rejected, so an
// unconfirmed action can never be applied by accident. Entries a previous
// submit already settled on the server (applied, success, failed) are
// skipped; a retry after a partial failure only resends what is unsettled.
func (g *Gate) decisions(req *models.ConfirmationRequest) (approved, rejected []string) {
	for _, t := range req.Tools {
		switch t.Status {
		case models.StatusApplied, models.StatusSuccess, models.StatusFailed:
		case models.StatusApproved:
			approved = append(approved, t.ID)
		default:
			rejected = append(rejected, t.ID)
		}
	}
	return approved, rejected
}

// SubmitInBand sends the decision frame over the live stream and clears the
// request; the agent loop resumes server-side. Only legal while the request
// is awaiting continuation.
func (g *Gate) SubmitInBand(send func(*protocol.ClientFrame) error) (approved, rejected []string, err error) {
	req := g.ledger.Confirmation()
	if req == nil {
		return nil, nil, ErrNoConfirmation
	}
	if !req.AwaitingContinuation {
		return nil, nil, ErrNotContinuable
	}

	approved, rejected = g.decisions(req)
	g.ledger.UpdateStatuses(approved, rejected, models.StatusApproved, models.StatusRejected)

	if err := send(protocol.ConfirmResponse(approved, rejected)); err != nil {
		return nil, nil, fmt.Errorf("gate: send decision: %w", err)
	}
	g.Invalidate()
	return approved, rejected, nil
}

// SubmitOutOfBand settles the decisions through independent apply and
// discard calls. The agent loop does not resume; continuing the
// conversation takes a fresh user turn. Only legal when the request is not
// awaiting continuation.
func (g *Gate) SubmitOutOfBand(ctx context.Context, api Applier) error {
	req := g.ledger.Confirmation()
	if req == nil {
		return ErrNoConfirmation
	}
	if req.AwaitingContinuation {
		return ErrContinuable
	}

	approved, rejected := g.decisions(req)
	g.ledger.UpdateStatuses(approved, rejected, models.StatusApproved, models.StatusRejected)

	if len(approved) > 0 {
		resp, err := api.Apply(ctx, approved)
		if err != nil {
			return fmt.Errorf("gate: apply actions: %w", err)
		}
		for _, r := range resp.Results {
			status := models.StatusFailed
			if r.Success {
				status = models.StatusApplied
			}
			g.ledger.UpdateStatus(r.ActionID, status, r.Message)
		}
	}
	if len(rejected) > 0 {
		if _, err := api.Discard(ctx, rejected); err != nil {
			return fmt.Errorf("gate: discard actions: %w", err)
		}
		g.ledger.UpdateStatuses(nil, rejected, models.StatusApproved, models.StatusRejected)
	}

	g.Invalidate()
	return nil
}
