package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/rxcore/rxcore/internal/domain/dispense"
	"github.com/rxcore/rxcore/internal/domain/inventory"
	"github.com/rxcore/rxcore/internal/domain/recall"
	"github.com/rxcore/rxcore/internal/domain/safety"
)

// TestRecallFlow drives a batch recall end to end: two patients exposed
// through dispenses, one batch never received, then initiate, notify,
// and resolve, checking the lot blocks and the affected-patient ledger
// at each step.
func TestRecallFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	amox := seedDrug(t, e, "AMOX-500", "Amoxicillin 500mg", "amoxicillin", 1.20)
	patA := seedPatient(t, e, "MRN-2001", "Ravi Nair", nil)
	patB := seedPatient(t, e, "MRN-2002", "Lakshmi Menon", nil)

	lotA := seedLot(t, e, amox.ID, "AMX-2026-101", daysFromNow(150), 100, 1.20)
	lotB := seedLot(t, e, amox.ID, "AMX-2026-102", daysFromNow(180), 50, 1.20)

	rxA := seedPrescription(t, e, patA.ID, line(amox.ID, 10, "TID"))
	if _, err := e.dispenses.Dispense(ctx, dispense.Input{
		PrescriptionID: rxA.ID,
		Lines:          []dispense.LineRequest{{DrugID: amox.ID, LotID: lotA.ID, Quantity: 10}},
	}, "pharm-rahul"); err != nil {
		t.Fatalf("dispense to patient A: %v", err)
	}
	rxB := seedPrescription(t, e, patB.ID, line(amox.ID, 5, "TID"))
	if _, err := e.dispenses.Dispense(ctx, dispense.Input{
		PrescriptionID: rxB.ID,
		Lines:          []dispense.LineRequest{{DrugID: amox.ID, LotID: lotB.ID, Quantity: 5}},
	}, "pharm-rahul"); err != nil {
		t.Fatalf("dispense to patient B: %v", err)
	}

	var rec *recall.Recall

	t.Run("initiate blocks every batch and finds exposures", func(t *testing.T) {
		var err error
		rec, err = e.recalls.InitiateRecall(ctx, recall.InitiateInput{
			DrugID:         amox.ID,
			BatchNumbers:   []string{"AMX-2026-101", "AMX-2026-102", "AMX-2026-199"},
			Reason:         "supplier reported contamination",
			Classification: recall.ClassII,
		}, "qa-officer")
		if err != nil {
			t.Fatalf("initiate recall: %v", err)
		}
		if rec.Status != recall.StatusActive {
			t.Fatalf("status = %s, want active", rec.Status)
		}

		full, err := e.recalls.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("load recall: %v", err)
		}
		if len(full.Lots) != 3 {
			t.Fatalf("expected 3 lot blocks, got %d", len(full.Lots))
		}
		blocked := map[string]recall.RecallLot{}
		for _, l := range full.Lots {
			blocked[l.BatchNumber] = l
		}
		if got := blocked["AMX-2026-101"]; got.QuantityBlocked != 90 || got.Placeholder {
			t.Errorf("lot A block = %+v, want 90 blocked, not placeholder", got)
		}
		if got := blocked["AMX-2026-102"]; got.QuantityBlocked != 45 || got.Placeholder {
			t.Errorf("lot B block = %+v, want 45 blocked, not placeholder", got)
		}
		if got := blocked["AMX-2026-199"]; !got.Placeholder || got.QuantityBlocked != 0 {
			t.Errorf("unknown batch block = %+v, want zero-quantity placeholder", got)
		}

		if len(full.Affected) != 2 {
			t.Fatalf("expected 2 affected patients, got %d", len(full.Affected))
		}
		byPatient := map[uuid.UUID]recall.AffectedPatient{}
		for _, a := range full.Affected {
			byPatient[a.PatientID] = a
		}
		if got := byPatient[patA.ID]; got.QuantityDispensed != 10 || got.Notified {
			t.Errorf("patient A exposure = %+v, want quantity 10, not notified", got)
		}
		if got := byPatient[patB.ID]; got.QuantityDispensed != 5 {
			t.Errorf("patient B exposure = %+v, want quantity 5", got)
		}

		if len(full.Actions) != 1 || full.Actions[0].Action != recall.ActionInitiated {
			t.Errorf("action log = %+v, want single initiated entry", full.Actions)
		}
	})

	t.Run("ledger lots are marked recalled", func(t *testing.T) {
		lot, err := e.stock.GetLot(ctx, lotA.ID)
		if err != nil {
			t.Fatalf("reload lot: %v", err)
		}
		if !lot.IsRecalled || lot.RecallRef == nil || *lot.RecallRef != rec.ID {
			t.Errorf("lot A not blocked: %+v", lot)
		}
		if lot.Status != inventory.LotRecalled {
			t.Errorf("lot A status = %s, want recalled", lot.Status)
		}
	})

	t.Run("batch gate answers for the recall", func(t *testing.T) {
		for _, batch := range []string{"AMX-2026-101", "AMX-2026-199"} {
			recalled, err := e.recalls.IsBatchRecalled(ctx, amox.ID, batch)
			if err != nil {
				t.Fatalf("batch gate %s: %v", batch, err)
			}
			if !recalled {
				t.Errorf("batch %s not reported recalled", batch)
			}
		}
		recalled, err := e.recalls.IsBatchRecalled(ctx, amox.ID, "AMX-2026-500")
		if err != nil {
			t.Fatalf("batch gate: %v", err)
		}
		if recalled {
			t.Error("untouched batch reported recalled")
		}
	})

	t.Run("dispense from a recalled lot is blocked", func(t *testing.T) {
		rx := seedPrescription(t, e, patA.ID, line(amox.ID, 5, "TID"))
		_, err := e.dispenses.Dispense(ctx, dispense.Input{
			PrescriptionID: rx.ID,
			Lines:          []dispense.LineRequest{{DrugID: amox.ID, LotID: lotA.ID, Quantity: 5}},
		}, "pharm-rahul")
		var sbe *safety.SafetyBlockedError
		if !errors.As(err, &sbe) {
			t.Fatalf("expected SafetyBlockedError, got %v", err)
		}
		var sawRecall bool
		for _, b := range sbe.Blockers {
			if b.Code == safety.CodeLotRecalled {
				sawRecall = true
			}
		}
		if !sawRecall {
			t.Errorf("no lot-recalled blocker in %+v", sbe.Blockers)
		}
	})

	t.Run("poisoned batch cannot be received", func(t *testing.T) {
		_, err := e.stock.ReceiveLot(ctx, inventory.ReceiveLotInput{
			DrugID:      amox.ID,
			BatchNumber: "AMX-2026-199",
			ExpiryDate:  daysFromNow(200),
			Quantity:    500,
			UnitPrice:   1.20,
		}, "storekeeper-1")
		if err == nil {
			t.Fatal("expected receipt of a recalled batch number to fail")
		}
	})

	t.Run("notify reaches every affected patient once", func(t *testing.T) {
		res, err := e.recalls.NotifyAffectedParties(ctx, rec.ID, "qa-officer")
		if err != nil {
			t.Fatalf("notify: %v", err)
		}
		if res.Notified != 2 || res.Failed != 0 {
			t.Fatalf("notify result = %+v, want 2 notified, 0 failed", res)
		}
		if res.BySMS != 2 {
			t.Errorf("expected SMS for both patients (phone on file), got %+v", res)
		}

		full, err := e.recalls.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("load recall: %v", err)
		}
		if full.Status != recall.StatusInProgress {
			t.Errorf("status after notify = %s, want in-progress", full.Status)
		}
		for _, a := range full.Affected {
			if !a.Notified || a.NotifiedAt == nil || a.NotifyChannel == nil {
				t.Errorf("affected %s not marked notified: %+v", a.PatientID, a)
			}
		}

		again, err := e.recalls.NotifyAffectedParties(ctx, rec.ID, "qa-officer")
		if err != nil {
			t.Fatalf("repeat notify: %v", err)
		}
		if again.Notified != 0 {
			t.Errorf("repeat notify reached %d patients, want 0", again.Notified)
		}
	})

	t.Run("cancel after notification is rejected", func(t *testing.T) {
		if _, err := e.recalls.CancelRecall(ctx, rec.ID, "supplier retracted report", "qa-officer"); err == nil {
			t.Fatal("expected cancel of an in-progress recall to fail")
		}
	})

	t.Run("resolve closes the recall and keeps lots blocked", func(t *testing.T) {
		resolved, err := e.recalls.ResolveRecall(ctx, rec.ID, "all exposed patients contacted, stock quarantined", "qa-officer")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolved.Status != recall.StatusCompleted {
			t.Errorf("status = %s, want completed", resolved.Status)
		}
		if resolved.ResolvedBy == nil || *resolved.ResolvedBy != "qa-officer" {
			t.Errorf("resolved_by = %v, want qa-officer", resolved.ResolvedBy)
		}

		lot, err := e.stock.GetLot(ctx, lotA.ID)
		if err != nil {
			t.Fatalf("reload lot: %v", err)
		}
		if !lot.IsRecalled {
			t.Error("resolution must not release the lot block")
		}

		if _, err := e.recalls.ResolveRecall(ctx, rec.ID, "again", "qa-officer"); err == nil {
			t.Fatal("expected resolving a completed recall to fail")
		}
	})

	t.Run("release is an explicit stock operation", func(t *testing.T) {
		lot, err := e.stock.ReleaseFromRecall(ctx, lotB.ID, "lab cleared batch after retesting", "qa-officer")
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		if lot.IsRecalled || lot.RecallRef != nil {
			t.Errorf("lot still blocked after release: %+v", lot)
		}

		// Released stock is dispensable again.
		rx := seedPrescription(t, e, patB.ID, line(amox.ID, 5, "TID"))
		if _, err := e.dispenses.Dispense(ctx, dispense.Input{
			PrescriptionID: rx.ID,
			Lines:          []dispense.LineRequest{{DrugID: amox.ID, LotID: lotB.ID, Quantity: 5}},
		}, "pharm-rahul"); err != nil {
			t.Fatalf("dispense from released lot: %v", err)
		}
	})
}

// TestRecallCancel checks the one legal cancellation path: a recall
// that has not notified anyone can be cancelled, and cancellation
// leaves the lot blocks in place for an explicit release.
func TestRecallCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	para := seedDrug(t, e, "PARA-500", "Paracetamol 500mg", "paracetamol", 0.30)
	lot := seedLot(t, e, para.ID, "PAR-2026-201", daysFromNow(365), 400, 0.30)

	rec, err := e.recalls.InitiateRecall(ctx, recall.InitiateInput{
		DrugID:         para.ID,
		BatchNumbers:   []string{"PAR-2026-201"},
		Reason:         "labelling defect reported",
		Classification: recall.ClassIII,
	}, "qa-officer")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	cancelled, err := e.recalls.CancelRecall(ctx, rec.ID, "labelling defect was a different product", "qa-officer")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != recall.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	// The block stays until someone releases it with a reason.
	got, err := e.stock.GetLot(ctx, lot.ID)
	if err != nil {
		t.Fatalf("reload lot: %v", err)
	}
	if !got.IsRecalled {
		t.Error("cancellation must not silently release the lot")
	}

	// A cancelled recall no longer answers the batch gate.
	recalled, err := e.recalls.IsBatchRecalled(ctx, para.ID, "PAR-2026-201")
	if err != nil {
		t.Fatalf("batch gate: %v", err)
	}
	if recalled {
		t.Error("cancelled recall still poisons the batch gate")
	}

	if _, err := e.recalls.NotifyAffectedParties(ctx, rec.ID, "qa-officer"); err == nil {
		t.Fatal("expected notify on a cancelled recall to fail")
	}
}

// TestRecallValidation covers the initiation input gates.
func TestRecallValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	amox := seedDrug(t, e, "AMOX-500", "Amoxicillin 500mg", "amoxicillin", 1.20)

	cases := []struct {
		name string
		in   recall.InitiateInput
	}{
		{"missing drug", recall.InitiateInput{BatchNumbers: []string{"B1"}, Reason: "contamination", Classification: recall.ClassI}},
		{"no batches", recall.InitiateInput{DrugID: amox.ID, Reason: "contamination", Classification: recall.ClassI}},
		{"blank reason", recall.InitiateInput{DrugID: amox.ID, BatchNumbers: []string{"B1"}, Reason: "  ", Classification: recall.ClassI}},
		{"bad classification", recall.InitiateInput{DrugID: amox.ID, BatchNumbers: []string{"B1"}, Reason: "contamination", Classification: "class-9"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.recalls.InitiateRecall(ctx, tc.in, "qa-officer"); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
