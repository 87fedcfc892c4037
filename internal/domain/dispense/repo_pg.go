package dispense

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxcore/rxcore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgRepo struct {
	pool *pgxpool.Pool
}

// NewPGRepository returns a Repository backed by PostgreSQL.
func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &pgRepo{pool: pool}
}

func (r *pgRepo) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordCols = `id, prescription_id, patient_id, visit_id, visit_type, admission_id,
	total_amount, dispensed_by, dispensed_at, created_at`

const itemCols = `id, record_id, drug_id, drug_name, lot_id, batch_number, expiry_date,
	supplier_name, receipt_ref, dosage, frequency, duration, prescribed_quantity,
	dispensed_quantity, unit_price, line_total, recall_checked_at, interaction_checked,
	override_reason, override_approved_by, created_at`

func (r *pgRepo) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dispense_records (id, prescription_id, patient_id, visit_id, visit_type,
			admission_id, total_amount, dispensed_by, dispensed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.PrescriptionID, rec.PatientID, rec.VisitID, rec.VisitType,
		rec.AdmissionID, rec.TotalAmount, rec.DispensedBy, rec.DispensedAt, rec.CreatedAt,
	)
	if err != nil {
		return err
	}

	for i := range rec.Items {
		item := &rec.Items[i]
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		item.RecordID = rec.ID
		if item.CreatedAt.IsZero() {
			item.CreatedAt = rec.CreatedAt
		}
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO dispense_items (id, record_id, drug_id, drug_name, lot_id, batch_number,
				expiry_date, supplier_name, receipt_ref, dosage, frequency, duration,
				prescribed_quantity, dispensed_quantity, unit_price, line_total,
				recall_checked_at, interaction_checked, override_reason, override_approved_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
			item.ID, item.RecordID, item.DrugID, item.DrugName, item.LotID, item.BatchNumber,
			item.ExpiryDate, item.SupplierName, item.ReceiptRef, item.Dosage, item.Frequency,
			item.Duration, item.PrescribedQuantity, item.DispensedQuantity, item.UnitPrice,
			item.LineTotal, item.RecallCheckedAt, item.InteractionChecked,
			item.OverrideReason, item.OverrideApprovedBy, item.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.PrescriptionID, &rec.PatientID, &rec.VisitID, &rec.VisitType,
		&rec.AdmissionID, &rec.TotalAmount, &rec.DispensedBy, &rec.DispensedAt, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(
		&it.ID, &it.RecordID, &it.DrugID, &it.DrugName, &it.LotID, &it.BatchNumber,
		&it.ExpiryDate, &it.SupplierName, &it.ReceiptRef, &it.Dosage, &it.Frequency,
		&it.Duration, &it.PrescribedQuantity, &it.DispensedQuantity, &it.UnitPrice,
		&it.LineTotal, &it.RecallCheckedAt, &it.InteractionChecked,
		&it.OverrideReason, &it.OverrideApprovedBy, &it.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *pgRepo) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM dispense_records WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *pgRepo) loadItems(ctx context.Context, rec *Record) error {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM dispense_items WHERE record_id = $1 ORDER BY created_at, id`,
		rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return err
		}
		rec.Items = append(rec.Items, *it)
	}
	return rows.Err()
}

func (r *pgRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM dispense_records WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM dispense_records WHERE patient_id = $1
		 ORDER BY dispensed_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	records, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	for _, rec := range records {
		if err := r.loadItems(ctx, rec); err != nil {
			return nil, 0, err
		}
	}
	return records, total, nil
}

func (r *pgRepo) ListByPrescription(ctx context.Context, prescriptionID uuid.UUID) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM dispense_records WHERE prescription_id = $1
		 ORDER BY dispensed_at`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if err := r.loadItems(ctx, rec); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// FindExposuresByDrugAndBatches matches on the snapshotted batch number,
// not the live lot row, so exposures survive later edits to the lot.
func (r *pgRepo) FindExposuresByDrugAndBatches(ctx context.Context, drugID uuid.UUID, batchNumbers []string) ([]*BatchExposure, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT i.id, i.record_id, r.patient_id, i.drug_id, i.lot_id, i.batch_number,
		       i.dispensed_quantity, r.dispensed_at
		FROM dispense_items i
		JOIN dispense_records r ON r.id = i.record_id
		WHERE i.drug_id = $1 AND i.batch_number = ANY($2)
		ORDER BY r.dispensed_at, i.id`,
		drugID, batchNumbers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exposures []*BatchExposure
	for rows.Next() {
		var e BatchExposure
		if err := rows.Scan(
			&e.ItemID, &e.RecordID, &e.PatientID, &e.DrugID, &e.LotID,
			&e.BatchNumber, &e.Quantity, &e.DispensedAt,
		); err != nil {
			return nil, err
		}
		exposures = append(exposures, &e)
	}
	return exposures, rows.Err()
}

func (r *pgRepo) ListItemsByBatch(ctx context.Context, batchNumber string, limit, offset int) ([]*Item, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM dispense_items WHERE batch_number = $1`, batchNumber).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM dispense_items WHERE batch_number = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, batchNumber, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
