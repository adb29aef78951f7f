package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/merchantforge/poflow/internal/core/domain"
)

// PurchaseOrderRepository owns purchase orders, line items, product drafts
// and merchant sessions. Progress-note writes run under bounded lock and
// statement timeouts so a contended row degrades to a skipped update
// instead of blocking a worker.
type PurchaseOrderRepository struct {
	db *sql.DB
}

func NewPurchaseOrderRepository(db *sql.DB) *PurchaseOrderRepository {
	return &PurchaseOrderRepository{db: db}
}

func (r *PurchaseOrderRepository) GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, merchant_id, status, job_status, processing_notes, supplier_name, confidence, total_amount, currency, created_at, updated_at
FROM purchase_orders
WHERE id = $1
`, id)

	var (
		po        domain.PurchaseOrder
		status    string
		jobStatus sql.NullString
		notes     sql.NullString
		supplier  sql.NullString
		currency  sql.NullString
	)
	err := row.Scan(
		&po.ID, &po.MerchantID, &status, &jobStatus, &notes, &supplier,
		&po.Confidence, &po.TotalAmount, &currency, &po.CreatedAt, &po.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrPurchaseOrderNotFound, "get purchase order", fmt.Errorf("id %s", id))
		}
		return nil, fmt.Errorf("scan purchase order: %w", err)
	}
	po.Status = domain.PurchaseOrderStatus(status)
	po.JobStatus = jobStatus.String
	po.ProcessingNotes = notes.String
	po.SupplierName = supplier.String
	po.Currency = currency.String
	return &po, nil
}

func (r *PurchaseOrderRepository) UpdateStatus(ctx context.Context, id string, status domain.PurchaseOrderStatus, jobStatus string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE purchase_orders SET status = $2, job_status = $3, updated_at = $4 WHERE id = $1
`, id, string(status), jobStatus, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update purchase order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update purchase order status rows: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrPurchaseOrderNotFound, "update status", fmt.Errorf("id %s", id))
	}
	return nil
}

// UpdateProcessingNotes is best effort: the row is taken NOWAIT-style via
// lock_timeout, and contention surfaces as a pg error the caller skips.
func (r *PurchaseOrderRepository) UpdateProcessingNotes(ctx context.Context, id string, notes string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notes tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SET LOCAL lock_timeout = '500ms'`); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SET LOCAL statement_timeout = '2s'`); err != nil {
		return fmt.Errorf("set statement timeout: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE purchase_orders SET processing_notes = $2, updated_at = $3 WHERE id = $1
`, id, notes, time.Now().UTC()); err != nil {
		return fmt.Errorf("update processing notes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notes tx: %w", err)
	}
	return nil
}

func (r *PurchaseOrderRepository) FinalizePurchaseOrder(ctx context.Context, id string, update domain.PurchaseOrderFinal) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE purchase_orders
SET status = $2, job_status = $3, supplier_name = $4, confidence = $5, total_amount = $6,
    processing_notes = $7, updated_at = $8
WHERE id = $1
`, id, string(update.Status), update.JobStatus, update.SupplierName, update.Confidence,
		update.TotalAmount, update.Notes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("finalize purchase order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize purchase order rows: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrPurchaseOrderNotFound, "finalize", fmt.Errorf("id %s", id))
	}
	return nil
}

// SaveExtractedOrder upserts the purchase order's parsed fields and replaces
// its line items in one transaction.
func (r *PurchaseOrderRepository) SaveExtractedOrder(ctx context.Context, poID, merchantID string, order *domain.ExtractedOrder) error {
	if order == nil {
		return domain.WrapError(domain.ErrInvalidInput, "save extracted order", errors.New("nil extracted order"))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO purchase_orders (id, merchant_id, status, supplier_name, total_amount, currency, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (id)
DO UPDATE SET supplier_name = EXCLUDED.supplier_name, total_amount = EXCLUDED.total_amount,
              currency = EXCLUDED.currency, updated_at = EXCLUDED.updated_at
`, poID, merchantID, string(domain.POProcessing), order.SupplierName, order.TotalAmount, order.Currency, now); err != nil {
		return fmt.Errorf("upsert purchase order: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM line_items WHERE purchase_order_id = $1`, poID); err != nil {
		return fmt.Errorf("clear line items: %w", err)
	}
	for _, item := range order.LineItems {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO line_items (id, purchase_order_id, sku, description, quantity, unit_cost)
VALUES ($1, $2, $3, $4, $5, $6)
`, uuid.NewString(), poID, item.SKU, item.Description, item.Quantity, item.UnitCost); err != nil {
			return fmt.Errorf("insert line item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

func (r *PurchaseOrderRepository) ListLineItems(ctx context.Context, poID string) ([]domain.LineItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, purchase_order_id, sku, description, quantity, unit_cost
FROM line_items
WHERE purchase_order_id = $1
ORDER BY id
`, poID)
	if err != nil {
		return nil, fmt.Errorf("query line items: %w", err)
	}
	defer rows.Close()

	var items []domain.LineItem
	for rows.Next() {
		var (
			item domain.LineItem
			sku  sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.PurchaseOrderID, &sku, &item.Description, &item.Quantity, &item.UnitCost); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		item.SKU = sku.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate line items: %w", err)
	}
	return items, nil
}

func (r *PurchaseOrderRepository) FindDraftByLineItem(ctx context.Context, lineItemID string) (*domain.ProductDraft, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, merchant_id, line_item_id, title, sku, price, applied_rules, image_urls, created_at
FROM product_drafts
WHERE line_item_id = $1
`, lineItemID)

	draft, err := scanDraft(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return draft, nil
}

func (r *PurchaseOrderRepository) CreateDraft(ctx context.Context, draft *domain.ProductDraft) error {
	rulesJSON, err := json.Marshal(draft.Rules)
	if err != nil {
		return fmt.Errorf("marshal applied rules: %w", err)
	}
	urlsJSON, err := json.Marshal(draft.ImageURLs)
	if err != nil {
		return fmt.Errorf("marshal image urls: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO product_drafts (id, merchant_id, line_item_id, title, sku, price, applied_rules, image_urls, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, draft.ID, draft.MerchantID, draft.LineItemID, draft.Title, draft.SKU, draft.Price, rulesJSON, urlsJSON, draft.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert product draft: %w", err)
	}
	return nil
}

func (r *PurchaseOrderRepository) ListDraftsByPurchaseOrder(ctx context.Context, poID string) ([]domain.ProductDraft, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT d.id, d.merchant_id, d.line_item_id, d.title, d.sku, d.price, d.applied_rules, d.image_urls, d.created_at
FROM product_drafts d
JOIN line_items li ON li.id = d.line_item_id
WHERE li.purchase_order_id = $1
ORDER BY d.created_at
`, poID)
	if err != nil {
		return nil, fmt.Errorf("query product drafts: %w", err)
	}
	defer rows.Close()

	var drafts []domain.ProductDraft
	for rows.Next() {
		draft, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, *draft)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product drafts: %w", err)
	}
	return drafts, nil
}

func (r *PurchaseOrderRepository) AttachDraftImages(ctx context.Context, draftID string, urls []string) error {
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("marshal image urls: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE product_drafts SET image_urls = $2 WHERE id = $1
`, draftID, urlsJSON)
	if err != nil {
		return fmt.Errorf("attach draft images: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach draft images rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("attach draft images: draft %s not found", draftID)
	}
	return nil
}

func (r *PurchaseOrderRepository) GetActiveSession(ctx context.Context, merchantID string) (*domain.MerchantSession, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, merchant_id, temporary, expires_at
FROM merchant_sessions
WHERE merchant_id = $1 AND expires_at > $2
ORDER BY expires_at DESC
LIMIT 1
`, merchantID, time.Now().UTC())

	var session domain.MerchantSession
	err := row.Scan(&session.ID, &session.MerchantID, &session.Temporary, &session.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan merchant session: %w", err)
	}
	return &session, nil
}

func (r *PurchaseOrderRepository) CreateTemporarySession(ctx context.Context, merchantID string) (*domain.MerchantSession, error) {
	session := &domain.MerchantSession{
		ID:         uuid.NewString(),
		MerchantID: merchantID,
		Temporary:  true,
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO merchant_sessions (id, merchant_id, temporary, expires_at)
VALUES ($1, $2, $3, $4)
`, session.ID, session.MerchantID, session.Temporary, session.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert merchant session: %w", err)
	}
	return session, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (*domain.ProductDraft, error) {
	var (
		draft    domain.ProductDraft
		sku      sql.NullString
		rulesRaw []byte
		urlsRaw  []byte
	)
	err := row.Scan(&draft.ID, &draft.MerchantID, &draft.LineItemID, &draft.Title, &sku, &draft.Price, &rulesRaw, &urlsRaw, &draft.CreatedAt)
	if err != nil {
		return nil, err
	}
	draft.SKU = sku.String
	if err := json.Unmarshal(rulesRaw, &draft.Rules); err != nil {
		return nil, fmt.Errorf("unmarshal applied rules: %w", err)
	}
	if err := json.Unmarshal(urlsRaw, &draft.ImageURLs); err != nil {
		return nil, fmt.Errorf("unmarshal image urls: %w", err)
	}
	return &draft, nil
}
