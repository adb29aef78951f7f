package domain

import "time"

type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

type Stage string

const (
	StageAIParsing            Stage = "ai_parsing"
	StageDatabaseSave         Stage = "database_save"
	StageProductDraftCreation Stage = "product_draft_creation"
	StageImageAttachment      Stage = "image_attachment"
	StageShopifySync          Stage = "shopify_sync"
	StageStatusUpdate         Stage = "status_update"
)

// StageOrder is the fixed pipeline sequence. IMAGE_ATTACHMENT may skip
// itself when no product drafts exist, but it still occupies its slot.
var StageOrder = []Stage{
	StageAIParsing,
	StageDatabaseSave,
	StageProductDraftCreation,
	StageImageAttachment,
	StageShopifySync,
	StageStatusUpdate,
}

// NextStage returns the stage following s, or "" when s is terminal.
func NextStage(s Stage) Stage {
	for i, stage := range StageOrder {
		if stage == s && i+1 < len(StageOrder) {
			return StageOrder[i+1]
		}
	}
	return ""
}

func ValidStage(s Stage) bool {
	for _, stage := range StageOrder {
		if stage == s {
			return true
		}
	}
	return false
}

type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageSkipped    StageStatus = "skipped"
)

type StageState struct {
	Status    StageStatus `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type WorkflowError struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// StartPayload is the original input a workflow needs to resume from any
// stage: document reference plus owning identifiers.
type StartPayload struct {
	MerchantID      string         `json:"merchant_id"`
	UploadID        string         `json:"upload_id,omitempty"`
	PurchaseOrderID string         `json:"purchase_order_id,omitempty"`
	Filename        string         `json:"filename,omitempty"`
	MimeType        string         `json:"mime_type,omitempty"`
	StorageKey      string         `json:"storage_key,omitempty"`
	Content         string         `json:"content,omitempty"`
	ContentB64      *BinaryPayload `json:"content_b64,omitempty"`
	SyncImages      bool           `json:"sync_images,omitempty"`
}

// WorkflowRun is one end-to-end execution of the pipeline for one document.
type WorkflowRun struct {
	ID              string                `json:"id"`
	Status          WorkflowStatus        `json:"status"`
	CurrentStage    Stage                 `json:"current_stage"`
	Stages          map[Stage]StageState  `json:"stages"`
	ProgressPercent int                   `json:"progress_percent"`
	Payload         StartPayload          `json:"payload"`
	Error           *WorkflowError        `json:"error,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	FailedAt        *time.Time            `json:"failed_at,omitempty"`
}

func NewWorkflowRun(id string, payload StartPayload, now time.Time) *WorkflowRun {
	stages := make(map[Stage]StageState, len(StageOrder))
	for _, stage := range StageOrder {
		stages[stage] = StageState{Status: StagePending, UpdatedAt: now}
	}
	return &WorkflowRun{
		ID:           id,
		Status:       WorkflowActive,
		CurrentStage: StageAIParsing,
		Stages:       stages,
		Payload:      payload,
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// CompletedStageCount counts stages that finished, including skipped ones.
func (r *WorkflowRun) CompletedStageCount() int {
	n := 0
	for _, state := range r.Stages {
		if state.Status == StageCompleted || state.Status == StageSkipped {
			n++
		}
	}
	return n
}

// StageJob is the unit of work carried across the queue boundary. Both the
// NATS consumer and the in-process sequential runner produce these.
type StageJob struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Stage      Stage          `json:"stage"`
	Payload    map[string]any `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// AccumulatedData is the merged view of every stage's recorded output for
// one workflow run.
type AccumulatedData map[string]any

// IdentifierKeys are never dropped by a merge: a later stage omitting them
// must not shadow a value set earlier.
var IdentifierKeys = []string{"merchant_id", "upload_id", "workflow_id", "purchase_order_id"}

// Merge folds overlay into base, most-recent-key-wins, except identifier
// keys already present in base survive an absent-or-empty overlay value.
func (d AccumulatedData) Merge(overlay map[string]any) AccumulatedData {
	out := make(AccumulatedData, len(d)+len(overlay))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	for _, key := range IdentifierKeys {
		if isEmptyValue(out[key]) {
			if prior, ok := d[key]; ok && !isEmptyValue(prior) {
				out[key] = prior
			}
		}
	}
	return out
}

// StringField reads a string value, tolerating absence.
func (d AccumulatedData) StringField(key string) string {
	s, _ := d[key].(string)
	return s
}

func (d AccumulatedData) FloatField(key string) float64 {
	switch v := d[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
