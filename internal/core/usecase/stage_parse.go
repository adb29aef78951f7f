package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/core/ports"
	"github.com/merchantforge/poflow/internal/infrastructure/parser"
	"github.com/merchantforge/poflow/internal/infrastructure/resilience"
)

// AIParsingStage resolves document bytes and delegates to the AI-parsing
// collaborator. The parse call is the stage's sole purpose, so its timeout
// is a stage failure rather than a degraded result.
type AIParsingStage struct {
	parser    ports.DocumentParser
	storage   ports.ObjectStorage
	inspector ports.DocumentInspector
	notes     noteWriter
	progress  *ProgressProjector
	exec      *resilience.Executor
	logger    *slog.Logger
}

func NewAIParsingStage(
	docParser ports.DocumentParser,
	storage ports.ObjectStorage,
	inspector ports.DocumentInspector,
	pos ports.PurchaseOrderRepository,
	progress *ProgressProjector,
	exec *resilience.Executor,
	logger *slog.Logger,
) *AIParsingStage {
	return &AIParsingStage{
		parser:    docParser,
		storage:   storage,
		inspector: inspector,
		notes:     noteWriter{pos: pos, logger: logger},
		progress:  progress,
		exec:      exec,
		logger:    logger,
	}
}

func (s *AIParsingStage) Stage() domain.Stage { return domain.StageAIParsing }

func (s *AIParsingStage) Process(ctx context.Context, in StageInput) (*StageOutcome, error) {
	merchantID := in.Data.StringField("merchant_id")
	if merchantID == "" {
		return nil, domain.WrapError(domain.ErrFatal, "ai parsing", fmt.Errorf("missing merchant id"))
	}
	poID := in.Data.StringField("purchase_order_id")

	s.progress.Publish(ctx, in.Run.ID, merchantID, domain.StageAIParsing, 2, "Resolving document", nil)
	s.notes.write(ctx, poID, "Parsing document")

	data, err := s.resolveContent(ctx, in.Data)
	if err != nil {
		return nil, err
	}
	filename := in.Data.StringField("filename")

	// Preflight occupies the first fifth of this stage's window.
	info, err := s.inspector.Inspect(filename, data)
	if err != nil {
		return nil, err
	}
	if info.Kind == domain.DocUnknown {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ai parsing",
			fmt.Errorf("unsupported file type for %q", filename))
	}
	s.progress.Publish(ctx, in.Run.ID, merchantID, domain.StageAIParsing,
		SubStage(0, 20, 100), "Document inspected", map[string]any{
			"kind":  string(info.Kind),
			"pages": info.Pages,
			"rows":  info.Rows,
		})

	var result *domain.ParseResult
	err = s.exec.Execute(ctx, "parser.parse", func(callCtx context.Context) error {
		parsed, parseErr := s.parser.ParseDocument(callCtx, domain.ParseRequest{
			WorkflowID:  in.Run.ID,
			Filename:    filename,
			MimeType:    in.Data.StringField("mime_type"),
			Data:        data,
			TimeoutHint: parseTimeoutHint(info),
			LineItems:   info.LineItems,
		})
		if parseErr != nil {
			return parseErr
		}
		result = parsed
		return nil
	}, parser.ClassifyParserError)
	if err != nil {
		return nil, err
	}
	// The port contract, not any one adapter, is what the stage trusts: a
	// result without extracted data and a confidence score is a failure.
	if result == nil || !result.Success || result.ExtractedData == nil {
		return nil, domain.WrapError(domain.ErrFatal, "ai parsing",
			fmt.Errorf("parser returned no extracted data"))
	}
	if result.Confidence <= 0 {
		return nil, domain.WrapError(domain.ErrFatal, "ai parsing",
			fmt.Errorf("parser returned no confidence score"))
	}

	s.progress.Publish(ctx, in.Run.ID, merchantID, domain.StageAIParsing, 90, "Document parsed", map[string]any{
		"confidence": result.Confidence,
		"line_items": len(result.ExtractedData.LineItems),
	})
	s.notes.write(ctx, poID, fmt.Sprintf("Parsed %d line items (confidence %.2f)",
		len(result.ExtractedData.LineItems), result.Confidence))

	fields := map[string]any{
		"extracted_data": result.ExtractedData,
		"confidence":     result.Confidence,
		"ai_model":       result.Model,
		"supplier_name":  result.ExtractedData.SupplierName,
		"document_kind":  string(info.Kind),
	}
	out := withIdentifiers(in.Data, fields)
	return &StageOutcome{Result: out, Next: out}, nil
}

// parseTimeoutHint converts preflight structure counts into a budget the
// byte-size scaling cannot see: a scanned PDF is small but slow to parse.
func parseTimeoutHint(info domain.DocumentInfo) time.Duration {
	var hint time.Duration
	if info.Pages > 0 {
		hint += time.Duration(info.Pages) * 20 * time.Second
	}
	if info.Rows > 0 {
		hint += time.Duration(info.Rows/25+1) * 5 * time.Second
	}
	return hint
}

// resolveContent tries, in priority order: inline text content, the inline
// base64 envelope, then download by storage reference.
func (s *AIParsingStage) resolveContent(ctx context.Context, data domain.AccumulatedData) ([]byte, error) {
	if content := data.StringField("content"); content != "" {
		return []byte(content), nil
	}

	if envelope, ok := domain.BinaryPayloadFromMap(data["content_b64"]); ok {
		raw, err := envelope.Decode()
		if err != nil {
			return nil, err
		}
		return raw, nil
	}

	if key := data.StringField("storage_key"); key != "" {
		var raw []byte
		err := s.exec.Execute(ctx, "storage.open", func(callCtx context.Context) error {
			reader, openErr := s.storage.Open(callCtx, key)
			if openErr != nil {
				return openErr
			}
			defer reader.Close()
			read, readErr := io.ReadAll(reader)
			if readErr != nil {
				return readErr
			}
			raw = read
			return nil
		}, resilience.ClassifyExternal)
		if err != nil {
			return nil, fmt.Errorf("download document %s: %w", key, err)
		}
		if len(raw) == 0 {
			return nil, domain.WrapError(domain.ErrInvalidInput, "ai parsing",
				fmt.Errorf("stored document %s is empty", key))
		}
		return raw, nil
	}

	return nil, domain.WrapError(domain.ErrInvalidInput, "ai parsing",
		fmt.Errorf("no document content: need content, content_b64 or storage_key"))
}
