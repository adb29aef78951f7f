// Package docfile preflights input documents before parsing: type
// detection, size metrics for the adaptive parse budget, and line-item
// pre-extraction from spreadsheet inputs.
package docfile

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/merchantforge/poflow/internal/core/domain"
)

type Inspector struct{}

func NewInspector() *Inspector {
	return &Inspector{}
}

func (i *Inspector) Inspect(filename string, data []byte) (domain.DocumentInfo, error) {
	info := domain.DocumentInfo{
		Kind:      detectKind(filename, data),
		SizeBytes: len(data),
	}

	switch info.Kind {
	case domain.DocPDF:
		pages, err := pdfPageCount(data)
		if err != nil {
			return info, domain.WrapError(domain.ErrInvalidInput, "inspect pdf", err)
		}
		info.Pages = pages
	case domain.DocCSV:
		rows, items := csvPreflight(data)
		info.Rows = rows
		info.LineItems = items
	case domain.DocSpreadsheet:
		rows, items, err := xlsxPreflight(data)
		if err != nil {
			return info, domain.WrapError(domain.ErrInvalidInput, "inspect spreadsheet", err)
		}
		info.Rows = rows
		info.LineItems = items
	}
	return info, nil
}

func detectKind(filename string, data []byte) domain.DocumentKind {
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return domain.DocPDF
	}
	// XLSX is a zip container.
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return domain.DocSpreadsheet
	}
	if bytes.HasPrefix(data, []byte("\x89PNG")) || bytes.HasPrefix(data, []byte("\xff\xd8\xff")) {
		return domain.DocImage
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return domain.DocPDF
	case ".csv":
		return domain.DocCSV
	case ".xlsx", ".xls":
		return domain.DocSpreadsheet
	case ".png", ".jpg", ".jpeg", ".webp", ".heic":
		return domain.DocImage
	}
	if looksLikeCSV(data) {
		return domain.DocCSV
	}
	return domain.DocUnknown
}

func looksLikeCSV(data []byte) bool {
	sample := data
	if len(sample) > 512 {
		sample = sample[:512]
	}
	if !utf8Printable(sample) {
		return false
	}
	line, _, _ := bytes.Cut(sample, []byte("\n"))
	return bytes.Count(line, []byte(",")) >= 2
}

func utf8Printable(sample []byte) bool {
	for _, b := range sample {
		if b == 0 {
			return false
		}
	}
	return true
}

func pdfPageCount(data []byte) (int, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	return reader.NumPage(), nil
}

// csvPreflight pre-extracts rows shaped like line items. Malformed rows are
// skipped: the AI parse remains the source of truth, this only feeds hints.
func csvPreflight(data []byte) (int, []domain.ExtractedItem) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	rows := 0
	var items []domain.ExtractedItem
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		rows++
		if item, ok := rowToItem(record); ok {
			items = append(items, item)
		}
	}
	return rows, items
}

func xlsxPreflight(data []byte) (int, []domain.ExtractedItem, error) {
	file, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer file.Close()

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return 0, nil, fmt.Errorf("workbook has no sheets")
	}
	records, err := file.GetRows(sheets[0])
	if err != nil {
		return 0, nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}

	var items []domain.ExtractedItem
	for _, record := range records {
		if item, ok := rowToItem(record); ok {
			items = append(items, item)
		}
	}
	return len(records), items, nil
}

// rowToItem accepts rows of at least (description, quantity, unit cost),
// with an optional leading SKU column.
func rowToItem(record []string) (domain.ExtractedItem, bool) {
	if len(record) < 3 {
		return domain.ExtractedItem{}, false
	}

	fields := record
	sku := ""
	if len(record) >= 4 {
		sku = strings.TrimSpace(record[0])
		fields = record[1:]
	}

	description := strings.TrimSpace(fields[0])
	quantity, errQ := strconv.Atoi(strings.TrimSpace(fields[1]))
	unitCost, errC := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if description == "" || errQ != nil || errC != nil || quantity <= 0 || unitCost < 0 {
		return domain.ExtractedItem{}, false
	}
	return domain.ExtractedItem{
		SKU:         sku,
		Description: description,
		Quantity:    quantity,
		UnitCost:    unitCost,
	}, true
}
