package usecase

import "github.com/merchantforge/poflow/internal/core/domain"

// Supplier-name extraction runs an explicit, ordered list of strategies
// instead of recursively searching the whole accumulated object. The
// canonical parser schema makes the first two strategies sufficient for
// well-formed runs; the remaining aliases cover results recorded by older
// pipeline revisions that are still inside their store TTL.
type supplierStrategy func(domain.AccumulatedData) (string, bool)

var supplierStrategies = []supplierStrategy{
	supplierFromTopLevel,
	supplierFromExtractedOrder,
	supplierFromNestedObject,
	supplierFromVendorAlias,
}

// SupplierName returns the first strategy hit, or "".
func SupplierName(data domain.AccumulatedData) string {
	for _, strategy := range supplierStrategies {
		if name, ok := strategy(data); ok {
			return name
		}
	}
	return ""
}

func supplierFromTopLevel(data domain.AccumulatedData) (string, bool) {
	return nonEmpty(data.StringField("supplier_name"))
}

func supplierFromExtractedOrder(data domain.AccumulatedData) (string, bool) {
	order, err := decodeExtracted(data["extracted_data"])
	if err != nil {
		return "", false
	}
	return nonEmpty(order.SupplierName)
}

func supplierFromNestedObject(data domain.AccumulatedData) (string, bool) {
	extracted, ok := data["extracted_data"].(map[string]any)
	if !ok {
		return "", false
	}
	supplier, ok := extracted["supplier"].(map[string]any)
	if !ok {
		return "", false
	}
	name, _ := supplier["name"].(string)
	return nonEmpty(name)
}

func supplierFromVendorAlias(data domain.AccumulatedData) (string, bool) {
	if name, ok := nonEmpty(data.StringField("vendor_name")); ok {
		return name, true
	}
	extracted, ok := data["extracted_data"].(map[string]any)
	if !ok {
		return "", false
	}
	name, _ := extracted["vendor_name"].(string)
	return nonEmpty(name)
}

func nonEmpty(s string) (string, bool) {
	return s, s != ""
}
