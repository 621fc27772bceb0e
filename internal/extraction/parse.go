package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// invoicePrompt is shared by the model-backed extractors
const invoicePrompt = `You are analyzing a photo or scan of a paper invoice. Carefully read all text in the image and extract the following information:

1. **Invoice number**: the invoice or receipt number printed on the document, if any.

2. **Store name**: the merchant or business name, usually the largest text at the top.

3. **Address**: the merchant address printed near the store name.

4. **Date**: the invoice date converted to ISO 8601 (YYYY-MM-DD).

5. **Line items**: every purchased product with its name, unit price and quantity, in the order printed.

6. **Total amount**: the final amount due, usually labeled "TOTAL", "Grand Total" or "Amount Due".

Return ONLY valid JSON in this exact format:
{
  "invoice_id": "string",
  "store_name": "string",
  "address": "string",
  "created_date": "YYYY-MM-DD",
  "total_amount": 0,
  "items": [
    {"name": "string", "unit_price": 0, "quantity": 0}
  ]
}

Important:
- Amounts and quantities must be numbers, not strings
- If you cannot find a field, use null for that field
- If the image is not an invoice, return {}
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
	"02.01.2006",
	time.RFC3339,
}

// parseRecordJSON parses a model reply into a Result. An empty object is a
// valid reply meaning "no invoice found".
func parseRecordJSON(text string) (Result, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return Result{}, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return Result{}, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return Result{}, fmt.Errorf("unmarshaling json: %w", err)
	}
	if len(raw) == 0 {
		return Result{}, nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return Result{}, fmt.Errorf("unmarshaling json: %w", err)
	}

	rec.StoreName = trimmed(rec.StoreName)
	rec.Address = trimmed(rec.Address)
	rec.InvoiceID = trimmed(rec.InvoiceID)
	rec.CreatedDate = normalizeDate(rec.CreatedDate)
	for i := range rec.Items {
		rec.Items[i].Name = trimmed(rec.Items[i].Name)
	}

	return Result{Record: &rec}, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

// normalizeDate rewrites known formats to YYYY-MM-DD. Unparseable dates are
// dropped so the draft falls back to its default.
func normalizeDate(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	for _, format := range dateFormats {
		if d, err := time.Parse(format, v); err == nil {
			return str(d.Format("2006-01-02"))
		}
	}
	return nil
}
