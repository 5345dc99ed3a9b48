package crm

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/david/opportunity-crm/internal/models"
)

// rawStatusKeys are copied verbatim into the record's status metadata.
var rawStatusKeys = []string{
	"status",
	"statusDescription",
	"phase",
	"phaseDescription",
	"priority",
	"priorityDescription",
}

// Normalize converts one upstream opportunity into the canonical shape.
// Every attribute takes the first non-empty candidate; missing data is
// defaulted, never rejected. Source is left for the caller to tag.
func Normalize(raw map[string]interface{}) models.Opportunity {
	opp := models.Opportunity{
		ExternalObjectID:      firstString(raw, "id", "ObjectID", "ID"),
		OpportunityID:         firstString(raw, "displayId", "OpportunityID", "OpportunityNumber", "id"),
		Name:                  htmlToText(firstString(raw, "name", "Name", "Description", "title")),
		AccountID:             accountID(raw),
		SalesStage:            MapSalesStage(firstString(raw, "status", "statusDescription", "SalesStage", "ProcessingStatusCodeText")),
		ExpectedRevenueAmount: ExtractRevenue(raw),
		Currency:              ExtractCurrency(raw),
		CloseDate:             parseCloseDate(firstValue(raw, "closeDate", "CloseDate", "ExpectedClosingDate", "ClosingDate")),
	}
	if opp.Name == "" {
		opp.Name = models.DefaultOpportunityName
	}

	meta := make(map[string]interface{})
	for _, key := range rawStatusKeys {
		if v, ok := raw[key]; ok && v != nil {
			meta[key] = v
		}
	}
	if len(meta) > 0 {
		opp.RawStatusMetadata = meta
	}
	return opp
}

// MapSalesStage maps free-form CRM status text onto a sales stage.
// Earlier rules win, so "Closed Won" is Won and "Lost after negotiation" is Lost.
func MapSalesStage(status string) models.SalesStage {
	s := strings.ToLower(status)
	switch {
	case s == "":
		return models.StageQualified
	case strings.Contains(s, "won"):
		return models.StageWon
	case strings.Contains(s, "lost"):
		return models.StageLost
	case strings.Contains(s, "negotiation"), strings.Contains(s, "negotiate"):
		return models.StageNegotiation
	case strings.Contains(s, "proposal"), strings.Contains(s, "quote"):
		return models.StageProposal
	}
	return models.StageQualified
}

// ExtractRevenue returns the first present revenue candidate as a
// non-negative number. Unparseable input yields 0.
func ExtractRevenue(raw map[string]interface{}) float64 {
	var candidate interface{}
	if nested, ok := raw["expectedRevenueAmount"].(map[string]interface{}); ok && truthy(nested["content"]) {
		candidate = nested["content"]
	} else {
		candidate = firstValue(raw, "ExpectedRevenueAmount", "ExpectedValue", "Amount")
	}
	if candidate == nil {
		return 0
	}

	var amount float64
	switch v := candidate.(type) {
	case float64:
		amount = v
	case int:
		amount = float64(v)
	case int64:
		amount = float64(v)
	case string:
		amount = parseLeadingFloat(v)
	default:
		return 0
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return 0
	}
	return amount
}

func ExtractCurrency(raw map[string]interface{}) string {
	if nested, ok := raw["expectedRevenueAmount"].(map[string]interface{}); ok {
		if code := stringOf(nested["currencyCode"]); code != "" {
			return code
		}
	}
	if c := firstString(raw, "Currency", "CurrencyCodeText"); c != "" {
		return c
	}
	return models.DefaultCurrency
}

func accountID(raw map[string]interface{}) string {
	if account, ok := raw["account"].(map[string]interface{}); ok {
		if id := stringOf(account["id"]); id != "" {
			return id
		}
	}
	return firstString(raw, "AccountID", "Account")
}

var leadingFloat = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// parseLeadingFloat reads the longest numeric prefix, so "12.5 EUR" is 12.5
// and "abc" is 0.
func parseLeadingFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "Infinity") || strings.HasPrefix(s, "+Infinity") || strings.HasPrefix(s, "-Infinity") {
		return 0
	}
	m := leadingFloat.FindString(s)
	if m == "" {
		return 0
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return f
}

var odataDate = regexp.MustCompile(`^/Date\((-?\d+)([+-]\d{4})?\)/$`)

func parseCloseDate(v interface{}) *time.Time {
	s := stringOf(v)
	if s == "" {
		return nil
	}
	if m := odataDate.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil
		}
		t := time.UnixMilli(ms).UTC()
		return &t
	}
	t, ok := models.ParseDate(s)
	if !ok {
		return nil
	}
	return &t
}

// htmlToText flattens any markup in s into whitespace-collapsed text.
func htmlToText(s string) string {
	s = strings.TrimSpace(s)
	if !strings.ContainsRune(s, '<') {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func firstValue(raw map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v := raw[k]; truthy(v) {
			return v
		}
	}
	return nil
}

func firstString(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := stringOf(raw[k]); s != "" {
			return s
		}
	}
	return ""
}

// truthy treats nil, "", false, 0 and NaN as absent, the way loosely
// typed CRM payloads use them.
func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case int:
		return x != 0
	case int64:
		return x != 0
	}
	return true
}

// stringOf renders scalars as text. Objects and arrays have no id-like
// text form and yield "".
func stringOf(v interface{}) string {
	if !truthy(v) {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}
