package xerosync

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/buildflow_backend/models"
	"github.com/mmdatafocus/buildflow_backend/utils"
	"github.com/shopspring/decimal"
)

// Canonical is the source-agnostic field map used for hashing and comparison.
// Missing values are always the empty string, never absent keys, so the hash
// does not depend on how either side represents absence.
type Canonical map[string]string

// HashCanonical digests the map with sorted keys; key order never affects the
// result. MD5 is enough here, this is change detection, not security.
func HashCanonical(c Canonical) string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := md5.New()
	for _, k := range keys {
		io.WriteString(h, k)
		io.WriteString(h, "=")
		io.WriteString(h, c[k])
		io.WriteString(h, "\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}

/* Xero wire shapes */

type XeroPhone struct {
	PhoneType        string `json:"PhoneType"`
	PhoneNumber      string `json:"PhoneNumber"`
	PhoneAreaCode    string `json:"PhoneAreaCode"`
	PhoneCountryCode string `json:"PhoneCountryCode"`
}

type XeroAddress struct {
	AddressType  string `json:"AddressType"`
	AddressLine1 string `json:"AddressLine1"`
	AddressLine2 string `json:"AddressLine2"`
	City         string `json:"City"`
	Region       string `json:"Region"`
	PostalCode   string `json:"PostalCode"`
	Country      string `json:"Country"`
}

type XeroContact struct {
	ContactID      string        `json:"ContactID"`
	Name           string        `json:"Name"`
	EmailAddress   string        `json:"EmailAddress"`
	TaxNumber      string        `json:"TaxNumber"`
	ContactStatus  string        `json:"ContactStatus"`
	IsCustomer     bool          `json:"IsCustomer"`
	IsSupplier     bool          `json:"IsSupplier"`
	Phones         []XeroPhone   `json:"Phones"`
	Addresses      []XeroAddress `json:"Addresses"`
	UpdatedDateUTC string        `json:"UpdatedDateUTC"`
}

type XeroLineItem struct {
	Description string      `json:"Description"`
	Quantity    json.Number `json:"Quantity"`
	UnitAmount  json.Number `json:"UnitAmount"`
	TaxAmount   json.Number `json:"TaxAmount"`
	LineAmount  json.Number `json:"LineAmount"`
}

type XeroContactRef struct {
	ContactID string `json:"ContactID"`
}

type XeroInvoice struct {
	InvoiceID      string         `json:"InvoiceID"`
	InvoiceNumber  string         `json:"InvoiceNumber"`
	Reference      string         `json:"Reference"`
	Type           string         `json:"Type"` // ACCREC or ACCPAY
	Status         string         `json:"Status"`
	Contact        XeroContactRef `json:"Contact"`
	Date           string         `json:"Date"`
	DueDate        string         `json:"DueDate"`
	CurrencyCode   string         `json:"CurrencyCode"`
	SubTotal       json.Number    `json:"SubTotal"`
	TotalTax       json.Number    `json:"TotalTax"`
	Total          json.Number    `json:"Total"`
	AmountPaid     json.Number    `json:"AmountPaid"`
	AmountDue      json.Number    `json:"AmountDue"`
	LineItems      []XeroLineItem `json:"LineItems"`
	UpdatedDateUTC string         `json:"UpdatedDateUTC"`
}

type XeroInvoiceRef struct {
	InvoiceID string `json:"InvoiceID"`
}

type XeroPayment struct {
	PaymentID      string         `json:"PaymentID"`
	Invoice        XeroInvoiceRef `json:"Invoice"`
	Date           string         `json:"Date"`
	Amount         json.Number    `json:"Amount"`
	Reference      string         `json:"Reference"`
	Status         string         `json:"Status"` // AUTHORISED or DELETED
	UpdatedDateUTC string         `json:"UpdatedDateUTC"`
}

var msDatePattern = regexp.MustCompile(`^/Date\((-?\d+)(?:[+-]\d{4})?\)/$`)

// ParseXeroTime accepts both RFC3339 and the legacy "/Date(1518685950940+0000)/"
// form the Xero API still emits on some endpoints.
func ParseXeroTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if m := msDatePattern.FindStringSubmatch(value); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), true
	}
	// Xero date-only fields.
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}

func canonicalDate(value string) string {
	if t, ok := ParseXeroTime(value); ok {
		return t.Format("2006-01-02")
	}
	return ""
}

func canonicalAmount(d decimal.Decimal) string {
	return d.Round(4).String()
}

func canonicalBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

/* Contact extraction */

func (c XeroContact) primaryAddress() XeroAddress {
	for _, addr := range c.Addresses {
		if addr.AddressType == "STREET" {
			return addr
		}
	}
	for _, addr := range c.Addresses {
		if addr.AddressType == "POBOX" {
			return addr
		}
	}
	if len(c.Addresses) > 0 {
		return c.Addresses[0]
	}
	return XeroAddress{}
}

func (c XeroContact) phoneOfType(phoneType string) string {
	for _, p := range c.Phones {
		if p.PhoneType != phoneType {
			continue
		}
		number := strings.TrimSpace(p.PhoneCountryCode + p.PhoneAreaCode + p.PhoneNumber)
		if number != "" {
			return utils.NormalizePhoneNumber(number, utils.CountryCode)
		}
	}
	return ""
}

// ContactCanonicalFromRemote extracts the sync-relevant fields of a Xero
// contact. Every field that should trigger a re-sync when it changes must be
// listed here; anything omitted changes silently.
func ContactCanonicalFromRemote(c XeroContact) Canonical {
	addr := c.primaryAddress()
	return Canonical{
		"name":          strings.TrimSpace(c.Name),
		"email":         strings.TrimSpace(c.EmailAddress),
		"phone":         c.phoneOfType("DEFAULT"),
		"mobile":        c.phoneOfType("MOBILE"),
		"tax_number":    strings.TrimSpace(c.TaxNumber),
		"address_line1": strings.TrimSpace(addr.AddressLine1),
		"address_line2": strings.TrimSpace(addr.AddressLine2),
		"city":          strings.TrimSpace(addr.City),
		"region":        strings.TrimSpace(addr.Region),
		"postal_code":   strings.TrimSpace(addr.PostalCode),
		"country":       strings.TrimSpace(addr.Country),
		"is_customer":   canonicalBool(c.IsCustomer),
		"is_supplier":   canonicalBool(c.IsSupplier),
	}
}

func ContactCanonicalFromCustomer(c models.Customer) Canonical {
	return Canonical{
		"name":               strings.TrimSpace(c.Name),
		"email":              strings.TrimSpace(c.Email),
		"phone":              utils.NormalizePhoneNumber(c.Phone, utils.CountryCode),
		"mobile":             utils.NormalizePhoneNumber(c.Mobile, utils.CountryCode),
		"tax_number":         strings.TrimSpace(c.TaxNumber),
		"address_line1":      strings.TrimSpace(c.AddressLine1),
		"address_line2":      strings.TrimSpace(c.AddressLine2),
		"city":               strings.TrimSpace(c.City),
		"region":             strings.TrimSpace(c.Region),
		"postal_code":        strings.TrimSpace(c.PostalCode),
		"country":            strings.TrimSpace(c.Country),
		"notes":              strings.TrimSpace(c.Notes),
		"credit_limit":       canonicalAmount(c.CreditLimit),
		"payment_terms_days": strconv.Itoa(c.PaymentTermsDays),
	}
}

func ContactCanonicalFromSupplier(s models.Supplier) Canonical {
	return Canonical{
		"name":               strings.TrimSpace(s.Name),
		"email":              strings.TrimSpace(s.Email),
		"phone":              utils.NormalizePhoneNumber(s.Phone, utils.CountryCode),
		"mobile":             utils.NormalizePhoneNumber(s.Mobile, utils.CountryCode),
		"tax_number":         strings.TrimSpace(s.TaxNumber),
		"address_line1":      strings.TrimSpace(s.AddressLine1),
		"address_line2":      strings.TrimSpace(s.AddressLine2),
		"city":               strings.TrimSpace(s.City),
		"region":             strings.TrimSpace(s.Region),
		"postal_code":        strings.TrimSpace(s.PostalCode),
		"country":            strings.TrimSpace(s.Country),
		"notes":              strings.TrimSpace(s.Notes),
		"credit_limit":       canonicalAmount(s.CreditLimit),
		"payment_terms_days": strconv.Itoa(s.PaymentTermsDays),
	}
}

/* Invoice extraction */

func lineItemSummary(items []XeroLineItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprintf("%s|%s|%s|%s",
			strings.TrimSpace(item.Description),
			canonicalAmount(decimalFromNumber(item.Quantity)),
			canonicalAmount(decimalFromNumber(item.UnitAmount)),
			canonicalAmount(decimalFromNumber(item.LineAmount)),
		))
	}
	return strings.Join(parts, ";")
}

func localLineItemSummary(details []*models.InvoiceDetail) string {
	parts := make([]string, 0, len(details))
	for _, d := range details {
		parts = append(parts, fmt.Sprintf("%s|%s|%s|%s",
			strings.TrimSpace(d.Description),
			canonicalAmount(d.Quantity),
			canonicalAmount(d.UnitAmount),
			canonicalAmount(d.LineAmount),
		))
	}
	return strings.Join(parts, ";")
}

func InvoiceCanonicalFromRemote(inv XeroInvoice) Canonical {
	return Canonical{
		"invoice_number": strings.TrimSpace(inv.InvoiceNumber),
		"reference":      strings.TrimSpace(inv.Reference),
		"type":           strings.TrimSpace(inv.Type),
		"contact_id":     strings.TrimSpace(inv.Contact.ContactID),
		"date":           canonicalDate(inv.Date),
		"due_date":       canonicalDate(inv.DueDate),
		"currency":       strings.TrimSpace(inv.CurrencyCode),
		"sub_total":      canonicalAmount(decimalFromNumber(inv.SubTotal)),
		"tax_total":      canonicalAmount(decimalFromNumber(inv.TotalTax)),
		"total":          canonicalAmount(decimalFromNumber(inv.Total)),
		"status":         strings.TrimSpace(inv.Status),
		"line_items":     lineItemSummary(inv.LineItems),
	}
}

func InvoiceCanonicalFromLocal(inv models.Invoice, xeroContactId string) Canonical {
	invType := "ACCREC"
	if inv.ContactType == models.ContactTypeSupplier {
		invType = "ACCPAY"
	}
	dueDate := ""
	if inv.DueDate != nil {
		dueDate = inv.DueDate.UTC().Format("2006-01-02")
	}
	return Canonical{
		"invoice_number": strings.TrimSpace(inv.InvoiceNumber),
		"reference":      strings.TrimSpace(inv.Reference),
		"type":           invType,
		"contact_id":     strings.TrimSpace(xeroContactId),
		"date":           inv.InvoiceDate.UTC().Format("2006-01-02"),
		"due_date":       dueDate,
		"currency":       strings.TrimSpace(inv.CurrencyCode),
		"sub_total":      canonicalAmount(inv.SubTotal),
		"tax_total":      canonicalAmount(inv.TaxTotal),
		"total":          canonicalAmount(inv.Total),
		"status":         remoteInvoiceStatus(inv.Status),
		"line_items":     localLineItemSummary(inv.Details),
	}
}

// remoteInvoiceStatus maps the local invoice status onto the remote vocabulary
// so the two canonicals compare like for like.
func remoteInvoiceStatus(status models.InvoiceStatus) string {
	switch status {
	case models.InvoiceStatusVoid:
		return "VOIDED"
	case models.InvoiceStatusDraft:
		return "AUTHORISED"
	case models.InvoiceStatusPartial, models.InvoiceStatusPaid:
		return "AUTHORISED"
	default:
		return "AUTHORISED"
	}
}

/* Payment extraction */

func PaymentCanonicalFromRemote(p XeroPayment) Canonical {
	return Canonical{
		"invoice_id": strings.TrimSpace(p.Invoice.InvoiceID),
		"date":       canonicalDate(p.Date),
		"amount":     canonicalAmount(decimalFromNumber(p.Amount)),
		"reference":  strings.TrimSpace(p.Reference),
		"status":     strings.TrimSpace(p.Status),
	}
}

func PaymentCanonicalFromLocal(p models.Payment, xeroInvoiceId string) Canonical {
	status := "AUTHORISED"
	if p.Status == models.PaymentStatusVoided {
		status = "DELETED"
	}
	return Canonical{
		"invoice_id": strings.TrimSpace(xeroInvoiceId),
		"date":       p.PaymentDate.UTC().Format("2006-01-02"),
		"amount":     canonicalAmount(p.Amount),
		"reference":  strings.TrimSpace(p.Reference),
		"status":     status,
	}
}
