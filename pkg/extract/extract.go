// Package extract parses portal result rows into normalised school records.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"

	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/models"
)

// KnowMoreBase resolves relative school detail links
const KnowMoreBase = "https://kys.udiseplus.gov.in/"

// labelled fields rendered as "<span>Label</span><span>value</span>" pairs,
// with a text pattern used when the markup does not match
var labelledFields = []struct {
	field   string
	label   string
	pattern *regexp.Regexp
}{
	{models.FieldEduDistrict, "Edu. District", regexp.MustCompile(`(?i)Edu\.\s*District[:\t ]*([^\n]+)`)},
	{models.FieldEduBlock, "Edu. Block", regexp.MustCompile(`(?i)Edu\.\s*Block[:\t ]*([^\n]+)`)},
	{models.FieldAcademicYear, "Academic Year", regexp.MustCompile(`(?i)Academic\s*Year[:\t ]*([^\n]+)`)},
	{models.FieldSchoolCategory, "School Category", regexp.MustCompile(`(?i)School\s*Category[:\t ]*([^\n]+)`)},
	{models.FieldSchoolManagement, "School Management", regexp.MustCompile(`(?i)School\s*Management[:\t ]*([^\n]+)`)},
	{models.FieldClassRange, "Class", regexp.MustCompile(`(?i)\bClass\b[:\t ]*([^\n]+)`)},
	{models.FieldSchoolType, "School Type", regexp.MustCompile(`(?i)School\s*Type[:\t ]*([^\n]+)`)},
	{models.FieldSchoolLocation, "School Location", regexp.MustCompile(`(?i)School\s*Location[:\t ]*([^\n]+)`)},
	{models.FieldAddress, "Address", regexp.MustCompile(`(?i)\bAddress\b[:\t ]*([^\n]+)`)},
	{models.FieldPinCode, "PIN Code", regexp.MustCompile(`(?i)PIN\s*Code[:\t ]*([^\n]+)`)},
}

var placeholders = map[string]bool{
	"":              true,
	"n/a":           true,
	"na":            true,
	"-":             true,
	"--":            true,
	"null":          true,
	"none":          true,
	"not available": true,
	"unknown":       true,
}

var nonDigits = regexp.MustCompile(`\D+`)

// Parse turns one raw result row into a SchoolRecord. It performs no I/O and
// holds no state, so the same row always yields the same record. Rows that
// carry neither a school name nor a UDISE code fail with a malformed_row
// error.
func Parse(raw models.RawRow, unit models.WorkUnit) (models.SchoolRecord, error) {
	if strings.TrimSpace(raw.HTML) == "" && strings.TrimSpace(raw.Text) == "" {
		return nil, malformed(raw, "empty row")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw.HTML))
	if err != nil {
		return nil, errs.Wrap(errs.KindMalformedRow, rowOp(raw), err)
	}

	rec := models.SchoolRecord{
		models.FieldState:    Normalize(unit.State),
		models.FieldDistrict: Normalize(unit.District),
	}

	rec[models.FieldUDISECode] = Digits(doc.Find(".udiseCode").First().Text())
	rec[models.FieldOperationalStatus] = Normalize(doc.Find(".OperationalStatus").First().Text())
	rec[models.FieldSchoolName] = Normalize(schoolName(doc))
	rec[models.FieldLastModified] = Normalize(doc.Find(".lastModifiedTime").Last().Text())
	rec[models.FieldKnowMoreLink] = knowMoreLink(doc)

	text := norm.NFKC.String(raw.Text)
	for _, lf := range labelledFields {
		value := labelValue(doc, lf.label)
		if value == "" && text != "" {
			if m := lf.pattern.FindStringSubmatch(text); m != nil {
				value = m[1]
			}
		}
		rec[lf.field] = Normalize(value)
	}
	rec[models.FieldPinCode] = Digits(rec[models.FieldPinCode])

	if rec[models.FieldSchoolName] == models.Unknown && rec[models.FieldUDISECode] == models.Unknown {
		return nil, malformed(raw, "row has neither a school name nor a UDISE code")
	}
	return rec, nil
}

// ParseAll parses rows in order, skipping malformed ones. The returned
// errors describe each skipped row.
func ParseAll(rows []models.RawRow, unit models.WorkUnit) ([]models.SchoolRecord, []error) {
	records := make([]models.SchoolRecord, 0, len(rows))
	var skipped []error
	for _, row := range rows {
		rec, err := Parse(row, unit)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		records = append(records, rec)
	}
	return records, skipped
}

func schoolName(doc *goquery.Document) string {
	if name := doc.Find("h4.custom-word-break").First().Text(); strings.TrimSpace(name) != "" {
		return name
	}
	if name := doc.Find("h4").First().Text(); strings.TrimSpace(name) != "" {
		return name
	}
	return doc.Find(".schoolNameCSS").First().Text()
}

// labelValue finds the span whose text is label and returns the text of the
// span that follows it
func labelValue(doc *goquery.Document, label string) string {
	want := strings.ToLower(label)
	var value string
	doc.Find("span").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		got := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s.Text()), ":")))
		if got != want {
			return true
		}
		value = s.NextFiltered("span").Text()
		return false
	})
	return value
}

func knowMoreLink(doc *goquery.Document) string {
	href, ok := doc.Find(".blueBtn").First().Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return models.Unknown
	}
	return ResolveLink(href)
}

// ResolveLink turns the portal's hash-routed links into absolute URLs
func ResolveLink(href string) string {
	if strings.HasPrefix(href, "#/") {
		return KnowMoreBase + href
	}
	base, _ := url.Parse(KnowMoreBase)
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// Normalize applies Unicode NFKC, trims, collapses internal whitespace,
// drops a leading label colon and maps placeholder values to
// models.Unknown.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimSpace(strings.TrimPrefix(s, ":"))
	if placeholders[strings.ToLower(s)] {
		return models.Unknown
	}
	return s
}

// Digits coerces a numeric-looking code to its digits, or models.Unknown
// when no digits remain.
func Digits(s string) string {
	s = Normalize(s)
	if s == models.Unknown {
		return s
	}
	d := nonDigits.ReplaceAllString(s, "")
	if d == "" {
		return models.Unknown
	}
	return d
}

func rowOp(raw models.RawRow) string {
	return fmt.Sprintf("parse row %d/%d", raw.Page, raw.Index)
}

func malformed(raw models.RawRow, msg string) error {
	return errs.New(errs.KindMalformedRow, rowOp(raw), msg)
}
