// Package detail parses school detail pages, the second extraction pass run
// over schools whose search result carries a detail link.
package detail

import (
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"schoolscraper/pkg/extract"
	"schoolscraper/pkg/models"
)

// portalTitle is the page title the portal shows before a school loads
const portalTitle = "Know Your School"

// info tiles render as
// <div class="schoolInfoCol"><div class="title"><p>Label</p></div><div class="blueCol"><span>value</span></div></div>
var infoFields = map[string]string{
	"academic year":          models.FieldAcademicYear,
	"location":               models.FieldLocation,
	"school category":        models.FieldSchoolCategory,
	"school type":            models.FieldSchoolType,
	"class":                  models.FieldClassRange,
	"year of establishment":  models.FieldEstablished,
	"affiliation board sec":  models.FieldBoardSecondary,
	"affiliation board hsec": models.FieldBoardHigherSec,
}

// affiliation boards sometimes sit outside a recognisable tile
var boardPatterns = []struct {
	field   string
	pattern *regexp.Regexp
}{
	{models.FieldBoardSecondary, regexp.MustCompile(`(?i)Affiliation Board Sec\.?\s*</p>\s*</div>\s*<div[^>]*>\s*<span[^>]*>([^<]+)</span>`)},
	{models.FieldBoardHigherSec, regexp.MustCompile(`(?i)Affiliation Board HSec\.?\s*</p>\s*</div>\s*<div[^>]*>\s*<span[^>]*>([^<]+)</span>`)},
}

var nameSkips = []string{"know your school", "udise", "dashboard"}

// Parse reads a detail page into a detail record for school. The identity
// columns are copied from school; everything the page does not show is
// models.Unknown. Parse never fails: a page without headcounts is graded
// models.DetailFailed.
func Parse(page models.DetailPage, school models.SchoolRecord, at time.Time) models.SchoolRecord {
	rec := make(models.SchoolRecord, len(models.DetailColumns))
	for _, col := range models.DetailColumns {
		rec[col] = models.Unknown
	}
	for _, col := range []string{models.FieldState, models.FieldDistrict, models.FieldUDISECode, models.FieldSchoolName} {
		if v, ok := school[col]; ok && v != "" {
			rec[col] = v
		}
	}
	rec[models.FieldKnowMoreLink] = page.URL
	rec[models.FieldExtractedAt] = at.UTC().Format(time.RFC3339)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err == nil {
		readInfoTiles(doc, rec)
		readCounts(doc, rec)
		rec[models.FieldDetailSchoolName] = schoolName(doc, page.Title)
	}
	readBoards(page.HTML, rec)

	rec[models.FieldExtractionStatus] = string(Grade(rec))
	return rec
}

// Grade reports how complete a detail record is: both student and teacher
// totals make a success, one of them a partial extraction
func Grade(rec models.SchoolRecord) models.DetailStatus {
	found := 0
	for _, col := range []string{models.FieldTotalStudents, models.FieldTotalTeachers} {
		if v := rec[col]; v != "" && v != models.Unknown {
			found++
		}
	}
	switch found {
	case 2:
		return models.DetailSuccess
	case 1:
		return models.DetailPartial
	default:
		return models.DetailFailed
	}
}

// Ready returns the records that carry a detail link, in order, plus how
// many did not
func Ready(records []models.SchoolRecord) ([]models.SchoolRecord, int) {
	var out []models.SchoolRecord
	for _, rec := range records {
		if rec.DetailLink() != "" {
			out = append(out, rec)
		}
	}
	return out, len(records) - len(out)
}

func readInfoTiles(doc *goquery.Document, rec models.SchoolRecord) {
	doc.Find(".schoolInfoCol").Each(func(_ int, col *goquery.Selection) {
		title := col.Find(".title").First()
		label := labelKey(title.Text())
		field, ok := infoFields[label]
		if !ok || rec[field] != models.Unknown {
			return
		}

		var value string
		if blue := col.Find(".blueCol"); blue.Length() > 0 {
			value = blue.First().Text()
		} else {
			value = strings.TrimPrefix(strings.TrimSpace(col.Text()), strings.TrimSpace(title.Text()))
		}
		rec[field] = extract.Normalize(value)
	})
}

// labelKey lower-cases a tile label and drops trailing punctuation, so
// "Affiliation Board Sec." and "Academic Year :" match their keys
func labelKey(s string) string {
	s = strings.ToLower(extract.Normalize(s))
	return strings.TrimRight(s, ".: ")
}

// readCounts reads the headline numbers. Each .H3Value sits next to its
// caption inside the same parent.
func readCounts(doc *goquery.Document, rec models.SchoolRecord) {
	type count struct {
		caption string
		value   string
	}
	var counts []count
	doc.Find(".H3Value").Each(func(_ int, s *goquery.Selection) {
		value := extract.Normalize(s.Text())
		if !isDigits(value) {
			return
		}
		caption := strings.ToLower(extract.Normalize(s.Parent().Text()))
		counts = append(counts, count{caption: caption, value: value})
	})

	set := func(field, value string) {
		if rec[field] == models.Unknown {
			rec[field] = value
		}
	}
	for _, c := range counts {
		switch {
		case strings.Contains(c.caption, "total students"):
			set(models.FieldTotalStudents, c.value)
		case strings.Contains(c.caption, "total teachers"):
			set(models.FieldTotalTeachers, c.value)
		}
	}
	teachersKnown := rec[models.FieldTotalTeachers] != models.Unknown
	for _, c := range counts {
		teacher := strings.Contains(c.caption, "teacher") || teachersKnown
		switch {
		case strings.Contains(c.caption, "total"):
		case strings.Contains(c.caption, "female") && teacher:
			set(models.FieldFemaleTeachers, c.value)
		case strings.Contains(c.caption, "male") && teacher:
			set(models.FieldMaleTeachers, c.value)
		case strings.Contains(c.caption, "girls"):
			set(models.FieldTotalGirls, c.value)
		case strings.Contains(c.caption, "boys"):
			set(models.FieldTotalBoys, c.value)
		}
	}
}

func readBoards(html string, rec models.SchoolRecord) {
	for _, bp := range boardPatterns {
		if rec[bp.field] != models.Unknown {
			continue
		}
		if m := bp.pattern.FindStringSubmatch(html); m != nil {
			rec[bp.field] = extract.Normalize(m[1])
		}
	}
}

// schoolName prefers the page title, then the first heading that looks like
// a school name
func schoolName(doc *goquery.Document, title string) string {
	name := extract.Normalize(strings.ReplaceAll(title, portalTitle, ""))
	if name != models.Unknown {
		return name
	}
	doc.Find("h1, h2, h3").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := extract.Normalize(s.Text())
		if len(text) <= 5 || len(text) >= 200 {
			return true
		}
		lower := strings.ToLower(text)
		for _, skip := range nameSkips {
			if strings.Contains(lower, skip) {
				return true
			}
		}
		name = text
		return false
	})
	return name
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
