package portal

// Markup the driver relies on. These track the live portal and are the first
// thing to check when a run starts failing with element_not_found.
const (
	visitPortalSelector   = "a:has-text('Visit Portal'), button:has-text('Visit Portal')"
	advanceSearchSelector = "#advanceSearch"
	formSelectSelector    = "select.form-select.select"
	searchButtonSelector  = "button.purpleBtn, button:has-text('Search')"
	resultRowSelector     = ".accordion-body"
	nextButtonSelector    = "a.nextBtn"
	pageSizeSelector      = "select.form-select.w11110"
	detailReadySelector   = ".schoolInfoCol, .H3Value"
)

// Positions of the search form's selects among formSelectSelector matches
const (
	stateSelect    = 0
	districtSelect = 1
)

// texts the portal renders in place of results
var noResultsTexts = []string{
	"No records found",
	"No data available",
	"No Record Found",
}
