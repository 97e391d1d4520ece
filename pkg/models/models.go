package models

import (
	"strings"
	"time"
)

// WorkUnit is one (state, district) pair to be scraped. An empty District
// marks a state-level pass.
type WorkUnit struct {
	State    string `json:"state"`
	District string `json:"district,omitempty"`
}

// StateUnit returns the state-level unit for state
func StateUnit(state string) WorkUnit {
	return WorkUnit{State: state}
}

// IsStateLevel reports whether the unit covers a whole state
func (u WorkUnit) IsStateLevel() bool {
	return u.District == ""
}

// Key is the identity used by the checkpoint store
func (u WorkUnit) Key() string {
	district := u.District
	if district == "" {
		district = "*"
	}
	return strings.ToUpper(u.State) + "|" + strings.ToUpper(district)
}

func (u WorkUnit) String() string {
	if u.IsStateLevel() {
		return u.State
	}
	return u.State + " / " + u.District
}

// Record field names, in CSV column order
const (
	FieldState             = "state"
	FieldDistrict          = "district"
	FieldUDISECode         = "udise_code"
	FieldSchoolName        = "school_name"
	FieldOperationalStatus = "operational_status"
	FieldEduDistrict       = "edu_district"
	FieldEduBlock          = "edu_block"
	FieldAcademicYear      = "academic_year"
	FieldSchoolCategory    = "school_category"
	FieldSchoolManagement  = "school_management"
	FieldClassRange        = "class_range"
	FieldSchoolType        = "school_type"
	FieldSchoolLocation    = "school_location"
	FieldAddress           = "address"
	FieldPinCode           = "pin_code"
	FieldLastModified      = "last_modified"
	FieldKnowMoreLink      = "know_more_link"
)

// Columns is the fixed CSV header
var Columns = []string{
	FieldState,
	FieldDistrict,
	FieldUDISECode,
	FieldSchoolName,
	FieldOperationalStatus,
	FieldEduDistrict,
	FieldEduBlock,
	FieldAcademicYear,
	FieldSchoolCategory,
	FieldSchoolManagement,
	FieldClassRange,
	FieldSchoolType,
	FieldSchoolLocation,
	FieldAddress,
	FieldPinCode,
	FieldLastModified,
	FieldKnowMoreLink,
}

// Unknown is the single sentinel for empty or placeholder values
const Unknown = "unknown"

// Detail page field names
const (
	FieldDetailSchoolName = "detail_school_name"
	FieldLocation         = "location"
	FieldEstablished      = "year_of_establishment"
	FieldBoardSecondary   = "affiliation_board_sec"
	FieldBoardHigherSec   = "affiliation_board_hsec"
	FieldTotalStudents    = "total_students"
	FieldTotalBoys        = "total_boys"
	FieldTotalGirls       = "total_girls"
	FieldTotalTeachers    = "total_teachers"
	FieldMaleTeachers     = "male_teachers"
	FieldFemaleTeachers   = "female_teachers"
	FieldExtractionStatus = "extraction_status"
	FieldExtractedAt      = "extracted_at"
)

// DetailColumns is the header of the school detail artifact. The leading
// columns identify the school as listed in the search results.
var DetailColumns = []string{
	FieldState,
	FieldDistrict,
	FieldUDISECode,
	FieldSchoolName,
	FieldKnowMoreLink,
	FieldDetailSchoolName,
	FieldAcademicYear,
	FieldLocation,
	FieldSchoolCategory,
	FieldSchoolType,
	FieldClassRange,
	FieldEstablished,
	FieldBoardSecondary,
	FieldBoardHigherSec,
	FieldTotalStudents,
	FieldTotalBoys,
	FieldTotalGirls,
	FieldTotalTeachers,
	FieldMaleTeachers,
	FieldFemaleTeachers,
	FieldExtractionStatus,
	FieldExtractedAt,
}

// SchoolRecord maps field names to normalised string values
type SchoolRecord map[string]string

// UDISECode returns the record's UDISE code, or "" when it is unknown
func (r SchoolRecord) UDISECode() string {
	code := r[FieldUDISECode]
	if code == Unknown {
		return ""
	}
	return code
}

// DetailLink returns the record's detail page URL, or "" when the school
// has none
func (r SchoolRecord) DetailLink() string {
	link := r[FieldKnowMoreLink]
	if link == Unknown || strings.EqualFold(link, "N/A") {
		return ""
	}
	return strings.TrimSpace(link)
}

// Values returns the record's values in the given column order
func (r SchoolRecord) Values(columns []string) []string {
	out := make([]string, len(columns))
	for i, col := range columns {
		v, ok := r[col]
		if !ok || v == "" {
			v = Unknown
		}
		out[i] = v
	}
	return out
}

// RawRow is one result entry as read from the portal
type RawRow struct {
	HTML  string
	Text  string
	Page  int
	Index int
}

// DetailPage is a school detail page as the browser rendered it
type DetailPage struct {
	URL   string
	HTML  string
	Title string
}

// DetailStatus grades a detail extraction by how many headcounts it found
type DetailStatus string

const (
	DetailSuccess DetailStatus = "success"
	DetailPartial DetailStatus = "partial"
	DetailFailed  DetailStatus = "failed"
)

// AttemptStatus is the outcome of processing one unit
type AttemptStatus string

const (
	StatusSuccess        AttemptStatus = "success"
	StatusFailure        AttemptStatus = "failure"
	StatusPartialFailure AttemptStatus = "partial_failure"
)

// AttemptResult is produced once per unit-processing attempt and never mutated
type AttemptResult struct {
	Unit       WorkUnit
	Status     AttemptStatus
	Records    []SchoolRecord
	Written    int
	Skipped    int
	Attempts   int
	ErrorKind  string
	Err        error
	Duration   time.Duration
	WorkerID   int
	Checkpoint bool
}

// CheckpointEntry marks a unit as fully extracted and flushed
type CheckpointEntry struct {
	Unit        WorkUnit  `json:"unit"`
	CompletedAt time.Time `json:"completed_at"`
	RecordCount int       `json:"record_count"`
}

// ProgressEvent is emitted after every processed unit
type ProgressEvent struct {
	RunID               string        `json:"run_id"`
	Unit                WorkUnit      `json:"unit"`
	Status              AttemptStatus `json:"status"`
	Records             int           `json:"records"`
	RecordsWrittenSoFar int           `json:"records_written_so_far"`
	ProcessedUnits      int           `json:"processed_units"`
	FailedUnits         int           `json:"failed_units"`
	ErrorKind           string        `json:"error_kind,omitempty"`
	Error               string        `json:"error,omitempty"`
	Timestamp           time.Time     `json:"timestamp"`
}

// JobState is the orchestrator's lifecycle state
type JobState string

const (
	JobIdle      JobState = "idle"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobCancelled JobState = "cancelled"
	JobAborted   JobState = "aborted"
)

// IsTerminal reports whether the job has finished
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobAborted
}

// JobStatus is the snapshot returned by the job control surface
type JobStatus struct {
	RunID          string    `json:"run_id,omitempty"`
	State          JobState  `json:"state"`
	CurrentUnit    string    `json:"current_unit,omitempty"`
	ProcessedUnits int       `json:"processed_units"`
	FailedUnits    int       `json:"failed_units"`
	SkippedUnits   int       `json:"skipped_units"`
	RecordsWritten int       `json:"records_written"`
	StartedAt      time.Time `json:"started_at,omitempty"`
}

// FailedUnit records why a unit did not complete
type FailedUnit struct {
	Unit      WorkUnit      `json:"unit"`
	Status    AttemptStatus `json:"status"`
	ErrorKind string        `json:"error_kind"`
	Reason    string        `json:"reason"`
	Attempts  int           `json:"attempts"`
}

// Summary is returned when a job run ends
type Summary struct {
	RunID          string       `json:"run_id"`
	State          JobState     `json:"state"`
	Selection      []string     `json:"selection"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`
	ProcessedUnits int          `json:"processed_units"`
	SucceededUnits int          `json:"succeeded_units"`
	SkippedUnits   int          `json:"skipped_units"`
	RecordsWritten int          `json:"records_written"`
	MalformedRows  int          `json:"malformed_rows"`
	Failed         []FailedUnit `json:"failed"`
	DetailsWritten int          `json:"details_written"`
	DetailsFailed  int          `json:"details_failed"`
	FatalError     string       `json:"fatal_error,omitempty"`
	Manifest       string       `json:"manifest,omitempty"`
}

// FailedStates returns the distinct states with at least one failed unit,
// in first-failure order. Useful to re-run only the failed subset.
func (s *Summary) FailedStates() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range s.Failed {
		if !seen[f.Unit.State] {
			seen[f.Unit.State] = true
			out = append(out, f.Unit.State)
		}
	}
	return out
}
