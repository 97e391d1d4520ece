package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"schoolscraper/pkg/config"
	errs "schoolscraper/pkg/errors"
	"schoolscraper/pkg/logger"
	"schoolscraper/pkg/models"
)

// fakeSheetsAPI serves the handful of endpoints the client uses
type fakeSheetsAPI struct {
	mu        sync.Mutex
	titles    []string
	headers   map[string]bool
	added     []string
	appends   map[string][][]interface{}
	forbidden bool
	// dataAppends counts appends of record rows; once it reaches
	// quotaAfter (when set) every further append is refused
	dataAppends int
	quotaAfter  int
}

func (f *fakeSheetsAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if f.forbidden {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":{"code":403,"message":"The caller does not have permission","errors":[{"reason":"forbidden"}]}}`)
		return
	}

	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, ":batchUpdate"):
		var req struct {
			Requests []struct {
				AddSheet struct {
					Properties struct {
						Title string `json:"title"`
					} `json:"properties"`
				} `json:"addSheet"`
			} `json:"requests"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		for _, rq := range req.Requests {
			f.added = append(f.added, rq.AddSheet.Properties.Title)
			f.titles = append(f.titles, rq.AddSheet.Properties.Title)
		}
		io.WriteString(w, `{}`)

	case strings.HasSuffix(path, ":append"):
		title := worksheetFromPath(path)
		var body struct {
			Values [][]interface{} `json:"values"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		isHeader := len(body.Values) > 0 && body.Values[0][0] == models.FieldState
		if !isHeader {
			if f.quotaAfter > 0 && f.dataAppends >= f.quotaAfter {
				w.WriteHeader(http.StatusTooManyRequests)
				io.WriteString(w, `{"error":{"code":429,"message":"Quota exceeded","errors":[{"reason":"rateLimitExceeded"}]}}`)
				return
			}
			f.dataAppends++
		}
		f.appends[title] = append(f.appends[title], body.Values...)
		if len(body.Values) > 0 && body.Values[0][0] == models.FieldState {
			f.headers[title] = true
		}
		io.WriteString(w, `{}`)

	case strings.Contains(path, "/values/"):
		title := worksheetFromPath(path)
		if f.headers[title] {
			io.WriteString(w, `{"values":[["state"]]}`)
			return
		}
		io.WriteString(w, `{}`)

	default:
		var sheets []map[string]interface{}
		for _, t := range f.titles {
			sheets = append(sheets, map[string]interface{}{"properties": map[string]string{"title": t}})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"sheets": sheets})
	}
}

func worksheetFromPath(path string) string {
	rest := path[strings.Index(path, "/values/")+len("/values/"):]
	return rest[:strings.Index(rest, "!")]
}

func newTestClient(t *testing.T, api *fakeSheetsAPI, perState bool) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c, err := NewWithOptions(context.Background(),
		config.SheetsConfig{SpreadsheetID: "sheet-1", WorksheetPerState: perState},
		logger.NewNopLogger(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return c
}

func record(state, code string) models.SchoolRecord {
	return models.SchoolRecord{models.FieldState: state, models.FieldUDISECode: code, models.FieldSchoolName: "S" + code}
}

func TestAppendCreatesWorksheetsAndHeaders(t *testing.T) {
	api := &fakeSheetsAPI{
		titles:  []string{"Sheet1", "GOA"},
		headers: map[string]bool{"GOA": true},
		appends: map[string][][]interface{}{},
	}
	c := newTestClient(t, api, true)

	n, err := c.Append(context.Background(), []models.SchoolRecord{
		record("GOA", "1"),
		record("ANDAMAN & NICOBAR ISLANDS", "2"),
		record("GOA", "3"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, []string{"ANDAMAN_AND_NICOBAR_ISLANDS"}, api.added)
	require.Len(t, api.appends["GOA"], 2, "existing header is not repeated")
	assert.Equal(t, "1", api.appends["GOA"][0][2])

	andaman := api.appends["ANDAMAN_AND_NICOBAR_ISLANDS"]
	require.Len(t, andaman, 2)
	assert.Equal(t, models.FieldState, andaman[0][0])
	assert.Len(t, andaman[1], len(models.Columns))

	// a second sync reuses the cached worksheet list and header state
	_, err = c.Append(context.Background(), []models.SchoolRecord{record("GOA", "4")})
	require.NoError(t, err)
	assert.Len(t, api.appends["GOA"], 3)
	assert.Len(t, api.added, 1)
}

func TestAppendCombinedWorksheet(t *testing.T) {
	api := &fakeSheetsAPI{headers: map[string]bool{}, appends: map[string][][]interface{}{}}
	c := newTestClient(t, api, false)

	_, err := c.Append(context.Background(), []models.SchoolRecord{record("GOA", "1"), record("KERALA", "2")})
	require.NoError(t, err)

	assert.Equal(t, []string{CombinedWorksheet}, api.added)
	assert.Len(t, api.appends[CombinedWorksheet], 3)
}

func TestAppendReportsAppliedPrefixOnQuota(t *testing.T) {
	api := &fakeSheetsAPI{
		titles:     []string{"GOA"},
		headers:    map[string]bool{"GOA": true},
		appends:    map[string][][]interface{}{},
		quotaAfter: 1,
	}
	c := newTestClient(t, api, true)
	c.batchSize = 2

	records := []models.SchoolRecord{
		record("GOA", "1"), record("GOA", "2"), record("GOA", "3"),
		record("GOA", "4"), record("GOA", "5"),
	}
	n, err := c.Append(context.Background(), records)
	assert.True(t, errs.Is(err, errs.KindQuota), "got %v", err)
	assert.Equal(t, 2, n, "only the first batch was applied")
	require.Len(t, api.appends["GOA"], 2)

	api.mu.Lock()
	api.quotaAfter = 0
	api.mu.Unlock()

	n, err = c.Append(context.Background(), records[n:])
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var codes []interface{}
	for _, row := range api.appends["GOA"] {
		codes = append(codes, row[2])
	}
	assert.Equal(t, []interface{}{"1", "2", "3", "4", "5"}, codes, "no row is sent twice")
}

func TestAppendForbiddenIsCredentialError(t *testing.T) {
	api := &fakeSheetsAPI{forbidden: true, headers: map[string]bool{}, appends: map[string][][]interface{}{}}
	c := newTestClient(t, api, true)

	n, err := c.Append(context.Background(), []models.SchoolRecord{record("GOA", "1")})
	assert.True(t, errs.Is(err, errs.KindCredential))
	assert.Zero(t, n)
	assert.False(t, errs.IsFatal(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"too many requests", &googleapi.Error{Code: 429}, errs.KindQuota},
		{"quota reason", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, errs.KindQuota},
		{"unauthorized", &googleapi.Error{Code: 401}, errs.KindCredential},
		{"forbidden", &googleapi.Error{Code: 403, Message: "permission denied"}, errs.KindCredential},
		{"server", &googleapi.Error{Code: 503}, errs.KindNetwork},
		{"deadline", context.DeadlineExceeded, errs.KindTimeout},
		{"other", errors.New("connection reset"), errs.KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errs.KindOf(classify("op", tt.err)))
		})
	}
}

func TestWorksheetTitle(t *testing.T) {
	assert.Equal(t, "ANDAMAN_AND_NICOBAR_ISLANDS", WorksheetTitle("ANDAMAN & NICOBAR ISLANDS"))
	assert.Equal(t, "TAMIL_NADU", WorksheetTitle(" Tamil Nadu "))
}

func TestResolveCredentials(t *testing.T) {
	creds := `{"type":"service_account","project_id":"demo"}`

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sa.json")
		require.NoError(t, os.WriteFile(path, []byte(creds), 0600))
		got, err := ResolveCredentials(config.SheetsConfig{CredentialsFile: path})
		require.NoError(t, err)
		assert.JSONEq(t, creds, string(got))
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv("TEST_SHEETS_CREDS", creds)
		got, err := ResolveCredentials(config.SheetsConfig{CredentialsEnv: "TEST_SHEETS_CREDS"})
		require.NoError(t, err)
		assert.JSONEq(t, creds, string(got))
	})

	t.Run("keyring", func(t *testing.T) {
		keyring.MockInit()
		require.NoError(t, keyring.Set(KeyringService, "ops", creds))
		got, err := ResolveCredentials(config.SheetsConfig{CredentialsEnv: "UNSET_SHEETS_VAR", KeyringUser: "ops"})
		require.NoError(t, err)
		assert.JSONEq(t, creds, string(got))
	})

	t.Run("missing", func(t *testing.T) {
		keyring.MockInit()
		_, err := ResolveCredentials(config.SheetsConfig{KeyringUser: "nobody"})
		assert.True(t, errs.Is(err, errs.KindCredential))
	})

	t.Run("invalid json", func(t *testing.T) {
		t.Setenv("TEST_SHEETS_CREDS", "not-json")
		_, err := ResolveCredentials(config.SheetsConfig{CredentialsEnv: "TEST_SHEETS_CREDS"})
		assert.True(t, errs.Is(err, errs.KindCredential))
	})
}

func TestWorksheets(t *testing.T) {
	api := &fakeSheetsAPI{
		titles:  []string{"KERALA", "GOA"},
		headers: map[string]bool{},
		appends: map[string][][]interface{}{},
	}
	c := newTestClient(t, api, true)

	titles, err := c.Worksheets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"GOA", "KERALA"}, titles)
}
