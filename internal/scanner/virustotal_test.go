package scanner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/upload/types"
)

func testScanner(t *testing.T, handler http.Handler) *VirusTotalScanner {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log, err := logger.New(&logger.Config{Level: "error", Format: "console", Output: "console"})
	require.NoError(t, err)

	s := NewVirusTotalScanner(conf.ScanningConfig{
		VirusTotalAPIKey:    "test-key",
		AutoSkipKnownHashes: true,
		PollingInterval:     10 * time.Millisecond,
		MaxRetries:          5,
	}, log)
	s.baseURL = srv.URL
	return s
}

func writeTestFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.epub")
	require.NoError(t, os.WriteFile(path, []byte("sample content"), 0o600))
	return path
}

func fileReport(malicious, suspicious, undetected, harmless int) string {
	return fmt.Sprintf(`{
		"data": {"attributes": {"last_analysis_stats": {
			"malicious": %d, "suspicious": %d, "undetected": %d, "harmless": %d
		}}},
		"meta": {"file_info": {"sha256": "deadbeef"}}
	}`, malicious, suspicious, undetected, harmless)
}

func TestScanFileKnownHash(t *testing.T) {
	var sawAPIKey string
	s := testScanner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/abc", r.URL.Path)
		sawAPIKey = r.Header.Get("x-apikey")
		fmt.Fprint(w, fileReport(0, 0, 10, 60))
	}))

	verdict, details, err := s.ScanFile(context.Background(), writeTestFile(t), "abc")
	require.NoError(t, err)
	assert.Equal(t, types.ScanResultClean, verdict)
	assert.Equal(t, "test-key", sawAPIKey)
	assert.Equal(t, int64(70), gjson.Get(details, "total_engines").Int())
	assert.NotEmpty(t, gjson.Get(details, "virustotal_link").String())
}

func TestScanFileVerdicts(t *testing.T) {
	tests := []struct {
		name       string
		malicious  int
		suspicious int
		undetected int
		harmless   int
		want       types.ScanResult
	}{
		{"any malicious engine is malicious", 1, 0, 10, 60, types.ScanResultMalicious},
		{"few suspicious engines are clean", 0, 3, 10, 60, types.ScanResultClean},
		{"many suspicious engines are suspicious", 0, 4, 10, 60, types.ScanResultSuspicious},
		{"nothing detected at all", 0, 0, 70, 0, types.ScanResultUndetected},
		{"harmless majority is clean", 0, 0, 10, 60, types.ScanResultClean},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testScanner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, fileReport(tt.malicious, tt.suspicious, tt.undetected, tt.harmless))
			}))

			verdict, _, err := s.ScanFile(context.Background(), writeTestFile(t), "abc")
			require.NoError(t, err)
			assert.Equal(t, tt.want, verdict)
		})
	}
}

func TestScanFileUploadAndPoll(t *testing.T) {
	var polls int
	s := testScanner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/files/unknown":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/files":
			fmt.Fprint(w, `{"data": {"id": "analysis-1"}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/analyses/analysis-1":
			polls++
			if polls < 3 {
				fmt.Fprint(w, `{"data": {"attributes": {"status": "queued"}}}`)
				return
			}
			fmt.Fprint(w, `{
				"data": {"attributes": {"status": "completed",
					"stats": {"malicious": 2, "suspicious": 0, "undetected": 5, "harmless": 63}}},
				"meta": {"file_info": {"sha256": "deadbeef"}}
			}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))

	verdict, details, err := s.ScanFile(context.Background(), writeTestFile(t), "unknown")
	require.NoError(t, err)
	assert.Equal(t, types.ScanResultMalicious, verdict)
	assert.Equal(t, 3, polls)
	assert.Equal(t, int64(2), gjson.Get(details, "malicious_count").Int())
}

func TestScanFilePollingBudgetExhausted(t *testing.T) {
	s := testScanner(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/files/unknown":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/files":
			fmt.Fprint(w, `{"data": {"id": "analysis-2"}}`)
		default:
			fmt.Fprint(w, `{"data": {"attributes": {"status": "queued"}}}`)
		}
	}))

	verdict, details, err := s.ScanFile(context.Background(), writeTestFile(t), "unknown")
	require.NoError(t, err)
	assert.Equal(t, types.ScanResultPending, verdict)
	assert.Equal(t, "analysis-2", gjson.Get(details, "analysis_id").String())
}

func TestScanFileMissingAPIKey(t *testing.T) {
	log, err := logger.New(&logger.Config{Level: "error", Format: "console", Output: "console"})
	require.NoError(t, err)
	s := NewVirusTotalScanner(conf.ScanningConfig{}, log)

	_, _, err = s.ScanFile(context.Background(), writeTestFile(t), "abc")
	require.Error(t, err)
}
