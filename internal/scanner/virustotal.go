// Package scanner integrates the VirusTotal API v3 as the malware
// scanning provider.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/upload/types"
)

const defaultBaseURL = "https://www.virustotal.com/api/v3"

// suspicious verdicts from a handful of engines are noise; more than
// this many is treated as a real signal
const suspiciousEngineThreshold = 3

// VirusTotalScanner implements biz.FileScanner against VirusTotal.
type VirusTotalScanner struct {
	apiKey  string
	baseURL string
	client  *http.Client
	cfg     conf.ScanningConfig
	log     *logger.Logger
}

func NewVirusTotalScanner(cfg conf.ScanningConfig, log *logger.Logger) *VirusTotalScanner {
	timeout := cfg.VirusTotalTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &VirusTotalScanner{
		apiKey:  cfg.VirusTotalAPIKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: timeout},
		cfg:     cfg,
		log:     log,
	}
}

// ScanSummary is the provider report stored in scan_details.
type ScanSummary struct {
	Status          string `json:"status"`
	MaliciousCount  int64  `json:"malicious_count"`
	SuspiciousCount int64  `json:"suspicious_count"`
	UndetectedCount int64  `json:"undetected_count"`
	HarmlessCount   int64  `json:"harmless_count"`
	TotalEngines    int64  `json:"total_engines"`
	ScanDate        string `json:"scan_date,omitempty"`
	FileHash        string `json:"file_hash,omitempty"`
	Link            string `json:"virustotal_link,omitempty"`
	AnalysisID      string `json:"analysis_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

// ScanFile runs the full provider workflow: hash lookup first, then
// upload and poll when the hash is unknown.
func (s *VirusTotalScanner) ScanFile(ctx context.Context, path string, hash string) (types.ScanResult, string, error) {
	if s.apiKey == "" {
		return types.ScanResultError, "", fmt.Errorf("virustotal api key not configured")
	}

	log := s.log.With(zap.String("file_hash", hash))

	if s.cfg.AutoSkipKnownHashes && hash != "" {
		report, found, err := s.lookupHash(ctx, hash)
		if err != nil {
			log.Warn("virustotal hash lookup failed", zap.Error(err))
		} else if found {
			log.Info("hash known to virustotal, using existing report")
			return s.parseReport(report, hash)
		}
	}

	analysisID, err := s.uploadFile(ctx, path)
	if err != nil {
		return types.ScanResultError, "", fmt.Errorf("virustotal upload failed: %w", err)
	}
	log.Info("file uploaded to virustotal", zap.String("analysis_id", analysisID))

	report, completed, err := s.pollAnalysis(ctx, analysisID)
	if err != nil {
		return types.ScanResultError, "", err
	}
	if !completed {
		summary, _ := json.Marshal(ScanSummary{Status: string(types.ScanResultPending), AnalysisID: analysisID})
		log.Warn("virustotal analysis still pending after polling budget",
			zap.String("analysis_id", analysisID))
		return types.ScanResultPending, string(summary), nil
	}

	return s.parseReport(report, hash)
}

// lookupHash asks VirusTotal whether the hash is already known.
func (s *VirusTotalScanner) lookupHash(ctx context.Context, hash string) (string, bool, error) {
	body, status, err := s.get(ctx, s.baseURL+"/files/"+hash)
	if err != nil {
		return "", false, err
	}
	switch status {
	case http.StatusOK:
		return body, true, nil
	case http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("unexpected status %d from hash lookup", status)
	}
}

// uploadFile submits the file and returns the analysis id.
func (s *VirusTotalScanner) uploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/files", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("x-apikey", s.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload rejected with status %d", resp.StatusCode)
	}

	analysisID := gjson.GetBytes(body, "data.id").String()
	if analysisID == "" {
		return "", fmt.Errorf("upload response missing analysis id")
	}
	return analysisID, nil
}

// pollAnalysis waits for the analysis to complete within the retry
// budget. Returns completed=false when the budget runs out.
func (s *VirusTotalScanner) pollAnalysis(ctx context.Context, analysisID string) (string, bool, error) {
	interval := s.cfg.PollingInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	maxRetries := s.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 20
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		body, status, err := s.get(ctx, s.baseURL+"/analyses/"+analysisID)
		if err != nil {
			return "", false, err
		}
		if status == http.StatusOK {
			if gjson.Get(body, "data.attributes.status").String() == "completed" {
				return body, true, nil
			}
		} else {
			s.log.Warn("virustotal analysis fetch failed",
				zap.String("analysis_id", analysisID),
				zap.Int("status_code", status))
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(interval):
		}
	}
	return "", false, nil
}

// parseReport reduces a provider report to a verdict and summary. File
// reports carry last_analysis_stats, analysis reports carry stats.
func (s *VirusTotalScanner) parseReport(body string, hash string) (types.ScanResult, string, error) {
	stats := gjson.Get(body, "data.attributes.stats")
	if !stats.Exists() {
		stats = gjson.Get(body, "data.attributes.last_analysis_stats")
	}
	if !stats.Exists() {
		return types.ScanResultError, "", fmt.Errorf("provider report missing analysis stats")
	}

	summary := ScanSummary{
		MaliciousCount:  stats.Get("malicious").Int(),
		SuspiciousCount: stats.Get("suspicious").Int(),
		UndetectedCount: stats.Get("undetected").Int(),
		HarmlessCount:   stats.Get("harmless").Int(),
		FileHash:        hash,
	}
	stats.ForEach(func(_, value gjson.Result) bool {
		summary.TotalEngines += value.Int()
		return true
	})

	var verdict types.ScanResult
	switch {
	case summary.MaliciousCount > 0:
		verdict = types.ScanResultMalicious
	case summary.SuspiciousCount > suspiciousEngineThreshold:
		verdict = types.ScanResultSuspicious
	case summary.UndetectedCount == summary.TotalEngines:
		verdict = types.ScanResultUndetected
	default:
		verdict = types.ScanResultClean
	}
	summary.Status = string(verdict)

	if ts := gjson.Get(body, "data.attributes.date").Int(); ts > 0 {
		summary.ScanDate = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	if fileHash := gjson.Get(body, "meta.file_info.sha256").String(); fileHash != "" {
		summary.FileHash = fileHash
	}
	if summary.FileHash != "" {
		summary.Link = "https://www.virustotal.com/gui/file/" + summary.FileHash
	}

	details, err := json.Marshal(summary)
	if err != nil {
		return verdict, "", nil
	}
	return verdict, string(details), nil
}

func (s *VirusTotalScanner) get(ctx context.Context, url string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("x-apikey", s.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}
