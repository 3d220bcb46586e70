package biz

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/errors"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
	"github.com/bookgate/uploader-backend/internal/upload/types"
)

// scannableStatuses are the states a record may hold while a scan is
// still allowed to write its verdict. A record evicted by the disk
// guard mid-scan leaves this set, so the verdict write misses.
var scannableStatuses = []types.Status{
	types.StatusQuarantined,
	types.StatusScanning,
	types.StatusScanFailed,
}

// ScanEnqueuer hands a scan job to the background worker pool.
type ScanEnqueuer interface {
	Enqueue(ctx context.Context, uuid string) error
}

// ScanStatusInfo is the payload for the scan status endpoint.
type ScanStatusInfo struct {
	UUID       string     `json:"uuid"`
	Status     string     `json:"status"`
	ScanResult string     `json:"scan_result,omitempty"`
	ScannedAt  *time.Time `json:"scanned_at,omitempty"`
	Reused     bool       `json:"reused,omitempty"`
}

// ScanUseCase orchestrates malware scanning: trigger, history reuse,
// verdict mapping and the infected auto-delete policy.
type ScanUseCase struct {
	repo     UploadRepo
	scanner  FileScanner
	queue    ScanEnqueuer
	notifier Notifier
	cfg      conf.ScanningConfig
	log      *logger.Logger
}

func NewScanUseCase(
	repo UploadRepo,
	scanner FileScanner,
	queue ScanEnqueuer,
	notifier Notifier,
	cfg conf.ScanningConfig,
	log *logger.Logger,
) *ScanUseCase {
	return &ScanUseCase{
		repo:     repo,
		scanner:  scanner,
		queue:    queue,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
	}
}

// SetQueue wires the enqueuer after construction. The worker pool
// consumes this use case, so the two are built in sequence.
func (uc *ScanUseCase) SetQueue(queue ScanEnqueuer) {
	uc.queue = queue
}

// Trigger queues a scan for the upload. The request returns as soon as
// the job is enqueued; the worker pool does the remote polling.
func (uc *ScanUseCase) Trigger(ctx context.Context, uuid string) (*ScanStatusInfo, error) {
	if !uc.cfg.Enabled {
		return nil, errors.New(errors.ErrUploadScanFailed, "scanning is disabled in configuration")
	}

	upload, err := uc.repo.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if upload == nil {
		return nil, errors.New(errors.ErrUploadNotFound, uuid)
	}

	// Already clean: short-circuit.
	if upload.ScanResult == string(types.ScanResultClean) || upload.Status == types.StatusSafe {
		return &ScanStatusInfo{
			UUID:       upload.UUID,
			Status:     string(upload.Status),
			ScanResult: upload.ScanResult,
			ScannedAt:  upload.ScannedAt,
		}, nil
	}

	if !upload.Status.In(scannableStatuses) {
		return nil, errors.New(errors.ErrUploadInvalidState,
			"scan cannot run in status "+string(upload.Status))
	}

	if err := uc.queue.Enqueue(ctx, uuid); err != nil {
		return nil, errors.Wrap(err, errors.ErrUploadScanFailed, "failed to queue scan")
	}

	uc.log.Info("scan queued", zap.String("upload_uuid", uuid))
	return &ScanStatusInfo{UUID: uuid, Status: string(types.StatusScanning)}, nil
}

// Process runs one scan job to completion. Called by the queue worker.
func (uc *ScanUseCase) Process(ctx context.Context, uuid string) error {
	log := uc.log.With(zap.String("upload_uuid", uuid))

	upload, err := uc.repo.GetByUUID(ctx, uuid)
	if err != nil {
		return err
	}
	if upload == nil {
		log.Warn("scan job references missing upload")
		return nil
	}

	// Scan-history reuse: the newest scanned record with the same hash
	// speaks for this content too.
	if uc.cfg.AutoSkipKnownHashes && upload.ContentHash != "" {
		previous, err := uc.repo.FindLatestScanByHash(ctx, upload.ContentHash)
		if err != nil {
			return err
		}
		if previous != nil && previous.UUID != upload.UUID && previous.ScanResult != "" &&
			previous.ScanResult != string(types.ScanResultPending) {
			log.Info("reusing previous scan results for hash",
				zap.String("file_hash", upload.ContentHash),
				zap.String("previous_result", previous.ScanResult),
				zap.String("original_uuid", previous.UUID))
			return uc.applyVerdict(ctx, upload, types.ScanResult(previous.ScanResult), previous.ScanDetails, log)
		}
	}

	ok, err := uc.repo.UpdateStatusIf(ctx, uuid, scannableStatuses,
		StatusUpdate{Status: types.StatusScanning})
	if err != nil {
		return err
	}
	if !ok {
		log.Info("upload no longer scannable, skipping")
		return nil
	}

	verdict, details, err := uc.scanner.ScanFile(ctx, upload.QuarantinePath, upload.ContentHash)
	if err != nil {
		log.Error("scan failed", zap.Error(err))
		verdict = types.ScanResultError
		if details == "" {
			details = err.Error()
		}
	}

	return uc.applyVerdict(ctx, upload, verdict, details, log)
}

// applyVerdict persists the scan outcome and enforces auto-delete. The
// write is guarded on the scannable set: remote polling can take
// minutes, and a record the disk guard evicted in the meantime must not
// be resurrected by a late verdict.
func (uc *ScanUseCase) applyVerdict(ctx context.Context, upload *Upload, verdict types.ScanResult, details string, log *logger.Logger) error {
	now := time.Now().UTC()
	status := types.StatusForScanResult(verdict)

	if verdict == types.ScanResultMalicious && uc.cfg.AutoDeleteInfected {
		log.Warn("auto-deleting infected file")
		if err := os.Remove(upload.QuarantinePath); err != nil {
			log.Error("failed to delete infected file", zap.Error(err))
		} else {
			status = types.StatusDeleted
		}
	}

	result := string(verdict)
	ok, err := uc.repo.UpdateStatusIf(ctx, upload.UUID, scannableStatuses, StatusUpdate{
		Status:      status,
		ScanResult:  &result,
		ScanDetails: &details,
		ScannedAt:   &now,
	})
	if err != nil {
		return err
	}
	if !ok {
		log.Info("record left the scannable set during the scan, dropping verdict",
			zap.String("scan_result", result))
		return nil
	}

	if verdict == types.ScanResultMalicious && uc.notifier != nil {
		uc.notifier.NotifyInfected(ctx, upload)
	}

	log.Info("scan completed",
		zap.String("scan_result", result),
		zap.String("status", string(status)))
	return nil
}

// Status returns the current scan state for an upload.
func (uc *ScanUseCase) Status(ctx context.Context, uuid string) (*ScanStatusInfo, error) {
	upload, err := uc.repo.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if upload == nil {
		return nil, errors.New(errors.ErrUploadNotFound, uuid)
	}

	return &ScanStatusInfo{
		UUID:       upload.UUID,
		Status:     string(upload.Status),
		ScanResult: upload.ScanResult,
		ScannedAt:  upload.ScannedAt,
	}, nil
}
