package network

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/monitoring"
)

// PartialSuffix marks an in-progress download next to its final path
const PartialSuffix = ".part"

// DownloadResult describes a completed file download
type DownloadResult struct {
	URL             string
	BytesDownloaded int64
	Resumed         bool
}

// DownloadFile streams the first mirror that succeeds into outputPath.
// Bytes land in outputPath+".part" first; an existing partial file is resumed
// with an HTTP Range request and renamed into place once complete.
func (f *Fetcher) DownloadFile(ctx context.Context, urls []string, outputPath string) (*DownloadResult, error) {
	if len(urls) == 0 {
		return nil, apperrors.NewNotFoundError("no audio mirrors to try")
	}

	var lastErr error
	for _, u := range urls {
		result, err := f.resumeDownload(ctx, u, outputPath)
		if err == nil {
			return result, nil
		}

		lastErr = err
		monitoring.RecordMirrorFailure("audio")
		f.logger.Debug("Audio mirror failed",
			zap.String("url", u),
			zap.String("path", outputPath),
			zap.Error(err))

		if ctx.Err() != nil {
			return nil, apperrors.NewTimeoutError("audio download interrupted", ctx.Err())
		}
	}

	return nil, apperrors.NewNetworkError(fmt.Sprintf("all %d audio mirrors failed", len(urls)), lastErr)
}

func (f *Fetcher) resumeDownload(ctx context.Context, url, outputPath string) (*DownloadResult, error) {
	partialPath := outputPath + PartialSuffix
	result := &DownloadResult{URL: url}

	if err := f.fs.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return nil, apperrors.NewFileSystemError("failed to create output directory", err)
	}

	var startByte int64
	if info, err := f.fs.Stat(partialPath); err == nil && info.Size() > 0 {
		startByte = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("bad audio url %q: %v", url, err))
	}
	if startByte > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startByte))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperrors.NewNetworkError("download request failed", err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case startByte > 0 && resp.StatusCode == http.StatusPartialContent:
		flags |= os.O_APPEND
		result.Resumed = true
	case resp.StatusCode == http.StatusOK:
		// Server ignored the range; start over
		flags |= os.O_TRUNC
		startByte = 0
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		_ = f.fs.Remove(partialPath)
		return nil, apperrors.NewNetworkError("stale partial download discarded", nil)
	default:
		return nil, statusError(resp)
	}

	out, err := f.fs.OpenFile(partialPath, flags, 0644)
	if err != nil {
		return nil, apperrors.NewFileSystemError("failed to open partial file", err)
	}

	writer := bufio.NewWriterSize(out, 256*1024)
	written, copyErr := io.Copy(writer, resp.Body)
	flushErr := writer.Flush()
	closeErr := out.Close()
	monitoring.RecordBytes(written)

	// The partial file is kept on read errors so the next attempt resumes
	if copyErr != nil {
		return nil, apperrors.NewNetworkError("error reading response", copyErr)
	}
	if flushErr != nil {
		return nil, apperrors.NewFileSystemError("failed to flush partial file", flushErr)
	}
	if closeErr != nil {
		return nil, apperrors.NewFileSystemError("failed to close partial file", closeErr)
	}

	if resp.ContentLength > 0 && written < resp.ContentLength {
		return nil, apperrors.NewNetworkError(
			fmt.Sprintf("download incomplete: %d of %d bytes", written, resp.ContentLength), nil)
	}

	if err := f.fs.Rename(partialPath, outputPath); err != nil {
		if copyErr := copyFile(f.fs, partialPath, outputPath); copyErr != nil {
			return nil, apperrors.NewFileSystemError("failed to move file to final location", err)
		}
		_ = f.fs.Remove(partialPath)
	}

	result.BytesDownloaded = startByte + written
	return result, nil
}

// copyFile copies a file from src to dst
func copyFile(fs afero.Fs, src, dst string) error {
	sourceFile, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := fs.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, sourceFile)
	return err
}
