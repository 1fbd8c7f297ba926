package imagestore

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/provider"
)

// DownloadError reports an archive fetch that did not return a body.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to download archive: %v", e.Err)
	}
	return fmt.Sprintf("failed to download archive: HTTP %d", e.StatusCode)
}

func (e *DownloadError) Unwrap() error { return e.Err }

var ErrArchiveTooLarge = errors.New("archive exceeds size limit")

// FetchArchive downloads url with client, reading at most maxBytes. Non-2xx
// responses and transport errors, including timeouts, are DownloadErrors.
func FetchArchive(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &DownloadError{URL: url, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DownloadError{URL: url, StatusCode: resp.StatusCode}
	}
	body := io.Reader(resp.Body)
	if maxBytes > 0 {
		body = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &DownloadError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, &DownloadError{URL: url, StatusCode: resp.StatusCode, Err: ErrArchiveTooLarge}
	}
	return data, nil
}

// Archive holds the files of an extracted zip keyed by cleaned relative path.
type Archive struct {
	Files    map[string][]byte
	Order    []string
	Rejected []models.ImageFailure
}

// ExtractArchive unpacks a zip in memory. Entries whose names would escape
// the archive root are rejected one by one; the total uncompressed size is
// capped at maxBytes when positive.
func ExtractArchive(data []byte, maxBytes int64) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	out := &Archive{Files: make(map[string][]byte)}
	var total int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, err := provider.CleanRelative(f.Name)
		if err != nil || name == "" {
			out.Rejected = append(out.Rejected, models.ImageFailure{
				Path:  f.Name,
				Error: "unsafe path rejected",
			})
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open archive entry %s: %w", name, err)
		}
		limit := int64(-1)
		if maxBytes > 0 {
			limit = maxBytes - total
		}
		content, err := readLimited(rc, limit)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry %s: %w", name, err)
		}
		total += int64(len(content))

		if _, dup := out.Files[name]; !dup {
			out.Order = append(out.Order, name)
		}
		out.Files[name] = content
	}
	return out, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit < 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrArchiveTooLarge
	}
	return data, nil
}

// Images returns the archive entries that look like images, in archive order.
func (a *Archive) Images() []string {
	out := make([]string, 0, len(a.Order))
	for _, name := range a.Order {
		ext := normalizeExt(name[strings.LastIndex(name, ".")+1:])
		if strings.Contains(name, ".") && knownExtensions[ext] {
			out = append(out, name)
		}
	}
	return out
}
