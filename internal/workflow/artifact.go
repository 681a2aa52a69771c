package workflow

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
)

// maxArtifactBytes caps how much of an artifact file is read into memory.
var maxArtifactBytes int64 = 32 << 20

type artifact struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Expired            bool   `json:"expired"`
	ArchiveDownloadURL string `json:"archive_download_url"`
}

type artifactsResponse struct {
	TotalCount int        `json:"total_count"`
	Artifacts  []artifact `json:"artifacts"`
}

// DownloadArtifact fetches the artifact bundle uploaded by runID and returns the
// parsed JSON document inside it. The artifact called name is preferred, falling
// back to the first one the run uploaded; inside the zip, "<name>.json" is
// preferred over the first .json file.
func (c *GitHubClient) DownloadArtifact(ctx context.Context, runID int64, name string) (map[string]any, error) {
	var list artifactsResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParams(c.pathParams(map[string]string{"run_id": strconv.FormatInt(runID, 10)})).
		SetResult(&list).
		SetError(&apiErrorBody{}).
		Get("/repos/{owner}/{repo}/actions/runs/{run_id}/artifacts")
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}

	chosen := selectArtifact(list.Artifacts, name)
	if chosen == nil {
		return nil, fmt.Errorf("%w: run %d has no artifacts", ErrArtifactNotFound, runID)
	}

	resp, err = c.client.R().
		SetContext(ctx).
		SetError(&apiErrorBody{}).
		Get(chosen.ArchiveDownloadURL)
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}

	return ExtractJSON(resp.Body(), name)
}

func selectArtifact(artifacts []artifact, name string) *artifact {
	var first *artifact
	for i := range artifacts {
		a := &artifacts[i]
		if a.Expired {
			continue
		}
		if a.Name == name {
			return a
		}
		if first == nil {
			first = a
		}
	}
	return first
}

// ExtractJSON locates the JSON document inside a zip bundle and decodes it.
// It returns ErrArtifactNotFound when the bundle holds no .json file,
// ErrArtifactTooLarge when the document exceeds maxArtifactBytes, and
// ErrArtifactCorrupt when the archive or the document cannot be parsed.
func ExtractJSON(bundle []byte, name string) (map[string]any, error) {
	zr, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactCorrupt, err)
	}

	var match, first *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Ext(f.Name), ".json") {
			continue
		}
		if name != "" && path.Base(f.Name) == name+".json" {
			match = f
			break
		}
		if first == nil {
			first = f
		}
	}
	if match == nil {
		match = first
	}
	if match == nil {
		return nil, fmt.Errorf("%w: bundle contains no json file", ErrArtifactNotFound)
	}

	if match.UncompressedSize64 > uint64(maxArtifactBytes) {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrArtifactTooLarge, match.Name, match.UncompressedSize64)
	}

	rc, err := match.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrArtifactCorrupt, match.Name, err)
	}
	defer rc.Close()

	// The header size can lie, so the read is capped too.
	data, err := io.ReadAll(io.LimitReader(rc, maxArtifactBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrArtifactCorrupt, match.Name, err)
	}
	if int64(len(data)) > maxArtifactBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrArtifactTooLarge, match.Name, maxArtifactBytes)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrArtifactCorrupt, match.Name, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s is null", ErrArtifactCorrupt, match.Name)
	}
	return doc, nil
}
