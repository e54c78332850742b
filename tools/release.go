package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// ToolName is the import-aware formatter the installer manages.
	ToolName = "cueimports"
	// SourceURL is where users can build the tool themselves.
	SourceURL = "https://github.com/asdine/cueimports"
	// DefaultReleaseURL returns the latest published cueimports release.
	DefaultReleaseURL = "https://api.github.com/repos/asdine/cueimports/releases/latest"
)

// Release is the subset of a GitHub release the installer reads.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// Asset is one downloadable file of a release.
type Asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
	Size int64  `json:"size"`
}

// FetchRelease retrieves release metadata from url.
func FetchRelease(ctx context.Context, client *http.Client, url string) (*Release, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "cuekit")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("failed to fetch latest release: %s %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	if release.TagName == "" {
		return nil, fmt.Errorf("release has no tag")
	}
	return &release, nil
}

var archAliases = map[string][]string{
	"amd64": {"amd64", "x86_64", "x64"},
	"arm64": {"arm64", "aarch64"},
	"386":   {"386", "i386"},
	"arm":   {"armv7", "armv6"},
}

// SelectAsset picks the archive built for goos/goarch. Darwin releases ship
// a single universal zip, every other platform a tar.gz.
func SelectAsset(assets []Asset, goos, goarch string) (Asset, bool) {
	if goos == "darwin" {
		for _, asset := range assets {
			name := strings.ToLower(asset.Name)
			if strings.Contains(name, "macos_universal") && strings.HasSuffix(name, ".zip") {
				return asset, true
			}
		}
		return Asset{}, false
	}
	aliases, ok := archAliases[goarch]
	if !ok {
		aliases = []string{goarch}
	}
	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		if !strings.Contains(name, goos) || !isTarball(name) {
			continue
		}
		for _, alias := range aliases {
			if strings.Contains(name, alias) {
				return asset, true
			}
		}
	}
	return Asset{}, false
}

func isTarball(name string) bool {
	return strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz")
}
