package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lexcodex/cuekit/framework"
	"github.com/lexcodex/cuekit/persistence"
)

// DefaultCheckInterval bounds how often a non-forced install hits the network.
const DefaultCheckInterval = 24 * time.Hour

// ErrNoAsset reports that a release ships nothing for the running platform.
var ErrNoAsset = errors.New("no release asset for this platform")

// History remembers release checks and installs across runs.
type History interface {
	LastCheck(ctx context.Context, tool string) (*persistence.ReleaseCheck, bool, error)
	RecordCheck(ctx context.Context, check persistence.ReleaseCheck) error
	RecordInstall(ctx context.Context, record persistence.InstallRecord) (int64, error)
}

// InstallResult describes the outcome of one install attempt.
type InstallResult struct {
	Tag       string
	Asset     string
	Path      string
	Installed bool
	Reason    string
}

// Installer downloads cueimports release binaries into a tools directory.
// Concurrent Install calls share a single in-flight attempt.
type Installer struct {
	ToolsPath     string
	ReleaseURL    string
	Client        *http.Client
	Runner        framework.CommandRunner
	History       History
	Telemetry     framework.Telemetry
	Logger        *zap.Logger
	CheckInterval time.Duration
	GOOS          string
	GOARCH        string

	group singleflight.Group
}

// NewInstaller returns an installer for the running platform.
func NewInstaller(toolsPath string, logger *zap.Logger) *Installer {
	return &Installer{
		ToolsPath:     toolsPath,
		ReleaseURL:    DefaultReleaseURL,
		Client:        &http.Client{Timeout: 5 * time.Minute},
		Runner:        framework.NewLocalCommandRunner(),
		Logger:        framework.LoggerOrNop(logger),
		CheckInterval: DefaultCheckInterval,
		GOOS:          runtime.GOOS,
		GOARCH:        runtime.GOARCH,
	}
}

// BinaryName is the executable file name for goos.
func BinaryName(goos string) string {
	if goos == "windows" {
		return ToolName + ".exe"
	}
	return ToolName
}

// Install ensures the latest cueimports is present. Unless force is set,
// the download is skipped when the installed version already matches the
// latest release or a release check happened within CheckInterval. A call
// made while another install is running waits for and returns that
// install's result.
func (in *Installer) Install(ctx context.Context, force bool) (*InstallResult, error) {
	// The shared attempt must outlive any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	ch := in.group.DoChan(ToolName, func() (interface{}, error) {
		return in.install(shared, force)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			in.logger().Debug("joined in-flight install", zap.String("tool", ToolName))
		}
		result, _ := res.Val.(*InstallResult)
		return result, res.Err
	}
}

// Installed reports the path of an installed cueimports, looking in the
// tools directory first and then PATH.
func (in *Installer) Installed() (string, bool) {
	local := filepath.Join(in.ToolsPath, BinaryName(in.goos()))
	if info, err := os.Stat(local); err == nil && !info.IsDir() {
		return local, true
	}
	if path, err := exec.LookPath(ToolName); err == nil {
		return path, true
	}
	return "", false
}

func (in *Installer) install(ctx context.Context, force bool) (*InstallResult, error) {
	in.emit(framework.EventInstallStart, "", map[string]interface{}{"force": force})

	if !force {
		if recent, ok := in.checkedRecently(ctx); ok {
			result := &InstallResult{Tag: recent.Tag, Reason: "release checked " + recent.CheckedAt.Local().Format(time.RFC822)}
			in.emit(framework.EventInstallSkipped, result.Reason, nil)
			return result, nil
		}
	}

	release, err := FetchRelease(ctx, in.Client, in.releaseURL())
	if err != nil {
		return nil, in.fail(err)
	}
	in.emit(framework.EventRelease, release.TagName, map[string]interface{}{"assets": len(release.Assets)})

	if !force {
		update, reason := in.shouldUpdate(ctx, release.TagName)
		if !update {
			in.recordCheck(ctx, release.TagName)
			result := &InstallResult{Tag: release.TagName, Reason: reason}
			in.emit(framework.EventInstallSkipped, reason, nil)
			return result, nil
		}
		in.logf("Updating %s: %s", ToolName, reason)
	}

	asset, ok := SelectAsset(release.Assets, in.goos(), in.goarch())
	if !ok {
		in.logf("No %s release found for %s/%s. You can build it from source at %s",
			ToolName, in.goos(), in.goarch(), SourceURL)
		return nil, in.fail(fmt.Errorf("%w: %s/%s", ErrNoAsset, in.goos(), in.goarch()))
	}

	path, err := in.fetchAsset(ctx, asset)
	if err != nil {
		return nil, in.fail(err)
	}
	result := &InstallResult{Tag: release.TagName, Asset: asset.Name, Path: path, Installed: true}
	in.recordCheck(ctx, release.TagName)
	if in.History != nil {
		record := persistence.InstallRecord{Tool: ToolName, Tag: release.TagName, Asset: asset.Name, Path: path}
		if _, err := in.History.RecordInstall(ctx, record); err != nil {
			in.logger().Warn("record install", zap.Error(err))
		}
	}
	in.logf("%s %s installed to %s", ToolName, release.TagName, path)
	if !onPath(in.ToolsPath) {
		in.logf("Make sure %s is on your PATH", in.ToolsPath)
	}
	in.emit(framework.EventInstallDone, path, map[string]interface{}{"tag": release.TagName, "asset": asset.Name})
	return result, nil
}

// recordCheck marks tag as current. Failed attempts are not recorded so the
// next call retries.
func (in *Installer) recordCheck(ctx context.Context, tag string) {
	if in.History == nil {
		return
	}
	check := persistence.ReleaseCheck{Tool: ToolName, Tag: tag, CheckedAt: time.Now()}
	if err := in.History.RecordCheck(ctx, check); err != nil {
		in.logger().Warn("record release check", zap.Error(err))
	}
}

func (in *Installer) checkedRecently(ctx context.Context) (*persistence.ReleaseCheck, bool) {
	if in.History == nil {
		return nil, false
	}
	interval := in.CheckInterval
	if interval <= 0 {
		return nil, false
	}
	if _, ok := in.Installed(); !ok {
		return nil, false
	}
	check, ok, err := in.History.LastCheck(ctx, ToolName)
	if err != nil {
		in.logger().Warn("read release check", zap.Error(err))
		return nil, false
	}
	if !ok || time.Since(check.CheckedAt) >= interval {
		return nil, false
	}
	return check, true
}

// shouldUpdate compares the installed version against tag.
func (in *Installer) shouldUpdate(ctx context.Context, tag string) (bool, string) {
	binary := ToolName
	if path, ok := in.Installed(); ok {
		binary = path
	}
	stdout, stderr, err := in.runner().Run(ctx, framework.CommandRequest{
		Args:    []string{binary, "-version"},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		if framework.IsCommandNotFound(err) {
			return true, "not installed"
		}
		if strings.Contains(stderr+err.Error(), "flag provided but not defined: -version") {
			return true, "installed version predates -version"
		}
		return true, "could not determine installed version"
	}
	current := strings.TrimSpace(stdout)
	if current == "development" {
		return false, "development build installed"
	}
	if "v"+strings.TrimPrefix(current, "v") != tag {
		return true, fmt.Sprintf("installed %s, latest %s", current, tag)
	}
	return false, "already at " + tag
}

func (in *Installer) fetchAsset(ctx context.Context, asset Asset) (string, error) {
	var installed string
	err := framework.WithTempDir(func(dir string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", "cuekit")
		resp, err := in.client().Do(req)
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", ToolName, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to download %s: %s", ToolName, resp.Status)
		}
		total := resp.ContentLength
		if total <= 0 {
			total = asset.Size
		}
		body := &progressReader{r: resp.Body, total: total, emit: func(read, total int64) {
			in.emit(framework.EventDownloadProgress, asset.Name, map[string]interface{}{"read": read, "total": total})
		}}

		in.emit(framework.EventExtract, asset.Name, nil)
		if in.goos() == "darwin" {
			archive := filepath.Join(dir, asset.Name)
			if err := writeFile(archive, body, 0o644); err != nil {
				return fmt.Errorf("save %s: %w", asset.Name, err)
			}
			if err := ExtractZip(archive, dir); err != nil {
				return err
			}
		} else if err := ExtractTarGz(body, dir); err != nil {
			return err
		}
		body.finish()

		name := BinaryName(in.goos())
		src, err := findBinary(dir, name)
		if err != nil {
			return err
		}
		installed, err = InstallBinary(src, in.ToolsPath, name)
		return err
	})
	return installed, err
}

// findBinary locates name at the archive root or one directory below it.
func findBinary(dir, name string) (string, error) {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*", name))
	if len(matches) > 0 {
		return matches[0], nil
	}
	return "", fmt.Errorf("%s missing from archive", name)
}

func (in *Installer) fail(err error) error {
	in.logf("Failed to install %s: %v", ToolName, err)
	in.emit(framework.EventInstallFailed, err.Error(), nil)
	return err
}

func (in *Installer) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if in.Telemetry == nil {
		in.logger().Info(msg, zap.String("tool", ToolName))
		return
	}
	in.emit(framework.EventLog, msg, nil)
}

func (in *Installer) emit(typ framework.EventType, message string, meta map[string]interface{}) {
	if in.Telemetry == nil {
		return
	}
	in.Telemetry.Emit(framework.Event{
		Type:      typ,
		Tool:      ToolName,
		Message:   message,
		Timestamp: time.Now(),
		Metadata:  meta,
	})
}

func (in *Installer) logger() *zap.Logger { return framework.LoggerOrNop(in.Logger) }

func (in *Installer) runner() framework.CommandRunner {
	if in.Runner == nil {
		return framework.NewLocalCommandRunner()
	}
	return in.Runner
}

func (in *Installer) client() *http.Client {
	if in.Client == nil {
		return http.DefaultClient
	}
	return in.Client
}

func (in *Installer) releaseURL() string {
	if in.ReleaseURL == "" {
		return DefaultReleaseURL
	}
	return in.ReleaseURL
}

func (in *Installer) goos() string {
	if in.GOOS == "" {
		return runtime.GOOS
	}
	return in.GOOS
}

func (in *Installer) goarch() string {
	if in.GOARCH == "" {
		return runtime.GOARCH
	}
	return in.GOARCH
}

func onPath(dir string) bool {
	clean := filepath.Clean(dir)
	for _, entry := range filepath.SplitList(os.Getenv("PATH")) {
		if filepath.Clean(entry) == clean {
			return true
		}
	}
	return false
}

const progressStep = 64 << 10

// progressReader reports download progress every progressStep bytes.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	reported int64
	emit     func(read, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.read-p.reported >= progressStep {
		p.reported = p.read
		p.emit(p.read, p.total)
	}
	return n, err
}

func (p *progressReader) finish() {
	if p.read != p.reported {
		p.reported = p.read
		p.emit(p.read, p.total)
	}
}
