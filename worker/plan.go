package worker

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/botfleet/orchestrator"
)

// execPlan describes the child process for one run.
type execPlan struct {
	// Command holds the executable followed by its arguments.
	Command []string
	// Dir is the working directory of the child.
	Dir string
}

// planError marks a deterministic materialization failure. Its message is
// stored verbatim as the run error and the run is not retried: the same
// inputs would fail the same way on every worker.
type planError struct {
	msg string
}

func (e *planError) Error() string { return e.msg }

func planErrorf(format string, args ...any) *planError {
	return &planError{msg: fmt.Sprintf(format, args...)}
}

// resolvePlan materializes the version artifact and builds the command
// line. ZIP artifacts are unpacked into a per-run workspace so concurrent
// runs of the same version never share files. args holds the version
// defaults followed by the caller overrides.
func (w *Worker) resolvePlan(version *orchestrator.RobotVersion, runDir string, args []string) (*execPlan, error) {
	artifact := version.ArtifactPath
	if !filepath.IsAbs(artifact) {
		artifact = filepath.Join(w.artifactsRoot, artifact)
	}
	if _, err := os.Stat(artifact); err != nil {
		return nil, planErrorf("Version artifact not found: %s", artifact)
	}
	if w.artifacts != nil && version.ArtifactSHA256 != "" && !filepath.IsAbs(version.ArtifactPath) {
		if err := w.artifacts.Verify(version.ArtifactPath, version.ArtifactSHA256); err != nil {
			return nil, planErrorf("Artifact integrity check failed: %v", err)
		}
	}

	switch version.ArtifactType {
	case orchestrator.ArtifactExe:
		dir := filepath.Dir(artifact)
		if wd := version.WorkingDirectory; wd != nil && *wd != "" {
			dir = *wd
		}
		return &execPlan{Command: append([]string{artifact}, args...), Dir: dir}, nil

	case orchestrator.ArtifactZip:
		workspace := filepath.Join(runDir, "workspace")
		if err := extractZip(artifact, workspace); err != nil {
			return nil, fmt.Errorf("extract %s: %w", version.ArtifactPath, err)
		}
		entry := filepath.Join(workspace, filepath.FromSlash(version.EntrypointPath))
		if _, err := os.Stat(entry); err != nil {
			return nil, planErrorf("Entrypoint not found inside ZIP workspace: %s", entry)
		}
		dir := workspace
		if wd := version.WorkingDirectory; wd != nil && *wd != "" {
			dir = *wd
		}
		var command []string
		if version.EntrypointType == orchestrator.EntrypointExe || strings.EqualFold(filepath.Ext(entry), ".exe") {
			command = append([]string{entry}, args...)
		} else {
			command = append([]string{w.python, entry}, args...)
		}
		return &execPlan{Command: command, Dir: dir}, nil

	default:
		return nil, planErrorf("Unsupported artifact_type: %s", version.ArtifactType)
	}
}

// extractZip unpacks the archive into dest, refusing entries that would
// escape it.
func extractZip(archivePath, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, f := range r.File {
		name := filepath.FromSlash(f.Name)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry %q escapes the workspace", f.Name)
		}
		target := filepath.Join(dest, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := writeZipEntry(f, target); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
