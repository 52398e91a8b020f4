// Package artifact stores robot version bundles on local disk. A bundle is
// the single deployable file of one (robot, version) pair, either a ZIP of
// sources or a self-contained executable, kept under a fixed layout below the
// artifacts root:
//
//	<root>/robots/<robot_id>/<version>/artifact.<zip|exe>
//
// Paths recorded on RobotVersion rows are relative to the root in slash form,
// so the same row resolves on any worker sharing the artifacts volume.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/botfleet/orchestrator"
)

type (
	// Options configures a Manager.
	Options struct {
		// Root is the artifacts root directory. Required.
		Root string
	}

	// Manager owns the bundle layout under the artifacts root.
	Manager struct {
		root string
	}

	// Bundle describes one stored version bundle.
	Bundle struct {
		// Type is derived from the uploaded filename's extension.
		Type orchestrator.ArtifactType
		// Path is the bundle location relative to the root, in slash form.
		Path string
		// AbsolutePath is the resolved on-disk location.
		AbsolutePath string
		// SHA256 is the hex digest of the stored bytes.
		SHA256 string
		// SizeBytes is the stored length.
		SizeBytes int64
	}
)

// New constructs a Manager rooted at opts.Root, creating the directory when
// missing.
func New(opts Options) (*Manager, error) {
	if opts.Root == "" {
		return nil, errors.New("root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifacts root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the absolute artifacts root.
func (m *Manager) Root() string { return m.root }

// Save streams the upload into the bundle slot for (robotID, version),
// deriving the artifact type from filename and hashing the bytes as they are
// written. An existing bundle for the same pair is overwritten, which is how
// a re-published version replaces a bad upload.
func (m *Manager) Save(robotID, version, filename string, r io.Reader) (*Bundle, error) {
	typ, suffix, err := typeForFilename(filename)
	if err != nil {
		return nil, err
	}
	if robotID == "" || version == "" {
		return nil, errors.New("robot id and version are required")
	}

	rel := path.Join("robots", robotID, version, "artifact"+suffix)
	abs := filepath.Join(m.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create bundle directory: %w", err)
	}

	f, err := os.Create(abs)
	if err != nil {
		return nil, fmt.Errorf("create bundle file: %w", err)
	}
	digest := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, digest), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(abs)
		return nil, fmt.Errorf("write bundle: %w", err)
	}

	return &Bundle{
		Type:         typ,
		Path:         rel,
		AbsolutePath: abs,
		SHA256:       hex.EncodeToString(digest.Sum(nil)),
		SizeBytes:    size,
	}, nil
}

// Open opens a stored bundle by its root-relative path.
func (m *Manager) Open(rel string) (*os.File, error) {
	abs, err := m.resolve(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", rel, err)
	}
	return f, nil
}

// Verify recomputes the stored bundle's digest and compares it to want.
func (m *Manager) Verify(rel, want string) error {
	f, err := m.Open(rel)
	if err != nil {
		return err
	}
	defer f.Close()
	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return fmt.Errorf("hash bundle %s: %w", rel, err)
	}
	got := hex.EncodeToString(digest.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("bundle %s digest mismatch: have %s, want %s", rel, got, want)
	}
	return nil
}

// resolve turns a root-relative path into an absolute one, refusing paths
// that would escape the root.
func (m *Manager) resolve(rel string) (string, error) {
	clean := path.Clean(rel)
	if clean == "." || !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", fmt.Errorf("bundle path %q escapes the artifacts root", rel)
	}
	return filepath.Join(m.root, filepath.FromSlash(clean)), nil
}

// typeForFilename maps the upload extension onto the artifact type.
func typeForFilename(filename string) (orchestrator.ArtifactType, string, error) {
	lowered := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lowered, ".zip"):
		return orchestrator.ArtifactZip, ".zip", nil
	case strings.HasSuffix(lowered, ".exe"):
		return orchestrator.ArtifactExe, ".exe", nil
	default:
		return "", "", &orchestrator.ValidationError{
			Field:  "artifact",
			Reason: "Only .zip and .exe artifacts are supported.",
		}
	}
}
