package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(Options{Root: t.TempDir()})
	require.NoError(t, err)
	return m
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestSaveZipBundle(t *testing.T) {
	m := newManager(t)
	payload := []byte("PK\x03\x04 fake zip bytes")

	b, err := m.Save("robot-1", "1.2.0", "invoice-bot.zip", strings.NewReader(string(payload)))
	require.NoError(t, err)

	assert.Equal(t, orchestrator.ArtifactZip, b.Type)
	assert.Equal(t, "robots/robot-1/1.2.0/artifact.zip", b.Path)
	assert.Equal(t, int64(len(payload)), b.SizeBytes)

	want := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(want[:]), b.SHA256)

	stored, err := os.ReadFile(b.AbsolutePath)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
}

func TestSaveExeBundle(t *testing.T) {
	m := newManager(t)
	b, err := m.Save("robot-1", "2.0.0", "Bot.EXE", strings.NewReader("binary"))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ArtifactExe, b.Type)
	assert.Equal(t, "robots/robot-1/2.0.0/artifact.exe", b.Path)
}

func TestSaveRejectsUnknownExtension(t *testing.T) {
	m := newManager(t)
	_, err := m.Save("robot-1", "1.0.0", "bot.tar.gz", strings.NewReader("x"))
	var verr *orchestrator.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Only .zip and .exe artifacts are supported.", verr.Reason)
}

func TestSaveOverwritesExistingBundle(t *testing.T) {
	m := newManager(t)
	_, err := m.Save("robot-1", "1.0.0", "bot.zip", strings.NewReader("first"))
	require.NoError(t, err)

	b, err := m.Save("robot-1", "1.0.0", "bot.zip", strings.NewReader("second"))
	require.NoError(t, err)

	stored, err := os.ReadFile(b.AbsolutePath)
	require.NoError(t, err)
	assert.Equal(t, "second", string(stored))
}

func TestOpenRoundTrip(t *testing.T) {
	m := newManager(t)
	b, err := m.Save("robot-1", "1.0.0", "bot.zip", strings.NewReader("contents"))
	require.NoError(t, err)

	f, err := m.Open(b.Path)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "contents", string(data))
}

func TestOpenRefusesEscapingPath(t *testing.T) {
	m := newManager(t)
	outside := filepath.Join(filepath.Dir(m.Root()), "secret")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))

	_, err := m.Open("../secret")
	require.Error(t, err)
	_, err = m.Open("robots/../../secret")
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	m := newManager(t)
	b, err := m.Save("robot-1", "1.0.0", "bot.zip", strings.NewReader("contents"))
	require.NoError(t, err)

	require.NoError(t, m.Verify(b.Path, b.SHA256))
	require.NoError(t, m.Verify(b.Path, strings.ToUpper(b.SHA256)))
	assert.Error(t, m.Verify(b.Path, strings.Repeat("0", 64)))
}
