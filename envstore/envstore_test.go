package envstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Options{URL: "sqlite::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	c, err := NewCipher("unit-test-master-secret")
	require.NoError(t, err)
	m, err := NewManager(ManagerOptions{Store: s, Cipher: c})
	require.NoError(t, err)
	return m, s
}

func seedRobot(t *testing.T, s *store.Store) *orchestrator.Robot {
	t.Helper()
	robot := &orchestrator.Robot{Name: "env-holder"}
	require.NoError(t, s.CreateRobot(context.Background(), robot))
	return robot
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("secret")
	require.NoError(t, err)

	token, err := c.Encrypt("postgres://db")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "v1:"))

	plain, err := c.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db", plain)

	// Random nonce means two encryptions of the same value differ.
	token2, err := c.Encrypt("postgres://db")
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)
}

func TestCipherRejectsWrongKeyAndGarbage(t *testing.T) {
	c1, err := NewCipher("secret-one")
	require.NoError(t, err)
	c2, err := NewCipher("secret-two")
	require.NoError(t, err)

	token, err := c1.Encrypt("value")
	require.NoError(t, err)

	_, err = c2.Decrypt(token)
	assert.ErrorIs(t, err, ErrBadToken)
	_, err = c1.Decrypt("not-a-token")
	assert.ErrorIs(t, err, ErrBadToken)
	_, err = c1.Decrypt("v1:!!!")
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestNewCipherRequiresSecret(t *testing.T) {
	_, err := NewCipher("  ")
	assert.Error(t, err)
}

func TestSetListAndMasking(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	robot := seedRobot(t, s)

	_, err := m.Set(ctx, robot.ID, orchestrator.EnvProd, "API_URL", "https://api", false)
	require.NoError(t, err)
	_, err = m.Set(ctx, robot.ID, orchestrator.EnvProd, "DB_PASSWORD", "hunter2", true)
	require.NoError(t, err)

	entries, err := m.List(ctx, robot.ID, orchestrator.EnvProd)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byKey := map[string]Entry{}
	for _, e := range entries {
		byKey[e.Key] = e
	}
	require.NotNil(t, byKey["API_URL"].Value)
	assert.Equal(t, "https://api", *byKey["API_URL"].Value)
	assert.False(t, byKey["API_URL"].IsSecret)
	assert.Nil(t, byKey["DB_PASSWORD"].Value)
	assert.True(t, byKey["DB_PASSWORD"].IsSecret)
	assert.True(t, byKey["DB_PASSWORD"].IsSet)

	// Stored form never contains the plaintext.
	row, err := s.GetEnvVar(ctx, robot.ID, orchestrator.EnvProd, "DB_PASSWORD")
	require.NoError(t, err)
	assert.NotContains(t, row.ValueEncrypted, "hunter2")
}

func TestEnvValuesDecryptsAll(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	robot := seedRobot(t, s)

	_, err := m.Set(ctx, robot.ID, orchestrator.EnvProd, "A", "1", false)
	require.NoError(t, err)
	_, err = m.Set(ctx, robot.ID, orchestrator.EnvProd, "B", "2", true)
	require.NoError(t, err)
	_, err = m.Set(ctx, robot.ID, orchestrator.EnvTest, "A", "test-only", false)
	require.NoError(t, err)

	values, err := m.EnvValues(ctx, robot.ID, orchestrator.EnvProd)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, values)
}

func TestSetOverwritesAndDeleteChecksRobot(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	robot := seedRobot(t, s)

	_, err := m.Set(ctx, robot.ID, orchestrator.EnvProd, "A", "old", false)
	require.NoError(t, err)
	_, err = m.Set(ctx, robot.ID, orchestrator.EnvProd, "A", "new", false)
	require.NoError(t, err)

	values, err := m.EnvValues(ctx, robot.ID, orchestrator.EnvProd)
	require.NoError(t, err)
	assert.Equal(t, "new", values["A"])

	err = m.Delete(ctx, "00000000-0000-0000-0000-000000000000", orchestrator.EnvProd, "A")
	assert.ErrorIs(t, err, orchestrator.ErrRobotNotFound)

	require.NoError(t, m.Delete(ctx, robot.ID, orchestrator.EnvProd, "A"))
	err = m.Delete(ctx, robot.ID, orchestrator.EnvProd, "A")
	assert.ErrorIs(t, err, orchestrator.ErrEnvVarNotFound)
}

func TestSetRequiresKeyAndRobot(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	robot := seedRobot(t, s)

	_, err := m.Set(ctx, robot.ID, orchestrator.EnvProd, "  ", "v", false)
	var verr *orchestrator.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = m.Set(ctx, "00000000-0000-0000-0000-000000000000", orchestrator.EnvProd, "K", "v", false)
	assert.ErrorIs(t, err, orchestrator.ErrRobotNotFound)
}
