// Package envstore encrypts robot environment values at rest.
//
// Values are sealed with AES-256-GCM under a key derived from the configured
// application secret with Argon2id. The wire form stored in the database is
// "v1:" followed by base64(nonce || ciphertext), so a future scheme change
// can coexist with old rows.
package envstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/store"
)

const (
	tokenPrefix = "v1:"

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// keySalt pins the Argon2id derivation for this scheme version. The input
// secret is a machine credential, not a human password, so a fixed salt
// only has to separate this derivation from other uses of the same secret.
var keySalt = []byte("botfleet-envstore-v1")

// ErrBadToken reports a stored value that cannot be decrypted with the
// configured secret.
var ErrBadToken = errors.New("unable to decrypt secret value")

type (
	// Cipher seals and opens individual values.
	Cipher struct {
		aead cipher.AEAD
	}

	// ManagerOptions configures a Manager.
	ManagerOptions struct {
		// Store persists the encrypted rows. Required.
		Store *store.Store
		// Cipher seals the values. Required.
		Cipher *Cipher
	}

	// Manager is the read/write surface for robot environment values.
	Manager struct {
		store  *store.Store
		cipher *Cipher
	}

	// Entry is one listed environment value. Value is nil for secrets.
	Entry struct {
		Key       string    `json:"key"`
		Value     *string   `json:"value,omitempty"`
		IsSecret  bool      `json:"is_secret"`
		IsSet     bool      `json:"is_set"`
		UpdatedAt time.Time `json:"updated_at"`
	}
)

// NewCipher derives the sealing key from the application secret.
func NewCipher(secret string) (*Cipher, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("encryption key is not configured")
	}
	key := argon2.IDKey([]byte(secret), keySalt, argonTime, argonMemory, argonThreads, argonKeyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals one value with a random nonce.
func (c *Cipher) Encrypt(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return tokenPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens one stored token.
func (c *Cipher) Decrypt(token string) (string, error) {
	raw, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return "", ErrBadToken
	}
	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(sealed) < c.aead.NonceSize() {
		return "", ErrBadToken
	}
	nonce, ct := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrBadToken
	}
	return string(plain), nil
}

// NewManager constructs a Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("cipher is required")
	}
	return &Manager{store: opts.Store, cipher: opts.Cipher}, nil
}

// Set encrypts and upserts one value for (robot, environment, key).
func (m *Manager) Set(ctx context.Context, robotID string, env orchestrator.EnvName, key, value string, secret bool) (*orchestrator.RobotEnvVar, error) {
	if strings.TrimSpace(key) == "" {
		return nil, &orchestrator.ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if _, err := m.store.GetRobot(ctx, robotID); err != nil {
		return nil, err
	}
	sealed, err := m.cipher.Encrypt(value)
	if err != nil {
		return nil, err
	}
	row := &orchestrator.RobotEnvVar{
		RobotID:        robotID,
		EnvName:        env,
		Key:            key,
		ValueEncrypted: sealed,
		IsSecret:       secret,
	}
	if err := m.store.UpsertEnvVar(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Delete removes one value.
func (m *Manager) Delete(ctx context.Context, robotID string, env orchestrator.EnvName, key string) error {
	if _, err := m.store.GetRobot(ctx, robotID); err != nil {
		return err
	}
	return m.store.DeleteEnvVar(ctx, robotID, env, key)
}

// List returns the robot's entries for one environment. Non-secret values
// are decrypted; secret values stay hidden.
func (m *Manager) List(ctx context.Context, robotID string, env orchestrator.EnvName) ([]Entry, error) {
	if _, err := m.store.GetRobot(ctx, robotID); err != nil {
		return nil, err
	}
	rows, err := m.store.ListEnvVars(ctx, robotID, env)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e := Entry{
			Key:       row.Key,
			IsSecret:  row.IsSecret,
			IsSet:     row.ValueEncrypted != "",
			UpdatedAt: row.UpdatedAt,
		}
		if !row.IsSecret {
			plain, err := m.cipher.Decrypt(row.ValueEncrypted)
			if err != nil {
				return nil, fmt.Errorf("env %s/%s: %w", env, row.Key, err)
			}
			e.Value = &plain
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// EnvValues decrypts the full map for (robot, environment). The worker uses
// it to compose the child process environment.
func (m *Manager) EnvValues(ctx context.Context, robotID string, env orchestrator.EnvName) (map[string]string, error) {
	rows, err := m.store.ListEnvVars(ctx, robotID, env)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		plain, err := m.cipher.Decrypt(row.ValueEncrypted)
		if err != nil {
			return nil, fmt.Errorf("env %s/%s: %w", env, row.Key, err)
		}
		values[row.Key] = plain
	}
	return values, nil
}
