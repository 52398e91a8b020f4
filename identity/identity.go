// Package identity verifies bearer tokens and models the caller as a
// Principal. Tokens are HS256 JWTs carrying the subject, the principal kind
// and the granted permission strings; externally-federated callers
// additionally carry their directory groups. Verification is stateless, so
// any process holding the shared secret can authenticate requests.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/botfleet/orchestrator"
)

// Permission strings understood by the API surface. PermAdminManage implies
// every other permission.
const (
	PermRobotRead        = "robot:read"
	PermRobotPublish     = "robot:publish"
	PermRobotRun         = "robot:run"
	PermRunRead          = "run:read"
	PermRunCancel        = "run:cancel"
	PermArtifactDownload = "artifact:download"
	PermWorkerManage     = "worker:manage"
	PermAdminManage      = "admin:manage"
)

type (
	// Principal is the authenticated caller. Local principals are users from
	// the orchestrator's own credential store; External principals were
	// federated through an outside identity provider.
	Principal interface {
		// Name returns the principal's stable identifier for audit rows.
		Name() string
		// Can reports whether the principal holds the permission.
		Can(permission string) bool
	}

	// Local is a principal authenticated against the orchestrator's own
	// user base.
	Local struct {
		// User is the local user identifier.
		User string
		// Permissions are the granted permission strings.
		Permissions []string
	}

	// External is a principal federated from an outside identity provider.
	External struct {
		// Subject is the provider-side subject identifier.
		Subject string
		// Groups are the provider directory groups the subject belongs to.
		Groups []string
		// Permissions are the permission strings derived from those groups
		// at token issue time.
		Permissions []string
	}

	// Claims is the token payload the orchestrator issues and understands.
	Claims struct {
		// Subject identifies the principal. Required.
		Subject string
		// Kind is "local" or "external". Defaults to "local".
		Kind string
		// Permissions are the granted permission strings.
		Permissions []string
		// Groups are carried for external principals only.
		Groups []string
		// TTL bounds the token lifetime. Defaults to one hour.
		TTL time.Duration
	}

	// VerifierOptions configures a Verifier.
	VerifierOptions struct {
		// Secret is the shared HS256 signing secret. Required.
		Secret string
	}

	// Verifier parses and validates bearer tokens.
	Verifier struct {
		secret []byte
	}
)

// Name returns the local user identifier.
func (l *Local) Name() string { return l.User }

// Can reports whether the user holds the permission.
func (l *Local) Can(permission string) bool { return hasPermission(l.Permissions, permission) }

// Name returns the external subject identifier.
func (e *External) Name() string { return e.Subject }

// Can reports whether the subject holds the permission.
func (e *External) Can(permission string) bool { return hasPermission(e.Permissions, permission) }

func hasPermission(granted []string, want string) bool {
	for _, p := range granted {
		if p == want || p == PermAdminManage {
			return true
		}
	}
	return false
}

// NewVerifier constructs a Verifier.
func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	if opts.Secret == "" {
		return nil, errors.New("secret is required")
	}
	return &Verifier{secret: []byte(opts.Secret)}, nil
}

// Verify parses the bearer token and returns the principal it asserts. Any
// defect, a bad signature, an expired token, a missing subject or an unknown
// principal kind, comes back wrapped in ErrUnauthenticated.
func (v *Verifier) Verify(token string) (Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", orchestrator.ErrUnauthenticated)
	}
	parsed, err := jwt.Parse(token,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims shape", orchestrator.ErrUnauthenticated)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject", orchestrator.ErrUnauthenticated)
	}
	kind, _ := claims["typ"].(string)
	switch kind {
	case "", "local":
		return &Local{User: sub, Permissions: stringClaim(claims, "perms")}, nil
	case "external":
		return &External{
			Subject:     sub,
			Groups:      stringClaim(claims, "groups"),
			Permissions: stringClaim(claims, "perms"),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown principal kind %q", orchestrator.ErrUnauthenticated, kind)
	}
}

// Sign mints a token for the claims using the shared secret. Used by the
// local credential flow and by tests.
func Sign(secret string, c Claims) (string, error) {
	if c.Subject == "" {
		return "", errors.New("subject is required")
	}
	kind := c.Kind
	if kind == "" {
		kind = "local"
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": c.Subject,
		"typ": kind,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if len(c.Permissions) > 0 {
		claims["perms"] = c.Permissions
	}
	if len(c.Groups) > 0 {
		claims["groups"] = c.Groups
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// stringClaim reads a claim that arrives as a JSON array of strings.
// Non-string members are skipped.
func stringClaim(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
