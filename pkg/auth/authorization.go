// Package auth resolves caller credentials: it parses the transport
// Authorization header into a tagged union over session, credential and
// bearer schemes, and resolves the caller's identity against the session
// subsystem once per call.
package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

type kind int

const (
	kindNone kind = iota
	kindSession
	kindCredential
	kindBearer
)

// Authorization is the parsed credential of one inbound call. It is created
// per call and never persisted beyond it. Identity resolution is deferred and
// memoized: the first Resolve hits the session subsystem, later calls reuse
// the outcome.
type Authorization struct {
	k kind

	// session scheme
	username string
	userID   int64
	token    string

	// credential scheme
	scheme  string
	payload string

	// bearer scheme
	bearer string

	resolved   bool
	resolvedID int64
	resolveErr error
}

// Parse interprets a transport Authorization header value. Malformed session
// encodings yield the zero Authorization rather than an error: the call then
// proceeds unauthenticated and fails later with 401 if identity is required.
func Parse(header string) Authorization {
	header = strings.TrimSpace(header)
	if header == "" {
		return Authorization{}
	}
	scheme, payload, ok := strings.Cut(header, " ")
	if !ok {
		return Authorization{}
	}
	payload = strings.TrimSpace(payload)
	switch strings.ToLower(scheme) {
	case "session":
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Authorization{}
		}
		parts := strings.SplitN(string(raw), ":", 3)
		if len(parts) != 3 {
			return Authorization{}
		}
		userID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return Authorization{}
		}
		return Authorization{k: kindSession, username: parts[0], userID: userID, token: parts[2]}
	case "bearer":
		return Authorization{k: kindBearer, bearer: payload}
	default:
		return Authorization{k: kindCredential, scheme: strings.ToLower(scheme), payload: payload}
	}
}

// IsSet reports whether any credential was presented.
func (a *Authorization) IsSet() bool { return a.k != kindNone }

// SessionToken returns the session token for session-scheme credentials.
func (a *Authorization) SessionToken() string { return a.token }

// ErrUnauthenticated is wrapped by Resolve when no valid identity exists.
var ErrUnauthenticated = fmt.Errorf("unauthenticated")

// Resolve produces the caller's user id, memoized for the lifetime of this
// Authorization. Session credentials are checked against the session store;
// credential schemes perform a full login (a failed login surfaces a
// rate-limit-aware error, never an anonymous identity); bearer tokens are
// verified by the configured validator.
func (a *Authorization) Resolve(ctx context.Context, database string, sessions Manager, bearer *BearerValidator) (int64, error) {
	if a.resolved {
		return a.resolvedID, a.resolveErr
	}
	a.resolved = true
	a.resolvedID, a.resolveErr = a.resolve(ctx, database, sessions, bearer)
	return a.resolvedID, a.resolveErr
}

func (a *Authorization) resolve(ctx context.Context, database string, sessions Manager, bearer *BearerValidator) (int64, error) {
	switch a.k {
	case kindSession:
		ok, err := sessions.Check(ctx, database, a.userID, a.token)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: invalid session for user %d", ErrUnauthenticated, a.userID)
		}
		return a.userID, nil
	case kindCredential:
		params, err := credentialParameters(a.scheme, a.payload)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		username, _ := params["login"].(string)
		return sessions.Login(ctx, database, username, params)
	case kindBearer:
		if bearer == nil {
			return 0, fmt.Errorf("%w: bearer tokens not accepted", ErrUnauthenticated)
		}
		return bearer.Verify(database, a.bearer)
	default:
		return 0, fmt.Errorf("%w: no credentials", ErrUnauthenticated)
	}
}

// credentialParameters adapts a credential payload into login parameters.
// basic carries base64(username:password); other schemes pass the raw payload
// through for scheme-specific login methods.
func credentialParameters(scheme, payload string) (map[string]any, error) {
	if scheme == "basic" {
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("malformed basic payload")
		}
		username, password, ok := strings.Cut(string(raw), ":")
		if !ok {
			return nil, fmt.Errorf("malformed basic payload")
		}
		return map[string]any{"login": username, "password": password}, nil
	}
	return map[string]any{"scheme": scheme, "payload": payload}, nil
}
