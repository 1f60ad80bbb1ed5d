// Package permissions decides whether an actor may perform write or execute
// actions against a root. Grants come in three kinds: single-use tokens,
// time-boxed sessions, and per-browser grants persisted under the root.
package permissions

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/studio/internal/logging"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/workspace"
)

const (
	DefaultOnceTTL    = 2 * time.Minute
	DefaultSessionTTL = 12 * time.Hour
)

type Options struct {
	CacheDir   string
	OnceTTL    time.Duration
	SessionTTL time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

type Ledger struct {
	cacheDir   string
	onceTTL    time.Duration
	sessionTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger

	once     *TTLStore
	sessions *TTLStore
}

func NewLedger(opts Options) *Ledger {
	if opts.OnceTTL <= 0 {
		opts.OnceTTL = DefaultOnceTTL
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		cacheDir:   opts.CacheDir,
		onceTTL:    opts.OnceTTL,
		sessionTTL: opts.SessionTTL,
		now:        opts.Now,
		logger:     logging.OrDiscard(opts.Logger),
		once:       NewTTLStore(opts.Now),
		sessions:   NewTTLStore(opts.Now),
	}
}

// IssueOnce mints a single-use token. A non-positive ttl uses the ledger
// default.
func (l *Ledger) IssueOnce(ttl time.Duration) models.OnceToken {
	if ttl <= 0 {
		ttl = l.onceTTL
	}
	token := uuid.NewString()
	return models.OnceToken{Token: token, ExpiresAt: l.once.Put(token, ttl)}
}

// ConsumeOnce spends token. It returns true at most once per token, and
// never for an expired one.
func (l *Ledger) ConsumeOnce(token string) bool {
	if token == "" {
		return false
	}
	return l.once.Take(token)
}

func (l *Ledger) AllowSession(sessionID string, ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = l.sessionTTL
	}
	return l.sessions.Put(sessionID, ttl)
}

func (l *Ledger) IsSessionAllowed(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	return l.sessions.Valid(sessionID)
}

// SetPersistentAllowed records a grant for browserID in the root's
// permissions.json. Concurrent writers race; the last rename wins.
func (l *Ledger) SetPersistentAllowed(root, browserID string) error {
	ws := workspace.New(root, l.cacheDir)
	doc := l.readPersistent(ws.PermissionsPath())
	doc[browserID] = models.PersistentGrant{
		Allowed:   true,
		UpdatedAt: l.now().UTC().Format(time.RFC3339),
	}
	return workspace.WriteJSONAtomic(ws.PermissionsPath(), doc)
}

func (l *Ledger) IsPersistentAllowed(root, browserID string) bool {
	if browserID == "" {
		return false
	}
	doc := l.readPersistent(workspace.New(root, l.cacheDir).PermissionsPath())
	return doc[browserID].Allowed
}

// Evaluate checks the grants in order once, session, persistent. A matching
// once token is consumed.
func (l *Ledger) Evaluate(root, onceToken, sessionID, browserID string) models.Evaluation {
	switch {
	case l.ConsumeOnce(onceToken):
		return models.Evaluation{Allowed: true, Mode: models.GrantOnce}
	case l.IsSessionAllowed(sessionID):
		return models.Evaluation{Allowed: true, Mode: models.GrantSession}
	case l.IsPersistentAllowed(root, browserID):
		return models.Evaluation{Allowed: true, Mode: models.GrantPersistent}
	}
	return models.Evaluation{Allowed: false, Mode: models.GrantNone}
}

// Peek is Evaluate without spending a once token.
func (l *Ledger) Peek(root, onceToken, sessionID, browserID string) models.Evaluation {
	switch {
	case onceToken != "" && l.once.Valid(onceToken):
		return models.Evaluation{Allowed: true, Mode: models.GrantOnce}
	case l.IsSessionAllowed(sessionID):
		return models.Evaluation{Allowed: true, Mode: models.GrantSession}
	case l.IsPersistentAllowed(root, browserID):
		return models.Evaluation{Allowed: true, Mode: models.GrantPersistent}
	}
	return models.Evaluation{Allowed: false, Mode: models.GrantNone}
}

// readPersistent loads permissions.json. A missing or corrupt document reads
// as empty.
func (l *Ledger) readPersistent(path string) map[string]models.PersistentGrant {
	doc := map[string]models.PersistentGrant{}
	data, err := os.ReadFile(path)
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		l.logger.Warn("ignoring unreadable permissions file", "path", path, "err", err)
		return map[string]models.PersistentGrant{}
	}
	return doc
}
