// Package redemption implements the code-for-content exchange: creation,
// upload confirmation, lookup, PIN verification, expiry and view limits,
// and one-shot deletion.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ElliottDenis/Viewport/internal/authz"
	"github.com/ElliottDenis/Viewport/internal/code"
	"github.com/ElliottDenis/Viewport/internal/events"
	"github.com/ElliottDenis/Viewport/internal/logging"
	"github.com/ElliottDenis/Viewport/internal/metrics"
	"github.com/ElliottDenis/Viewport/internal/pin"
	"github.com/ElliottDenis/Viewport/internal/storage"
	"github.com/ElliottDenis/Viewport/internal/store"
)

// codeRetries bounds code generation retries on uniqueness collision.
const codeRetries = 5

// Config holds protocol tunables.
type Config struct {
	CodeLength        int
	MaxFileBytes      int64
	SignedURLTTL      time.Duration
	PinAttemptsPerMin int
}

// Protocol orchestrates the redemption state machine. All dependencies are
// injected so the protocol runs unchanged against the in-memory store in
// tests.
type Protocol struct {
	store   store.Store
	backend storage.Backend
	authz   *authz.Resolver
	limiter *PinRateLimiter
	events  *events.Broadcaster
	cfg     Config
	now     func() time.Time
}

// New creates a protocol instance. broadcaster may be nil.
func New(st store.Store, backend storage.Backend, resolver *authz.Resolver, broadcaster *events.Broadcaster, cfg Config) *Protocol {
	if cfg.CodeLength == 0 {
		cfg.CodeLength = code.DefaultLength
	}
	if cfg.SignedURLTTL == 0 {
		cfg.SignedURLTTL = 5 * time.Minute
	}
	return &Protocol{
		store:   st,
		backend: backend,
		authz:   authzOrDefault(resolver, st),
		limiter: NewPinRateLimiter(),
		events:  broadcaster,
		cfg:     cfg,
		now:     time.Now,
	}
}

func authzOrDefault(r *authz.Resolver, st store.Store) *authz.Resolver {
	if r != nil {
		return r
	}
	return authz.New(st)
}

// Limiter exposes the PIN attempt limiter for background cleanup.
func (p *Protocol) Limiter() *PinRateLimiter {
	return p.limiter
}

// ─── Create ─────────────────────────────────────────────────────────────────

// CreateRequest describes a new shareable object.
type CreateRequest struct {
	Kind               store.Kind
	Title              string
	TextContent        string
	Filename           string
	MimeType           string
	Bytes              int64
	RecipientAccountID string
	Channel            string

	// PinProtected overrides the channel/recipient defaults when set.
	PinProtected *bool

	PinExpiresAt *time.Time
	ExpiresAt    *time.Time
	ViewLimit    int
	OneShot      bool
}

// CreateResult is returned once per object. Pin is the plaintext PIN and is
// never retrievable again.
type CreateResult struct {
	ID          string
	Code        string
	StoragePath string
	Pin         string
}

// Create validates the request, decides PIN protection, generates the code
// and persists the object.
func (p *Protocol) Create(ctx context.Context, req CreateRequest, caller *authz.Caller) (*CreateResult, error) {
	if !store.ValidKind(req.Kind) {
		return nil, newError(CodeInvalidKind, fmt.Sprintf("unsupported kind %q", req.Kind))
	}
	if req.Kind == store.KindText && req.TextContent == "" {
		return nil, newError(CodeInvalidRequest, "text_content required for text objects")
	}
	if req.Kind.HasFile() && req.Filename == "" {
		return nil, newError(CodeInvalidRequest, "filename required for file objects")
	}
	if p.cfg.MaxFileBytes > 0 && req.Bytes > p.cfg.MaxFileBytes {
		return nil, newError(CodeFileTooLarge,
			fmt.Sprintf("file exceeds %d byte limit", p.cfg.MaxFileBytes))
	}

	var recipientRole string
	if req.RecipientAccountID != "" {
		account, err := p.store.GetAccount(ctx, req.RecipientAccountID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(CodeInvalidRecipient, "recipient account not found")
		}
		if err != nil {
			return nil, p.internal("load recipient account", err)
		}
		if !account.Verified {
			return nil, newError(CodeInvalidRecipient, "recipient account is not verified")
		}
		recipientRole = account.Role
	}

	protected := decidePinProtection(req.PinProtected, recipientRole, req.Channel)

	var plainPin, pinHash string
	if protected {
		var err error
		plainPin, err = pin.Generate()
		if err != nil {
			return nil, p.internal("generate pin", err)
		}
		pinHash, err = pin.Hash(plainPin)
		if err != nil {
			return nil, p.internal("hash pin", err)
		}
	}

	id := uuid.NewString()
	obj := &store.Object{
		ID:                 id,
		Kind:               req.Kind,
		Title:              req.Title,
		Bytes:              req.Bytes,
		RecipientAccountID: req.RecipientAccountID,
		Channel:            req.Channel,
		PinProtected:       protected,
		PinHash:            pinHash,
		PinExpiresAt:       req.PinExpiresAt,
		ViewLimit:          req.ViewLimit,
		ExpiresAt:          req.ExpiresAt,
		OneShot:            req.OneShot,
		CreatedAt:          p.now(),
	}
	if caller != nil {
		obj.UploaderUserID = caller.UserID
	}
	if req.Kind == store.KindText {
		obj.TextContent = req.TextContent
	} else {
		obj.StoragePath = StoragePath(id, req.Filename)
		obj.MimeType = req.MimeType
	}

	inserted := false
	for attempt := 0; attempt < codeRetries; attempt++ {
		c, err := code.Generate(p.cfg.CodeLength)
		if err != nil {
			return nil, p.internal("generate code", err)
		}
		obj.Code = c
		err = p.store.InsertObject(ctx, obj)
		if err == nil {
			inserted = true
			break
		}
		if errors.Is(err, store.ErrCodeTaken) {
			metrics.RecordCodeCollision()
			continue
		}
		return nil, p.internal("insert object", err)
	}
	if !inserted {
		return nil, newError(CodeCodeExhausted, "could not allocate a unique code")
	}

	metrics.RecordObjectCreated(string(req.Kind), protected)
	p.publish(events.Event{Type: events.EventCreated, ObjectID: obj.ID, Kind: string(obj.Kind)})
	logging.Info("object created",
		zap.String("object_id", obj.ID),
		zap.String("kind", string(obj.Kind)),
		zap.Bool("pin_protected", protected))

	return &CreateResult{
		ID:          obj.ID,
		Code:        obj.Code,
		StoragePath: obj.StoragePath,
		Pin:         plainPin,
	}, nil
}

// decidePinProtection applies the protection precedence: an explicit flag
// always wins, an insight recipient disables the PIN, the "general" channel
// defaults it on, everything else defaults off.
func decidePinProtection(explicit *bool, recipientRole, channel string) bool {
	if explicit != nil {
		return *explicit
	}
	if recipientRole == store.RoleInsight {
		return false
	}
	return channel == "general"
}

// StoragePath derives the blob key for a file object: whitespace in the
// filename collapses to underscores and path separators are stripped, so
// the key never escapes the object's own prefix.
func StoragePath(id, filename string) string {
	return "objects/" + id + "/" + sanitizeFilename(filename)
}

func sanitizeFilename(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			// drop path separators entirely
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		default:
			b.WriteRune(r)
			lastUnderscore = false
		}
	}
	s := strings.Trim(b.String(), "._")
	if s == "" {
		return "file"
	}
	return s
}

// ─── Upload URL / Confirm ───────────────────────────────────────────────────

// UploadURL mints a signed upload URL for a pending file object.
func (p *Protocol) UploadURL(ctx context.Context, id string, caller *authz.Caller) (string, error) {
	obj, err := p.getByID(ctx, id)
	if err != nil {
		return "", err
	}
	if !obj.Kind.HasFile() {
		return "", newError(CodeInvalidKind, "text objects have no upload")
	}
	if err := p.requireUploader(obj, caller); err != nil {
		return "", err
	}

	url, err := p.backend.SignedUploadURL(ctx, obj.StoragePath, obj.MimeType, p.cfg.SignedURLTTL)
	if err != nil {
		return "", p.internal("sign upload url", err)
	}
	return url, nil
}

// ConfirmResult reports the reconciled object after upload confirmation.
type ConfirmResult struct {
	ID    string
	Kind  store.Kind
	Bytes int64
}

// ConfirmUpload verifies the blob actually landed in storage and records
// the observed size. The client-reported size is advisory; the stored size
// is what the backend reports.
func (p *Protocol) ConfirmUpload(ctx context.Context, id string, caller *authz.Caller) (*ConfirmResult, error) {
	obj, err := p.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.requireUploader(obj, caller); err != nil {
		return nil, err
	}

	if !obj.Kind.HasFile() {
		return &ConfirmResult{ID: obj.ID, Kind: obj.Kind, Bytes: int64(len(obj.TextContent))}, nil
	}

	exists, err := p.backend.ObjectExists(ctx, obj.StoragePath)
	if err != nil {
		return nil, p.internal("check blob", err)
	}
	if !exists {
		return nil, newError(CodeFileMissing, "no blob found at the object's storage path")
	}

	size, err := p.backend.ObjectSize(ctx, obj.StoragePath)
	if err != nil {
		return nil, p.internal("stat blob", err)
	}
	if p.cfg.MaxFileBytes > 0 && size > p.cfg.MaxFileBytes {
		// Oversized upload: remove the blob so the object can never be
		// redeemed past the limit.
		if derr := p.backend.DeleteObject(ctx, obj.StoragePath); derr != nil {
			logging.Warn("failed to remove oversized blob",
				zap.String("object_id", obj.ID), zap.Error(derr))
		}
		return nil, newError(CodeFileTooLarge,
			fmt.Sprintf("stored blob exceeds %d byte limit", p.cfg.MaxFileBytes))
	}

	if err := p.store.SetObjectBytes(ctx, obj.ID, size); err != nil {
		return nil, p.internal("record blob size", err)
	}

	logging.Info("upload confirmed",
		zap.String("object_id", obj.ID), zap.Int64("bytes", size))
	return &ConfirmResult{ID: obj.ID, Kind: obj.Kind, Bytes: size}, nil
}

// ─── Lookup / redemption ────────────────────────────────────────────────────

// Content is the redeemed payload. Text carries the inline body for text
// objects; URL carries a short-lived signed access URL for file objects.
type Content struct {
	Kind     store.Kind
	Title    string
	Text     string
	URL      string
	MimeType string
}

// Lookup redeems a share code. The full gauntlet runs in order: existence,
// expiry, PIN, account authorization, view limit, then content release and
// optional one-shot deletion.
func (p *Protocol) Lookup(ctx context.Context, codeStr, providedPin string, caller *authz.Caller) (*Content, error) {
	obj, err := p.store.GetObjectByCode(ctx, codeStr)
	if errors.Is(err, store.ErrNotFound) {
		metrics.RecordRedemption("not_found")
		return nil, newError(CodeNotFound, "unknown code")
	}
	if err != nil {
		return nil, p.internal("load object", err)
	}

	if obj.Expired(p.now()) {
		metrics.RecordRedemption("expired")
		p.removeObject(ctx, obj, events.EventExpired)
		// Same message as an unknown code; expiry must not confirm that
		// the code ever existed.
		return nil, newError(CodeExpired, "this content is no longer available")
	}

	if obj.PinProtected {
		if err := p.checkPin(obj, providedPin); err != nil {
			return nil, err
		}
	}

	decision, err := p.authz.Authorize(ctx, obj, caller)
	if err != nil {
		return nil, p.internal("authorize", err)
	}
	if !decision.Allowed {
		metrics.RecordRedemption(strings.ToLower(string(decision.Reason)))
		return nil, newError(string(decision.Reason), "not allowed to redeem this object")
	}

	if obj.ViewLimit > 0 {
		ok, err := p.store.ConsumeView(ctx, obj.ID)
		if err != nil {
			return nil, p.internal("consume view", err)
		}
		if !ok {
			// The conditional update also misses when the row was deleted
			// between the read and the consume; re-read so a concurrent
			// delete reports NOT_FOUND, not an exhausted limit.
			if _, gerr := p.store.GetObjectByID(ctx, obj.ID); errors.Is(gerr, store.ErrNotFound) {
				metrics.RecordRedemption("not_found")
				return nil, newError(CodeNotFound, "unknown code")
			}
			metrics.RecordRedemption("view_limit_exceeded")
			return nil, newError(CodeViewLimitExceeded, "view limit reached")
		}
	}

	content, err := p.produceContent(ctx, obj)
	if err != nil {
		return nil, err
	}

	if obj.OneShot {
		// Content is prepared; exactly one concurrent redeemer wins the
		// claim and the object disappears behind them.
		claimed, err := p.store.ClaimOneShot(ctx, obj.ID)
		if err != nil {
			return nil, p.internal("claim one-shot", err)
		}
		if !claimed {
			metrics.RecordRedemption("not_found")
			return nil, newError(CodeNotFound, "unknown code")
		}
		p.removeObject(ctx, obj, events.EventDeleted)
	}

	metrics.RecordRedemption("success")
	p.publish(events.Event{Type: events.EventRedeemed, ObjectID: obj.ID, Kind: string(obj.Kind)})
	logging.Info("object redeemed", zap.String("object_id", obj.ID))
	return content, nil
}

// Meta returns redemption-gate information without consuming a view: the
// caller learns whether a PIN prompt is needed before attempting Lookup.
func (p *Protocol) Meta(ctx context.Context, codeStr string) (*MetaResult, error) {
	obj, err := p.store.GetObjectByCode(ctx, codeStr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeNotFound, "unknown code")
	}
	if err != nil {
		return nil, p.internal("load object", err)
	}
	if obj.Expired(p.now()) {
		p.removeObject(ctx, obj, events.EventExpired)
		return nil, newError(CodeExpired, "this content is no longer available")
	}
	return &MetaResult{
		Kind:          obj.Kind,
		Title:         obj.Title,
		PinProtected:  obj.PinProtected,
		AccountScoped: obj.RecipientAccountID != "",
	}, nil
}

// MetaResult is the pre-redemption view of an object. It deliberately
// excludes content, size and mime type.
type MetaResult struct {
	Kind          store.Kind
	Title         string
	PinProtected  bool
	AccountScoped bool
}

// VerifyPin checks a PIN against a code without consuming a view. Rate
// limited like Lookup so it cannot be used as a guessing oracle.
func (p *Protocol) VerifyPin(ctx context.Context, codeStr, providedPin string) error {
	obj, err := p.store.GetObjectByCode(ctx, codeStr)
	if errors.Is(err, store.ErrNotFound) {
		return newError(CodeNotFound, "unknown code")
	}
	if err != nil {
		return p.internal("load object", err)
	}
	if obj.Expired(p.now()) {
		return newError(CodeExpired, "this content is no longer available")
	}
	if !obj.PinProtected {
		return nil
	}
	return p.checkPin(obj, providedPin)
}

// checkPin runs the PIN gauntlet: presence, rate limit, format, expiry,
// then the bcrypt comparison.
func (p *Protocol) checkPin(obj *store.Object, providedPin string) error {
	if providedPin == "" {
		return &Error{Code: CodePinRequired, Message: "pin required", PinProtected: true}
	}

	if !p.limiter.Allow(obj.Code, p.cfg.PinAttemptsPerMin) {
		metrics.RecordPinRateLimitHit()
		return &Error{
			Code:       CodeTooManyAttempts,
			Message:    "too many pin attempts, slow down",
			RetryAfter: p.limiter.RetryAfter(obj.Code, p.cfg.PinAttemptsPerMin),
		}
	}

	if !pin.ValidFormat(providedPin) {
		metrics.RecordPinAttempt("invalid_format")
		return newError(CodePinInvalidFormat, "pin must be 4 digits")
	}
	if obj.PinExpired(p.now()) {
		metrics.RecordPinAttempt("expired")
		return newError(CodePinExpired, "the pin window for this content has lapsed")
	}
	if !pin.Verify(providedPin, obj.PinHash) {
		metrics.RecordPinAttempt("incorrect")
		return newError(CodePinIncorrect, "incorrect pin")
	}

	metrics.RecordPinAttempt("success")
	return nil
}

// produceContent builds the redemption payload. For file kinds the signed
// URL must be minted successfully before any deletion can happen.
func (p *Protocol) produceContent(ctx context.Context, obj *store.Object) (*Content, error) {
	if obj.Kind == store.KindText {
		return &Content{Kind: obj.Kind, Title: obj.Title, Text: obj.TextContent}, nil
	}

	exists, err := p.backend.ObjectExists(ctx, obj.StoragePath)
	if err != nil {
		return nil, p.internal("check blob", err)
	}
	if !exists {
		metrics.RecordRedemption("file_missing")
		return nil, newError(CodeFileMissing, "the stored file is missing")
	}

	url, err := p.backend.SignedGetURL(ctx, obj.StoragePath, p.cfg.SignedURLTTL)
	if err != nil {
		return nil, p.internal("sign access url", err)
	}
	return &Content{Kind: obj.Kind, Title: obj.Title, URL: url, MimeType: obj.MimeType}, nil
}

// ─── Direct access / delete ─────────────────────────────────────────────────

// AccessByID redeems an object by its management id: read once, then the
// object is gone. PIN gating does not apply; knowledge of the opaque id is
// the capability. Account scoping still applies.
func (p *Protocol) AccessByID(ctx context.Context, id string, caller *authz.Caller) (*Content, error) {
	obj, err := p.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if obj.Expired(p.now()) {
		p.removeObject(ctx, obj, events.EventExpired)
		return nil, newError(CodeExpired, "this content is no longer available")
	}

	decision, err := p.authz.Authorize(ctx, obj, caller)
	if err != nil {
		return nil, p.internal("authorize", err)
	}
	if !decision.Allowed {
		return nil, newError(string(decision.Reason), "not allowed to access this object")
	}

	content, err := p.produceContent(ctx, obj)
	if err != nil {
		return nil, err
	}

	p.removeObject(ctx, obj, events.EventDeleted)
	logging.Info("object accessed and removed", zap.String("object_id", obj.ID))
	return content, nil
}

// ObjectInfo returns the object record for management views. Restricted to
// the uploader for owned objects; callers must not expose the PIN hash.
func (p *Protocol) ObjectInfo(ctx context.Context, id string, caller *authz.Caller) (*store.Object, error) {
	obj, err := p.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.requireUploader(obj, caller); err != nil {
		return nil, err
	}
	return obj, nil
}

// Delete removes an object and its blob. Only the uploader may delete an
// object that has one; anonymous objects are deletable by id.
func (p *Protocol) Delete(ctx context.Context, id string, caller *authz.Caller) error {
	obj, err := p.getByID(ctx, id)
	if err != nil {
		return err
	}
	if err := p.requireUploader(obj, caller); err != nil {
		return err
	}

	p.removeObject(ctx, obj, events.EventDeleted)
	logging.Info("object deleted", zap.String("object_id", obj.ID))
	return nil
}

// PurgeExpired removes all objects past their expiry along with their
// blobs. Called from the background sweep ticker.
func (p *Protocol) PurgeExpired(ctx context.Context) (int, error) {
	purged, err := p.store.PurgeExpired(ctx, p.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	for _, obj := range purged {
		if obj.StoragePath != "" {
			if err := p.backend.DeleteObject(ctx, obj.StoragePath); err != nil {
				logging.Warn("failed to remove expired blob",
					zap.String("object_id", obj.ID), zap.Error(err))
			}
		}
		p.publish(events.Event{Type: events.EventExpired, ObjectID: obj.ID})
	}
	if len(purged) > 0 {
		metrics.RecordObjectsPurged(len(purged))
		logging.Info("expired objects purged", zap.Int("count", len(purged)))
	}
	return len(purged), nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (p *Protocol) getByID(ctx context.Context, id string) (*store.Object, error) {
	obj, err := p.store.GetObjectByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeNotFound, "unknown object")
	}
	if err != nil {
		return nil, p.internal("load object", err)
	}
	return obj, nil
}

// requireUploader restricts management operations on owned objects to
// their uploader.
func (p *Protocol) requireUploader(obj *store.Object, caller *authz.Caller) error {
	if obj.UploaderUserID == "" {
		return nil
	}
	if caller == nil || caller.UserID == "" {
		return newError(CodeAuthRequired, "authentication required")
	}
	if caller.UserID != obj.UploaderUserID {
		return newError(CodeForbidden, "not the uploader of this object")
	}
	return nil
}

// removeObject deletes blob then row, best effort. The metadata row goes
// last so a blob deletion failure leaves a retryable orphan, not a
// dangling row pointing at nothing.
func (p *Protocol) removeObject(ctx context.Context, obj *store.Object, eventType string) {
	if obj.StoragePath != "" {
		if err := p.backend.DeleteObject(ctx, obj.StoragePath); err != nil {
			logging.Warn("failed to remove blob",
				zap.String("object_id", obj.ID), zap.Error(err))
		}
	}
	if err := p.store.DeleteObject(ctx, obj.ID); err != nil {
		logging.Warn("failed to remove object row",
			zap.String("object_id", obj.ID), zap.Error(err))
		return
	}
	p.publish(events.Event{Type: eventType, ObjectID: obj.ID, Kind: string(obj.Kind)})
}

func (p *Protocol) publish(e events.Event) {
	if p.events != nil {
		p.events.Publish(e)
	}
}

func (p *Protocol) internal(op string, err error) error {
	logging.Error(op+" failed", zap.Error(err))
	return newError(CodeInternal, "internal error")
}
