package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/relaylabs/relay/kv"
)

// VersionStatus is a workflow version's lifecycle state. Versions move
// draft -> active -> deprecated -> archived, one step at a time.
type VersionStatus string

const (
	VersionDraft      VersionStatus = "draft"
	VersionActive     VersionStatus = "active"
	VersionDeprecated VersionStatus = "deprecated"
	VersionArchived   VersionStatus = "archived"
)

// WorkflowVersion is one immutable registered definition. The checksum
// covers the canonical JSON encoding of Definition, so two versions
// with identical definitions share a checksum. ParentVersion records
// lineage: the most recently registered version at registration time,
// empty for the first.
type WorkflowVersion struct {
	WorkflowID    string         `json:"workflow_id"`
	Version       string         `json:"version"`
	Definition    map[string]any `json:"definition"`
	Checksum      string         `json:"checksum"`
	ParentVersion string         `json:"parent_version,omitempty"`
	Status        VersionStatus  `json:"status"`
	Description   string         `json:"description,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// FieldChange is one modified path in a version diff. A type change is
// always breaking.
type FieldChange struct {
	From     any  `json:"from"`
	To       any  `json:"to"`
	Breaking bool `json:"breaking"`
}

// VersionDiff is the path-keyed difference between two definitions.
type VersionDiff struct {
	Added    map[string]any         `json:"added,omitempty"`
	Removed  map[string]any         `json:"removed,omitempty"`
	Changed  map[string]FieldChange `json:"changed,omitempty"`
	Breaking bool                   `json:"breaking"`
}

// ErrVersionExists rejects re-registering an existing version; records
// are immutable once written.
var ErrVersionExists = errors.New("relay: workflow version already exists")

// ErrVersionNotFound is returned for lookups of unknown versions.
var ErrVersionNotFound = errors.New("relay: workflow version not found")

var semverRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+$`)

func versionKey(workflowID, version string) string {
	return fmt.Sprintf("workflow:version:%s:%s", workflowID, version)
}

func versionIndexKey(workflowID string) string {
	return fmt.Sprintf("workflow:versions:%s", workflowID)
}

func activeKey(workflowID string) string {
	return fmt.Sprintf("workflow:active:%s", workflowID)
}

// VersionManager stores immutable workflow definitions with semver
// identities, a per-workflow registration index, and an active pointer.
type VersionManager struct {
	store  kv.Store
	logger *slog.Logger
	now    func() time.Time
}

// VersionManagerOption configures a VersionManager.
type VersionManagerOption func(*VersionManager)

// WithVersionLogger sets the structured logger.
func WithVersionLogger(l *slog.Logger) VersionManagerOption {
	return func(m *VersionManager) { m.logger = l }
}

// NewVersionManager creates a version manager over store.
func NewVersionManager(store kv.Store, opts ...VersionManagerOption) *VersionManager {
	m := &VersionManager{store: store, logger: nopLogger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register writes a new immutable version in draft status. The version
// string must be semver ("1.2.3", optional leading v); registering an
// existing version fails with ErrVersionExists.
func (m *VersionManager) Register(ctx context.Context, workflowID, version string, definition map[string]any, description string) (WorkflowVersion, error) {
	if workflowID == "" {
		return WorkflowVersion{}, &ErrValidation{Field: "workflow_id", Reason: "must not be empty"}
	}
	if !semverRe.MatchString(version) {
		return WorkflowVersion{}, &ErrValidation{Field: "version", Reason: "must be semver (major.minor.patch)"}
	}
	if len(definition) == 0 {
		return WorkflowVersion{}, &ErrValidation{Field: "definition", Reason: "must not be empty"}
	}

	checksum, err := definitionChecksum(definition)
	if err != nil {
		return WorkflowVersion{}, fmt.Errorf("register version: %w", err)
	}

	prior, err := m.store.ZRange(ctx, versionIndexKey(workflowID), -1, -1)
	if err != nil {
		return WorkflowVersion{}, fmt.Errorf("register version: %w", err)
	}
	var parent string
	if len(prior) > 0 {
		parent = prior[0]
	}

	rec := WorkflowVersion{
		WorkflowID:    workflowID,
		Version:       version,
		Definition:    definition,
		Checksum:      checksum,
		ParentVersion: parent,
		Status:        VersionDraft,
		Description:   description,
		CreatedAt:     m.now(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return WorkflowVersion{}, fmt.Errorf("register version: %w", err)
	}

	// SET NX is the immutability guard: a concurrent duplicate register
	// loses cleanly.
	set, err := m.store.SetNX(ctx, versionKey(workflowID, version), string(raw), 0)
	if err != nil {
		return WorkflowVersion{}, fmt.Errorf("register version: %w", err)
	}
	if !set {
		return WorkflowVersion{}, ErrVersionExists
	}

	score := float64(rec.CreatedAt.UnixNano())
	if _, err := m.store.ZAdd(ctx, versionIndexKey(workflowID), kv.Z{Score: score, Member: version}); err != nil {
		return WorkflowVersion{}, fmt.Errorf("register version: %w", err)
	}

	m.logger.Info("registered workflow version",
		"workflow", workflowID, "version", version, "checksum", checksum[:12])
	return rec, nil
}

// Get returns one version record.
func (m *VersionManager) Get(ctx context.Context, workflowID, version string) (WorkflowVersion, error) {
	raw, err := m.store.Get(ctx, versionKey(workflowID, version))
	if errors.Is(err, kv.ErrNil) {
		return WorkflowVersion{}, ErrVersionNotFound
	}
	if err != nil {
		return WorkflowVersion{}, err
	}
	var rec WorkflowVersion
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return WorkflowVersion{}, fmt.Errorf("decode version record: %w", err)
	}
	return rec, nil
}

// List returns all versions of a workflow in registration order.
func (m *VersionManager) List(ctx context.Context, workflowID string) ([]WorkflowVersion, error) {
	versions, err := m.store.ZRange(ctx, versionIndexKey(workflowID), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowVersion, 0, len(versions))
	for _, v := range versions {
		rec, err := m.Get(ctx, workflowID, v)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SetActive promotes a draft or deprecated version to active, demoting
// the previously active one to deprecated.
func (m *VersionManager) SetActive(ctx context.Context, workflowID, version string) error {
	rec, err := m.Get(ctx, workflowID, version)
	if err != nil {
		return err
	}
	if rec.Status == VersionArchived {
		return &ErrValidation{Field: "status", Reason: "archived versions cannot be activated"}
	}

	if current, err := m.Active(ctx, workflowID); err == nil && current.Version != version {
		if err := m.setStatus(ctx, workflowID, current.Version, VersionDeprecated); err != nil {
			return err
		}
	}

	if err := m.setStatus(ctx, workflowID, version, VersionActive); err != nil {
		return err
	}
	if err := m.store.Set(ctx, activeKey(workflowID), version, 0); err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	m.logger.Info("activated workflow version", "workflow", workflowID, "version", version)
	return nil
}

// Active returns the currently active version record.
func (m *VersionManager) Active(ctx context.Context, workflowID string) (WorkflowVersion, error) {
	version, err := m.store.Get(ctx, activeKey(workflowID))
	if errors.Is(err, kv.ErrNil) {
		return WorkflowVersion{}, ErrVersionNotFound
	}
	if err != nil {
		return WorkflowVersion{}, err
	}
	return m.Get(ctx, workflowID, version)
}

// Deprecate moves an active version to deprecated without replacing the
// active pointer. Use SetActive to promote a successor instead when one
// exists.
func (m *VersionManager) Deprecate(ctx context.Context, workflowID, version string) error {
	rec, err := m.Get(ctx, workflowID, version)
	if err != nil {
		return err
	}
	if rec.Status != VersionActive {
		return &ErrValidation{Field: "status", Reason: "only active versions can be deprecated"}
	}
	return m.setStatus(ctx, workflowID, version, VersionDeprecated)
}

// Archive moves a deprecated version to archived, its terminal state.
func (m *VersionManager) Archive(ctx context.Context, workflowID, version string) error {
	rec, err := m.Get(ctx, workflowID, version)
	if err != nil {
		return err
	}
	if rec.Status != VersionDeprecated {
		return &ErrValidation{Field: "status", Reason: "only deprecated versions can be archived"}
	}
	return m.setStatus(ctx, workflowID, version, VersionArchived)
}

// Rollback reactivates the most recently registered version older than
// the active one.
func (m *VersionManager) Rollback(ctx context.Context, workflowID string) error {
	current, err := m.Active(ctx, workflowID)
	if err != nil {
		return err
	}
	all, err := m.List(ctx, workflowID)
	if err != nil {
		return err
	}

	var previous string
	for _, rec := range all {
		if rec.Version == current.Version {
			break
		}
		if rec.Status != VersionArchived {
			previous = rec.Version
		}
	}
	if previous == "" {
		return fmt.Errorf("rollback %s: no prior version to roll back to", workflowID)
	}
	m.logger.Warn("rolling back workflow", "workflow", workflowID, "from", current.Version, "to", previous)
	return m.SetActive(ctx, workflowID, previous)
}

// Diff compares two versions' definitions path by path. A path whose
// value changed JSON type marks the diff breaking, as does any removal.
func (m *VersionManager) Diff(ctx context.Context, workflowID, from, to string) (VersionDiff, error) {
	a, err := m.Get(ctx, workflowID, from)
	if err != nil {
		return VersionDiff{}, err
	}
	b, err := m.Get(ctx, workflowID, to)
	if err != nil {
		return VersionDiff{}, err
	}

	flatA := map[string]any{}
	flatB := map[string]any{}
	flatten("", a.Definition, flatA)
	flatten("", b.Definition, flatB)

	diff := VersionDiff{
		Added:   map[string]any{},
		Removed: map[string]any{},
		Changed: map[string]FieldChange{},
	}
	for path, va := range flatA {
		vb, ok := flatB[path]
		if !ok {
			diff.Removed[path] = va
			diff.Breaking = true
			continue
		}
		if !jsonEqual(va, vb) {
			breaking := jsonType(va) != jsonType(vb)
			diff.Changed[path] = FieldChange{From: va, To: vb, Breaking: breaking}
			if breaking {
				diff.Breaking = true
			}
		}
	}
	for path, vb := range flatB {
		if _, ok := flatA[path]; !ok {
			diff.Added[path] = vb
		}
	}
	return diff, nil
}

// Checksum returns the canonical checksum a definition would register
// with, for pre-flight duplicate detection.
func Checksum(definition map[string]any) (string, error) {
	return definitionChecksum(definition)
}

func (m *VersionManager) setStatus(ctx context.Context, workflowID, version string, status VersionStatus) error {
	rec, err := m.Get(ctx, workflowID, version)
	if err != nil {
		return err
	}
	rec.Status = status
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, versionKey(workflowID, version), string(raw), 0)
}

// definitionChecksum hashes the canonical JSON encoding. encoding/json
// sorts map keys, so equal definitions hash equal regardless of
// insertion order.
func definitionChecksum(definition map[string]any) (string, error) {
	raw, err := json.Marshal(definition)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// flatten walks a decoded JSON value into path-keyed leaves:
// "steps[0].name", "retry.max_attempts".
func flatten(prefix string, v any, out map[string]any) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			out[prefix] = t
			return
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			flatten(p, t[k], out)
		}
	case []any:
		if len(t) == 0 {
			out[prefix] = t
			return
		}
		for i, item := range t {
			flatten(fmt.Sprintf("%s[%d]", prefix, i), item, out)
		}
	default:
		out[prefix] = v
	}
}

func jsonEqual(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}

func jsonType(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "bool"
	case nil:
		return "null"
	default:
		return "number"
	}
}
