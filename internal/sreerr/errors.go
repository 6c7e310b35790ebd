// Package sreerr is the authoritative error taxonomy every connector and
// the Secure Connector Interceptor translate into at the boundary (spec
// §7). Connectors must never let a backend-specific error type escape;
// they wrap it in one of these kinds via fmt.Errorf("...: %w", Kind).
package sreerr

import (
	"errors"
	"fmt"
)

// Kind is one of the sentinel errors below. Use errors.Is(err, sreerr.AccessDenied)
// to classify a wrapped error.
type Kind error

var (
	AccessDenied     Kind = errors.New("access denied")
	NotFound         Kind = errors.New("not found")
	InvalidArgument  Kind = errors.New("invalid argument")
	Conflict         Kind = errors.New("conflict")
	BackendFailure   Kind = errors.New("backend failure")
	Cancelled        Kind = errors.New("cancelled")
	ConfigurationErr Kind = errors.New("configuration error")
	Unsupported      Kind = errors.New("unsupported operation")
)

// Specific not-found flavors, all classified as NotFound via errors.Is.
var (
	NamespaceNotFound    = fmt.Errorf("%w: namespace", NotFound)
	DatasourceNotFound   = fmt.Errorf("%w: datasource", NotFound)
	VaultKeyMissing      = fmt.Errorf("%w: vault key", NotFound)
	StorageObjectMissing = fmt.Errorf("%w: storage object", NotFound)
)

// wrapped carries a Kind plus connector context without losing errors.Is
// compatibility with both the Kind and any underlying cause.
type wrapped struct {
	kind  Kind
	msg   string
	cause error
}

func (w *wrapped) Error() string {
	if w.cause != nil {
		return fmt.Sprintf("%s: %v", w.msg, w.cause)
	}
	return w.msg
}

func (w *wrapped) Unwrap() []error {
	if w.cause != nil {
		return []error{w.kind, w.cause}
	}
	return []error{w.kind}
}

// Wrap classifies err (or a bare message, if err is nil) under kind,
// prefixed with msg. Use at connector boundaries: return sreerr.Wrap(sreerr.BackendFailure, "pinecone upsert", err).
func Wrap(kind Kind, msg string, cause error) error {
	return &wrapped{kind: kind, msg: msg, cause: cause}
}

// New builds a plain error of the given kind with a message, no cause.
func New(kind Kind, msg string) error {
	return &wrapped{kind: kind, msg: msg}
}

// Is* helpers match the cross-cutting checks the interceptor performs.
func IsAccessDenied(err error) bool    { return errors.Is(err, AccessDenied) }
func IsNotFound(err error) bool        { return errors.Is(err, NotFound) }
func IsInvalidArgument(err error) bool { return errors.Is(err, InvalidArgument) }
func IsConflict(err error) bool        { return errors.Is(err, Conflict) }
func IsBackendFailure(err error) bool  { return errors.Is(err, BackendFailure) }
func IsCancelled(err error) bool        { return errors.Is(err, Cancelled) }
func IsConfigurationErr(err error) bool { return errors.Is(err, ConfigurationErr) }
func IsUnsupported(err error) bool      { return errors.Is(err, Unsupported) }

// HeterogeneousSources is returned by VectorDB.Insert when a single call
// mixes text and vector sources (spec §4.7).
var HeterogeneousSources = fmt.Errorf("%w: heterogeneous sources in one insert call", InvalidArgument)
