// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package obfctx implements the module context: the per-run state
// shared across passes (rename map, diagnostics, applied-pass set,
// service registry). A context is created once per run and discarded
// after the module is written.
package obfctx

import (
	"fmt"
	"reflect"

	"github.com/saferwall/ilguard/clrmodel"
	"github.com/saferwall/ilguard/config"
)

// Severity is a diagnostic's severity level.
type Severity uint8

// Recognised severities.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Diagnostic is one structured record in the context's diagnostics log.
type Diagnostic struct {
	Severity Severity
	Code     string
	Message  string
	Payload  interface{}
}

// StringCipherRecord is one entry of the encrypted-string registry:
// the ciphertext, key, and algorithm used to encrypt one distinct literal.
type StringCipherRecord struct {
	Ciphertext []byte
	Key        []byte
	Algorithm  string
}

// ErrNilModule is returned by New when given a nil module.
var ErrNilModule = fmt.Errorf("obfctx: module must not be nil")

// ErrNilConfig is returned by New when given a nil configuration.
var ErrNilConfig = fmt.Errorf("obfctx: configuration must not be nil")

// ErrServiceNotRegistered is returned by GetService for an unregistered type.
type ErrServiceNotRegistered struct{ Type reflect.Type }

func (e *ErrServiceNotRegistered) Error() string {
	return fmt.Sprintf("obfctx: no service registered for type %s", e.Type)
}

// ErrServiceAlreadyRegistered is returned by RegisterService on a duplicate
// registration of the same type.
type ErrServiceAlreadyRegistered struct{ Type reflect.Type }

func (e *ErrServiceAlreadyRegistered) Error() string {
	return fmt.Sprintf("obfctx: service for type %s already registered", e.Type)
}

// Context is the non-concurrent, per-run shared state every pass reads
// and writes. It is created once per protection run and discarded once
// the module has been written.
type Context struct {
	Module *clrmodel.Module
	Config *config.Configuration

	services map[reflect.Type]interface{}
	applied  map[string]bool

	renameMap   map[string]string
	stringRegs  map[string]StringCipherRecord
	diagnostics []Diagnostic
}

// New constructs a fresh Context for one protection run.
func New(module *clrmodel.Module, cfg *config.Configuration) (*Context, error) {
	if module == nil {
		return nil, ErrNilModule
	}
	if cfg == nil {
		return nil, ErrNilConfig
	}
	return &Context{
		Module:     module,
		Config:     cfg,
		services:   make(map[reflect.Type]interface{}),
		applied:    make(map[string]bool),
		renameMap:  make(map[string]string),
		stringRegs: make(map[string]StringCipherRecord),
	}, nil
}

// RegisterService installs instance as the implementation for its
// dynamic type. Re-registering the same type is an error.
func (c *Context) RegisterService(instance interface{}) error {
	t := reflect.TypeOf(instance)
	if _, ok := c.services[t]; ok {
		return &ErrServiceAlreadyRegistered{Type: t}
	}
	c.services[t] = instance
	return nil
}

// GetService looks up the service registered under the reflect.Type t.
// The generic GetService[T] helper (e.g. GetService[rng.Source](c))
// derives that key from its type parameter instead.
func (c *Context) GetService(t reflect.Type) (interface{}, error) {
	v, ok := c.services[t]
	if !ok {
		return nil, &ErrServiceNotRegistered{Type: t}
	}
	return v, nil
}

// HasService reports whether a service of the given type is registered.
func (c *Context) HasService(t reflect.Type) bool {
	_, ok := c.services[t]
	return ok
}

// RegisterServiceAs installs instance under the explicit type t rather
// than instance's dynamic type, so an interface-typed service (e.g.
// rng.Source backed by an unexported concrete type) can be looked up by
// its interface type instead of its private implementation type.
func (c *Context) RegisterServiceAs(t reflect.Type, instance interface{}) error {
	if _, ok := c.services[t]; ok {
		return &ErrServiceAlreadyRegistered{Type: t}
	}
	c.services[t] = instance
	return nil
}

// RegisterService installs instance keyed by the compile-time type T,
// e.g. RegisterService[rng.Source](ctx, someSource). This is the
// preferred entry point for registering an interface-typed service: T is
// fixed at the call site, so the key is the interface type even when
// instance's dynamic type is an unexported struct.
func RegisterService[T any](c *Context, instance T) error {
	var zero T
	t := reflect.TypeOf(&zero).Elem()
	return c.RegisterServiceAs(t, instance)
}

// GetService looks up the service registered for type T.
func GetService[T any](c *Context) (T, error) {
	var zero T
	t := reflect.TypeOf(&zero).Elem()
	v, err := c.GetService(t)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("obfctx: service registered for %s has unexpected type %T", t, v)
	}
	return typed, nil
}

// MarkApplied records that passID completed without a fatal error.
// Idempotent: marking the same pass twice has no additional effect.
func (c *Context) MarkApplied(passID string) {
	c.applied[passID] = true
}

// IsApplied reports whether passID has been marked applied.
func (c *Context) IsApplied(passID string) bool {
	return c.applied[passID]
}

// AppliedIDs returns the ids of every pass marked applied so far, in no
// particular order (the orchestrator sorts its own result separately).
func (c *Context) AppliedIDs() []string {
	ids := make([]string, 0, len(c.applied))
	for id := range c.applied {
		ids = append(ids, id)
	}
	return ids
}

// AddDiagnostic appends a diagnostic to the run's log. Diagnostics are
// ordered by append time.
func (c *Context) AddDiagnostic(severity Severity, code, message string, payload interface{}) {
	c.diagnostics = append(c.diagnostics, Diagnostic{
		Severity: severity,
		Code:     code,
		Message:  message,
		Payload:  payload,
	})
}

// Diagnostics returns the run's diagnostics log in append order.
func (c *Context) Diagnostics() []Diagnostic {
	return c.diagnostics
}

// RecordRename inserts an association into the rename map. Keys are
// unique; a duplicate insertion overwrites (a member is only ever renamed
// once per run, so this should not normally happen).
func (c *Context) RecordRename(originalFullName, newName string) {
	c.renameMap[originalFullName] = newName
}

// RenameMap returns the full original-name -> new-name association.
func (c *Context) RenameMap() map[string]string {
	return c.renameMap
}

// RecordStringCipher registers the ciphertext/key/algorithm for a
// distinct literal, keyed by its original plaintext so repeated literals
// share one ciphertext.
func (c *Context) RecordStringCipher(plaintext string, rec StringCipherRecord) {
	c.stringRegs[plaintext] = rec
}

// StringCipher looks up a previously recorded cipher record by plaintext.
func (c *Context) StringCipher(plaintext string) (StringCipherRecord, bool) {
	rec, ok := c.stringRegs[plaintext]
	return rec, ok
}

// StringRegistry returns the full plaintext -> cipher-record association.
func (c *Context) StringRegistry() map[string]StringCipherRecord {
	return c.stringRegs
}

// Fork produces a child Context sharing the same module reference, a
// shallow copy of the service table, and a copy of the applied-pass set.
// The child's subsequent mutations to those copies do not propagate back.
// Used for speculative pass executions (e.g. a pass probing
// can_apply side effects without committing them to the parent's
// bookkeeping).
func (c *Context) Fork() *Context {
	child := &Context{
		Module:     c.Module,
		Config:     c.Config,
		services:   make(map[reflect.Type]interface{}, len(c.services)),
		applied:    make(map[string]bool, len(c.applied)),
		renameMap:  make(map[string]string, len(c.renameMap)),
		stringRegs: make(map[string]StringCipherRecord, len(c.stringRegs)),
	}
	for k, v := range c.services {
		child.services[k] = v
	}
	for k, v := range c.applied {
		child.applied[k] = v
	}
	for k, v := range c.renameMap {
		child.renameMap[k] = v
	}
	for k, v := range c.stringRegs {
		child.stringRegs[k] = v
	}
	child.diagnostics = append(child.diagnostics, c.diagnostics...)
	return child
}
