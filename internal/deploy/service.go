package deploy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/watzon/forge/internal/functions"
	"github.com/watzon/forge/internal/storage"
)

const (
	// DefaultMemoryMB is the memory limit of a function that declares none.
	DefaultMemoryMB = 128
	// DefaultTimeoutSeconds is the timeout of a function that declares none.
	DefaultTimeoutSeconds = 30

	defaultEntryPoint = "handle"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// Validator compiles code to prove it can run. The engine satisfies it.
type Validator interface {
	Compile(ctx context.Context, code []byte) (*functions.CompiledModule, error)
}

// Options configures a deploy service.
type Options struct {
	DefaultMemoryMB       int
	MaxMemoryMB           int
	DefaultTimeoutSeconds int
	MaxTimeoutSeconds     int

	// Source fetches code referenced by manifests.
	Source *storage.Source
	// ManifestOwner owns functions deployed from manifests.
	ManifestOwner string
}

func (o *Options) applyDefaults() {
	if o.DefaultMemoryMB <= 0 {
		o.DefaultMemoryMB = DefaultMemoryMB
	}
	if o.DefaultTimeoutSeconds <= 0 {
		o.DefaultTimeoutSeconds = DefaultTimeoutSeconds
	}
	if o.ManifestOwner == "" {
		o.ManifestOwner = "local"
	}
}

// Service validates and stores function definitions.
type Service struct {
	store       *Store
	validator   Validator
	invalidator functions.Invalidator
	opts        Options
}

var _ functions.ManifestDeployer = (*Service)(nil)

// NewService creates a deploy service. validator and invalidator may be nil,
// in which case code is not compiled and no cache is notified.
func NewService(store *Store, validator Validator, invalidator functions.Invalidator, opts Options) *Service {
	opts.applyDefaults()
	return &Service{
		store:       store,
		validator:   validator,
		invalidator: invalidator,
		opts:        opts,
	}
}

// Store returns the underlying function store.
func (s *Service) Store() *Store {
	return s.store
}

// Deploy validates req and stores it as a new function of ownerID.
func (s *Service) Deploy(ctx context.Context, req *DeployRequest, ownerID string) (*DeployResponse, error) {
	def, err := s.decode(req)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, def); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fn := def.record(uuid.New().String(), ownerID)
	stamp(fn, now)

	if err := s.store.Create(ctx, fn); err != nil {
		return nil, err
	}

	log.Info().
		Str("function_id", fn.ID).
		Str("name", fn.Name).
		Str("owner_id", ownerID).
		Str("runtime", string(fn.Runtime)).
		Msg("Function deployed")

	return response(fn), nil
}

// Update replaces the definition of an existing function. Its active state
// is kept. The compiled module for the function is invalidated.
func (s *Service) Update(ctx context.Context, id string, req *DeployRequest) (*DeployResponse, error) {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	def, err := s.decode(req)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, def); err != nil {
		return nil, err
	}
	def.active = existing.IsActive

	fn := def.record(id, existing.OwnerID)
	fn.CreatedAt = existing.CreatedAt
	stamp(fn, time.Now().UTC())

	if err := s.store.Update(ctx, fn); err != nil {
		return nil, err
	}
	s.invalidate(id)

	log.Info().Str("function_id", id).Str("name", fn.Name).Msg("Function updated")

	return response(fn), nil
}

// Delete removes a function and evicts its compiled module.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(id)

	log.Info().Str("function_id", id).Msg("Function deleted")
	return nil
}

// SetActive enables or disables invocation of a function.
func (s *Service) SetActive(ctx context.Context, id string, active bool) error {
	if err := s.store.SetActive(ctx, id, active); err != nil {
		return err
	}
	if !active {
		s.invalidate(id)
	}
	return nil
}

// Get returns a function's metadata.
func (s *Service) Get(ctx context.Context, id string) (*Function, error) {
	return s.store.Get(ctx, id)
}

// List returns the functions of ownerID, or all functions when ownerID is
// empty.
func (s *Service) List(ctx context.Context, ownerID string) ([]*Function, error) {
	return s.store.List(ctx, ownerID)
}

// DeployManifest fetches the code a manifest points to and creates or
// replaces the function with the manifest's name.
func (s *Service) DeployManifest(ctx context.Context, m *functions.Manifest) (*functions.FunctionRecord, error) {
	if s.opts.Source == nil {
		return nil, errors.New("no code source configured")
	}

	code, err := s.opts.Source.Fetch(ctx, m.CodeURI())
	if err != nil {
		return nil, fmt.Errorf("fetching code for %s: %w", m.Name, err)
	}

	def := &definition{
		name:        m.Name,
		runtime:     m.RuntimeKind(),
		code:        code,
		entryPoint:  m.Entry(),
		environment: maps.Clone(m.Env),
		memoryMB:    m.MemoryMB(),
		timeoutSecs: m.TimeoutSeconds(),
		active:      m.IsActive(),
	}
	if def.memoryMB == 0 {
		def.memoryMB = s.opts.DefaultMemoryMB
	}
	if def.timeoutSecs == 0 {
		def.timeoutSecs = s.opts.DefaultTimeoutSeconds
	}
	if err := s.validate(ctx, def); err != nil {
		return nil, err
	}

	owner := s.opts.ManifestOwner
	now := time.Now().UTC()

	existing, err := s.store.FindByName(ctx, owner, m.Name)
	switch {
	case err == nil:
		fn := def.record(existing.ID, owner)
		fn.CreatedAt = existing.CreatedAt
		stamp(fn, now)
		if err := s.store.Update(ctx, fn); err != nil {
			return nil, err
		}
		s.invalidate(fn.ID)
		log.Info().Str("function_id", fn.ID).Str("name", fn.Name).Str("dir", m.Dir).Msg("Function redeployed from manifest")
		return fn, nil

	case errors.Is(err, functions.ErrNotFound):
		fn := def.record(uuid.New().String(), owner)
		stamp(fn, now)
		if err := s.store.Create(ctx, fn); err != nil {
			return nil, err
		}
		log.Info().Str("function_id", fn.ID).Str("name", fn.Name).Str("dir", m.Dir).Msg("Function deployed from manifest")
		return fn, nil

	default:
		return nil, err
	}
}

func (s *Service) decode(req *DeployRequest) (*definition, error) {
	if req == nil {
		return nil, functions.ValidationError("request body is required")
	}

	runtime, err := functions.ParseRuntimeKind(req.Runtime)
	if err != nil {
		return nil, functions.ValidationError("%s", err.Error())
	}

	def := &definition{
		name:        strings.TrimSpace(req.Name),
		runtime:     runtime,
		entryPoint:  strings.TrimSpace(req.EntryPoint),
		environment: maps.Clone(req.Environment),
		memoryMB:    s.opts.DefaultMemoryMB,
		timeoutSecs: s.opts.DefaultTimeoutSeconds,
		active:      true,
	}

	if req.Code == "" {
		return nil, functions.ValidationError("code is required")
	}
	if runtime == functions.RuntimeWasm {
		def.code, err = base64.StdEncoding.DecodeString(req.Code)
		if err != nil {
			return nil, functions.ValidationError("code is not valid base64: %v", err)
		}
	} else {
		def.code = []byte(req.Code)
	}

	if req.MemoryLimitMB != nil {
		def.memoryMB = *req.MemoryLimitMB
	}
	if req.TimeoutSeconds != nil {
		def.timeoutSecs = *req.TimeoutSeconds
	}

	return def, nil
}

func (s *Service) validate(ctx context.Context, def *definition) error {
	if !namePattern.MatchString(def.name) {
		return functions.ValidationError("invalid function name %q", def.name)
	}
	if def.entryPoint == "" {
		def.entryPoint = defaultEntryPoint
	}
	for k := range def.environment {
		if !functions.ValidEnvName(k) {
			return functions.ValidationError("invalid environment variable name %q", k)
		}
	}
	if def.memoryMB <= 0 || (s.opts.MaxMemoryMB > 0 && def.memoryMB > s.opts.MaxMemoryMB) {
		return functions.ValidationError("memory_limit_mb must be between 1 and %d", s.opts.MaxMemoryMB)
	}
	if def.timeoutSecs <= 0 || (s.opts.MaxTimeoutSeconds > 0 && def.timeoutSecs > s.opts.MaxTimeoutSeconds) {
		return functions.ValidationError("timeout_seconds must be between 1 and %d", s.opts.MaxTimeoutSeconds)
	}

	if def.runtime != functions.RuntimeWasm || s.validator == nil {
		return nil
	}

	module, err := s.validator.Compile(ctx, def.code)
	if err != nil {
		return err
	}
	defer module.Close(ctx)

	if !module.HasExport(def.entryPoint) {
		return functions.ValidationError("module does not export %q", def.entryPoint)
	}
	return nil
}

func (s *Service) invalidate(id string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(id)
	}
}

func (d *definition) record(id, ownerID string) *functions.FunctionRecord {
	return &functions.FunctionRecord{
		ID:             id,
		Name:           d.name,
		OwnerID:        ownerID,
		Runtime:        d.runtime,
		Code:           d.code,
		CodeDigest:     functions.CodeDigest(d.code),
		EntryPoint:     d.entryPoint,
		Environment:    d.environment,
		MemoryLimitMB:  d.memoryMB,
		TimeoutSeconds: d.timeoutSecs,
		IsActive:       d.active,
	}
}

func response(fn *functions.FunctionRecord) *DeployResponse {
	return &DeployResponse{
		FunctionID: fn.ID,
		URL:        "/functions/" + fn.ID,
		CodeDigest: fn.CodeDigest,
		DeployedAt: fn.UpdatedAt,
	}
}
