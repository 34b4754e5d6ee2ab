package lookup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sirosfoundation/go-peppol/pkg/discovery"
	"github.com/sirosfoundation/go-peppol/pkg/identifier"
	"github.com/sirosfoundation/go-peppol/pkg/validation"
)

// Request is an inbound lookup request
type Request struct {
	ParticipantID  string `json:"participantId"`
	DocumentTypeID string `json:"documentTypeId"`
	// ProcessID is optional
	ProcessID   string `json:"processId,omitempty"`
	Environment string `json:"environment"`
}

// Timings holds the time spent in each stage
type Timings struct {
	Parse      time.Duration `json:"parse"`
	DNS        time.Duration `json:"dns"`
	SMP        time.Duration `json:"smp"`
	Validation time.Duration `json:"validation"`
	Total      time.Duration `json:"total"`
}

// Result is the outcome of one lookup. It is not modified after Lookup returns.
type Result struct {
	RequestID string  `json:"requestId"`
	Request   Request `json:"request"`
	// Validation is always set; signals of stages that never ran are not attempted
	Validation *validation.ValidationResults `json:"validation"`
	// Endpoint is set only when the endpoint is compliant
	Endpoint *discovery.Endpoint `json:"endpoint,omitempty"`
	// PublisherURL is the SMP base URL, when resolution succeeded
	PublisherURL string  `json:"publisherUrl,omitempty"`
	Timings      Timings `json:"timings"`
	// Errors are in stage order
	Errors      []*Error  `json:"errors,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// Compliant reports whether a trustworthy endpoint was found
func (r *Result) Compliant() bool {
	return r.Endpoint != nil && r.Validation != nil && r.Validation.OverallCompliant
}

// HasCode reports whether any error carries code
func (r *Result) HasCode(code ErrorCode) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Resolver locates the metadata publisher. *discovery.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, pid identifier.ParticipantID, env identifier.Environment) (*discovery.PublisherAddress, error)
}

// MetadataClient fetches service metadata. *discovery.SMPClient implements it.
type MetadataClient interface {
	Query(ctx context.Context, baseURL string, pid identifier.ParticipantID, docID identifier.DocumentTypeID, procID identifier.ProcessID) (*discovery.MetadataDocument, error)
}

// Validator judges a discovery result. *validation.Orchestrator implements it.
type Validator interface {
	Validate(ctx context.Context, in *validation.Input) *validation.ValidationResults
}

// Recorder receives lookup measurements
type Recorder interface {
	ObserveStage(stage Stage, d time.Duration)
	ObserveLookup(outcome string, d time.Duration)
	CountError(stage Stage, code ErrorCode)
}

// Lookup outcomes passed to Recorder.ObserveLookup
const (
	OutcomeCompliant    = "compliant"
	OutcomeNonCompliant = "non_compliant"
	OutcomeFailed       = "failed"
)

// Config holds lookup configuration
type Config struct {
	// Timeout is applied when the caller's context has no deadline
	Timeout time.Duration
	// PreferredTransports orders transport profiles for endpoint selection
	PreferredTransports []string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Timeout:             30 * time.Second,
		PreferredTransports: discovery.DefaultPreferredTransports,
	}
}

// Service runs lookups. It is safe for concurrent use.
type Service struct {
	codec     *identifier.Codec
	resolver  Resolver
	metadata  MetadataClient
	validator Validator
	config    *Config

	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRecorder sets the measurement recorder
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithTracer sets the tracer. The global otel tracer is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock sets the time source used for endpoint selection and timings
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a lookup service
func NewService(codec *identifier.Codec, resolver Resolver, metadata MetadataClient, validator Validator, config *Config, opts ...Option) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Service{
		codec:     codec,
		resolver:  resolver,
		metadata:  metadata,
		validator: validator,
		config:    config,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:    otel.Tracer("github.com/sirosfoundation/go-peppol/lookup"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type parsedRequest struct {
	participant identifier.ParticipantID
	document    identifier.DocumentTypeID
	process     identifier.ProcessID
	env         identifier.Environment
}

// run carries the state of one lookup
type run struct {
	*Service
	ctx    context.Context
	span   trace.Span
	logger *slog.Logger
	result *Result
	input  *validation.Input
	stage  Stage
}

// Lookup resolves, fetches and validates the endpoint for req. It never
// returns nil; failures are listed in Result.Errors.
func (s *Service) Lookup(ctx context.Context, req Request) *Result {
	start := s.now()
	id := uuid.NewString()

	if _, ok := ctx.Deadline(); !ok && s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "peppol.lookup", trace.WithAttributes(
		attribute.String("lookup.request_id", id),
		attribute.String("peppol.participant", req.ParticipantID),
		attribute.String("peppol.environment", req.Environment),
	))
	defer span.End()

	r := &run{
		Service: s,
		ctx:     ctx,
		span:    span,
		logger:  s.logger.With("request_id", id, "participant", req.ParticipantID),
		result:  &Result{RequestID: id, Request: req},
		input:   &validation.Input{},
		stage:   StageParse,
	}
	r.execute()

	res := r.result
	if res.Validation == nil {
		res.Validation = validation.NotAttempted(r.input, r.notAttemptedReason())
	}
	res.CompletedAt = s.now()
	res.Timings.Total = res.CompletedAt.Sub(start)

	outcome := OutcomeNonCompliant
	switch {
	case res.Compliant():
		outcome = OutcomeCompliant
	case res.HasCode(CodeTimeoutExceeded), len(res.Errors) > 0 && res.Errors[0].Stage != StageValidation:
		outcome = OutcomeFailed
	}
	span.SetAttributes(attribute.String("lookup.outcome", outcome))
	if s.recorder != nil {
		s.recorder.ObserveLookup(outcome, res.Timings.Total)
	}
	r.logger.Info("lookup completed", "outcome", outcome, "duration", res.Timings.Total)
	return res
}

func (r *run) execute() {
	defer func() {
		if p := recover(); p != nil {
			r.fail(r.stage, fmt.Errorf("panic: %v", p))
		}
	}()

	parsed, ok := r.parse()
	if !ok {
		return
	}
	r.input.Environment = parsed.env

	r.stage = StageDirectory
	publisher, ok := r.resolve(parsed)
	if !ok {
		return
	}
	r.input.Publisher = publisher
	r.result.PublisherURL = publisher.BaseURL

	r.stage = StageMetadata
	doc, ok := r.query(parsed, publisher)
	if !ok {
		return
	}
	r.input.Metadata = doc

	r.stage = StageSelection
	endpoint, ok := r.selectEndpoint(parsed, doc)
	if !ok {
		return
	}
	r.input.Endpoint = endpoint

	r.stage = StageValidation
	r.validate(endpoint)
}

func (r *run) parse() (*parsedRequest, bool) {
	start := r.now()
	defer func() { r.observe(StageParse, &r.result.Timings.Parse, start) }()

	var (
		p    parsedRequest
		errs []error
		err  error
	)
	if p.participant, err = r.codec.Canonicalize(identifier.KindParticipant, r.result.Request.ParticipantID); err != nil {
		errs = append(errs, err)
	}
	if p.document, err = r.codec.Canonicalize(identifier.KindDocument, r.result.Request.DocumentTypeID); err != nil {
		errs = append(errs, err)
	}
	if r.result.Request.ProcessID != "" {
		if p.process, err = r.codec.Canonicalize(identifier.KindProcess, r.result.Request.ProcessID); err != nil {
			errs = append(errs, err)
		}
	}
	if p.env, err = identifier.ParseEnvironment(r.result.Request.Environment); err != nil {
		errs = append(errs, err)
	}
	for _, err := range errs {
		r.fail(StageParse, err)
	}
	return &p, len(errs) == 0
}

func (r *run) resolve(p *parsedRequest) (*discovery.PublisherAddress, bool) {
	start := r.now()
	defer func() { r.observe(StageDirectory, &r.result.Timings.DNS, start) }()

	ctx, span := r.tracer.Start(r.ctx, "peppol.sml.resolve")
	defer span.End()

	publisher, err := r.resolver.Resolve(ctx, p.participant, p.env)
	if err != nil {
		recordSpanError(span, err)
		r.fail(StageDirectory, err)
		return nil, false
	}
	span.SetAttributes(attribute.String("peppol.smp", publisher.BaseURL))
	return publisher, true
}

func (r *run) query(p *parsedRequest, publisher *discovery.PublisherAddress) (*discovery.MetadataDocument, bool) {
	start := r.now()
	defer func() { r.observe(StageMetadata, &r.result.Timings.SMP, start) }()

	ctx, span := r.tracer.Start(r.ctx, "peppol.smp.query")
	defer span.End()

	doc, err := r.metadata.Query(ctx, publisher.BaseURL, p.participant, p.document, p.process)
	if err != nil {
		recordSpanError(span, err)
		r.fail(StageMetadata, err)
		return nil, false
	}
	span.SetAttributes(attribute.String("peppol.smp.url", doc.URL), attribute.Bool("peppol.smp.redirected", doc.Redirected))
	return doc, true
}

func (r *run) selectEndpoint(p *parsedRequest, doc *discovery.MetadataDocument) (*discovery.Endpoint, bool) {
	processID := ""
	if !p.process.IsZero() {
		processID = p.process.String()
	}
	endpoints := doc.EndpointsFor(processID)
	if len(endpoints) == 0 {
		err := fmt.Errorf("%w: %s", discovery.ErrProcessNotFound, p.document)
		if processID != "" {
			err = fmt.Errorf("%w: %s for %s", discovery.ErrProcessNotFound, processID, p.document)
		}
		r.fail(StageSelection, err)
		return nil, false
	}
	return discovery.SelectEndpoint(endpoints, r.config.PreferredTransports, r.now()), true
}

func (r *run) validate(endpoint *discovery.Endpoint) {
	start := r.now()
	defer func() { r.observe(StageValidation, &r.result.Timings.Validation, start) }()

	ctx, span := r.tracer.Start(r.ctx, "peppol.validate")
	defer span.End()

	results := r.validator.Validate(ctx, r.input)
	for _, err := range results.Errors {
		r.fail(StageValidation, err)
	}
	if err := r.ctx.Err(); err != nil {
		results.OverallCompliant = false
		if !r.result.HasCode(CodeTimeoutExceeded) {
			r.fail(StageValidation, err)
		}
	}
	span.SetAttributes(attribute.Bool("peppol.compliant", results.OverallCompliant))

	r.result.Validation = results
	if results.OverallCompliant {
		r.result.Endpoint = endpoint
	} else {
		r.logger.Info("endpoint not compliant", "endpoint", endpoint.URL, "failed", results.Failed())
	}
}

// fail records err. User-facing outcomes are logged at Info, failures of
// this system or its peers at Warn, unclassified errors at Error.
func (r *run) fail(stage Stage, err error) {
	e := classify(r.ctx, stage, err)
	r.result.Errors = append(r.result.Errors, e)
	r.span.AddEvent("lookup.error", trace.WithAttributes(
		attribute.String("lookup.stage", string(stage)),
		attribute.String("lookup.code", string(e.Code)),
	))
	if r.recorder != nil {
		r.recorder.CountError(stage, e.Code)
	}

	switch {
	case e.Code.UserFacing():
		r.logger.Info("lookup rejected", "stage", stage, "code", e.Code, "reason", e.Message)
	case e.Code == CodeInternal:
		r.logger.Error("lookup failed", "stage", stage, "code", e.Code, "error", err)
	default:
		r.logger.Warn("lookup failed", "stage", stage, "code", e.Code, "error", err)
	}
}

func (r *run) observe(stage Stage, into *time.Duration, start time.Time) {
	*into = r.now().Sub(start)
	if r.recorder != nil {
		r.recorder.ObserveStage(stage, *into)
	}
}

func (r *run) notAttemptedReason() string {
	if len(r.result.Errors) == 0 {
		return "not attempted"
	}
	return fmt.Sprintf("not attempted: %s failed", r.result.Errors[0].Stage)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
