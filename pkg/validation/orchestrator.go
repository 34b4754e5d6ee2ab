package validation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"
)

// Check is one stage of validation
type Check interface {
	// Name is the stage the check runs in
	Name() Stage
	// Signals lists every signal the check reports
	Signals() []string
	// Run evaluates the input. An error means the check could not produce
	// its signals; they are then reported as failed.
	Run(ctx context.Context, in *Input) (*Report, error)
}

// Preflighter is implemented by checks that can recognize malformed input
// before any check runs
type Preflighter interface {
	Preflight(in *Input) error
}

// Policy selects the signals that decide compliance
type Policy struct {
	Required []string
}

// DefaultPolicy requires every signal except endpointReachable
func DefaultPolicy() Policy {
	var required []string
	for _, name := range AllSignals {
		if name != SignalEndpointReachable {
			required = append(required, name)
		}
	}
	return Policy{Required: required}
}

// Require returns a copy of p that also requires names
func (p Policy) Require(names ...string) Policy {
	out := Policy{Required: slices.Clone(p.Required)}
	for _, name := range names {
		if !slices.Contains(out.Required, name) {
			out.Required = append(out.Required, name)
		}
	}
	return out
}

// Waive returns a copy of p that no longer requires names
func (p Policy) Waive(names ...string) Policy {
	out := Policy{}
	for _, name := range p.Required {
		if !slices.Contains(names, name) {
			out.Required = append(out.Required, name)
		}
	}
	return out
}

// Orchestrator runs the checks and aggregates their signals
type Orchestrator struct {
	policy     Policy
	checks     []Check
	sequential bool
	logger     *slog.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithSequential runs the checks one after another in stage order
func WithSequential() Option {
	return func(o *Orchestrator) { o.sequential = true }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator creates an orchestrator running checks in the given order
func NewOrchestrator(policy Policy, checks []Check, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		policy: policy,
		checks: checks,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Policy returns the compliance policy
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// Validate runs every check over in. Validation failures are reported in the
// results, never as an error.
func (o *Orchestrator) Validate(ctx context.Context, in *Input) *ValidationResults {
	res := &ValidationResults{Trace: []Stage{StageStart}}
	reports := make([]*Report, len(o.checks))
	errs := make([]error, len(o.checks))

	if err := o.preflight(in); err != nil {
		res.Aborted = true
		res.Errors = append(res.Errors, err)
		o.logger.Debug("validation aborted", "error", err)
		for i := range o.checks {
			errs[i] = fmt.Errorf("aborted: %w", err)
		}
	} else {
		o.run(ctx, in, reports, errs)
		for _, c := range o.checks {
			res.Trace = append(res.Trace, c.Name())
		}
	}

	res.Trace = append(res.Trace, StageAggregate)
	o.aggregate(res, in, reports, errs)
	res.Trace = append(res.Trace, StageDone)
	return res
}

func (o *Orchestrator) preflight(in *Input) error {
	if in == nil {
		return fmt.Errorf("%w: nil input", ErrMissingInput)
	}
	for _, c := range o.checks {
		if p, ok := c.(Preflighter); ok {
			if err := p.Preflight(in); err != nil {
				return err
			}
		}
	}
	return nil
}

// run executes the checks. Each check writes only its own slot, and a failing
// check never cancels the others.
func (o *Orchestrator) run(ctx context.Context, in *Input, reports []*Report, errs []error) {
	if o.sequential {
		for i, c := range o.checks {
			reports[i], errs[i] = runCheck(ctx, c, in)
		}
		return
	}

	var g errgroup.Group
	for i, c := range o.checks {
		i, c := i, c
		g.Go(func() error {
			reports[i], errs[i] = runCheck(ctx, c, in)
			return nil
		})
	}
	_ = g.Wait()
}

func runCheck(ctx context.Context, c Check, in *Input) (report *Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			report, err = nil, fmt.Errorf("%s panicked: %v", c.Name(), r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Run(ctx, in)
}

func (o *Orchestrator) aggregate(res *ValidationResults, in *Input, reports []*Report, errs []error) {
	signals := make(map[string]Signal)
	discoverySignals(signals, in)

	for i, c := range o.checks {
		if errs[i] != nil {
			for _, name := range c.Signals() {
				signals[name] = Signal{Name: name, Detail: errs[i].Error()}
			}
			if !res.Aborted {
				res.Errors = appendDistinct(res.Errors, errs[i])
				o.logger.Warn("validation check failed", "stage", c.Name(), "error", errs[i])
			}
			continue
		}
		report := reports[i]
		for _, name := range c.Signals() {
			signals[name] = Signal{Name: name, Detail: "not reported"}
		}
		for _, s := range report.Signals {
			signals[s.Name] = s
		}
		if report.Err != nil {
			res.Errors = append(res.Errors, report.Err)
		}
		if report.SignatureStep != "" {
			res.SignatureFailedStep = report.SignatureStep
		}
		res.Revocation = append(res.Revocation, report.Revocation...)
	}

	for _, name := range AllSignals {
		if s, ok := signals[name]; ok {
			res.Signals = append(res.Signals, s)
			res.setFlag(s)
			delete(signals, name)
		}
	}
	// signals of custom checks follow the built-in ones
	for _, c := range o.checks {
		for _, name := range c.Signals() {
			if s, ok := signals[name]; ok {
				res.Signals = append(res.Signals, s)
				delete(signals, name)
			}
		}
	}

	res.OverallCompliant = !res.Aborted && len(o.policy.Required) > 0
	for _, name := range o.policy.Required {
		s, ok := res.Signal(name)
		if !ok || !s.Passed {
			res.OverallCompliant = false
		}
	}
}

// discoverySignals records the stages that happened before validation
func discoverySignals(signals map[string]Signal, in *Input) {
	dns := Signal{Name: SignalDNSResolved, Detail: "no publisher address"}
	smp := Signal{Name: SignalSMPAccessible, Detail: "no metadata"}
	if in != nil && in.Publisher != nil {
		dns = Signal{Name: SignalDNSResolved, Passed: true, Attempted: true, Detail: in.Publisher.BaseURL}
	}
	if in != nil && in.Metadata != nil {
		smp = Signal{Name: SignalSMPAccessible, Passed: true, Attempted: true, Detail: in.Metadata.URL}
	}
	signals[dns.Name] = dns
	signals[smp.Name] = smp
}

// appendDistinct skips an error already recorded by an earlier check, as
// happens when one malformed input fails several checks
func appendDistinct(errs []error, err error) []error {
	for _, e := range errs {
		if e.Error() == err.Error() {
			return errs
		}
	}
	return append(errs, err)
}
