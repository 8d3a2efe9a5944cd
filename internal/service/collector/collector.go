// Package collector gathers per-dimension assessments for a subject by
// fanning out one model invocation per active dimension.
//
// Failures degrade per dimension: a model call that errors, times out, or
// returns an unparseable body removes that dimension from the current run
// and never aborts the whole collection. Only zero successes is a no-data
// outcome.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/halcyon-ai/vigil/internal/llm"
	"github.com/halcyon-ai/vigil/internal/model"
	"github.com/halcyon-ai/vigil/internal/service/aggregate"
	"github.com/halcyon-ai/vigil/internal/service/registry"
	"github.com/halcyon-ai/vigil/internal/storage"
	"github.com/halcyon-ai/vigil/internal/telemetry"
)

// DimensionFailure records why one dimension produced no assessment.
type DimensionFailure struct {
	Slug string
	Err  error
}

// Collection is the outcome of one collection pass. Failures are carried
// alongside the successes, not returned as an error: partial failure is a
// normal state.
type Collection struct {
	Assessments []model.Assessment
	Dimensions  []model.Dimension // dimensions that produced an assessment, index-aligned
	Failures    []DimensionFailure
}

// Collector fans out assessment calls for a subject.
type Collector struct {
	registry *registry.Registry
	provider llm.Provider
	logger   *slog.Logger

	model   string
	fanOut  int
	timeout time.Duration

	invokeDuration metric.Float64Histogram
	failureCount   metric.Int64Counter
}

// New creates a collector. fanOut bounds concurrent model calls per subject;
// timeout applies to each call individually.
func New(reg *registry.Registry, provider llm.Provider, assessModel string, fanOut int, timeout time.Duration, logger *slog.Logger) *Collector {
	meter := telemetry.Meter("vigil/collector")
	invDur, _ := meter.Float64Histogram("vigil.assess.duration",
		metric.WithDescription("Time per dimension assessment call (ms)"),
		metric.WithUnit("ms"),
	)
	failures, _ := meter.Int64Counter("vigil.assess.failures",
		metric.WithDescription("Dimension assessment failures"),
	)
	if fanOut < 1 {
		fanOut = 1
	}
	return &Collector{
		registry:       reg,
		provider:       provider,
		logger:         logger,
		model:          assessModel,
		fanOut:         fanOut,
		timeout:        timeout,
		invokeDuration: invDur,
		failureCount:   failures,
	}
}

// Collect assesses subject across all of its scope's active dimensions.
// Dimensions without an active context are skipped silently (not a failure).
// Returns aggregate.ErrNoData when zero dimensions succeed.
func (c *Collector) Collect(ctx context.Context, scope model.Scope, subject model.Subject, taskID uuid.UUID, f storage.TestFilter) (Collection, error) {
	dims, err := c.registry.ActiveDimensions(ctx, scope.ID, f)
	if err != nil {
		return Collection{}, fmt.Errorf("collector: list dimensions: %w", err)
	}
	if len(dims) == 0 {
		return Collection{}, fmt.Errorf("collector: scope %s has no active dimensions: %w", scope.ID, aggregate.ErrNoData)
	}

	type slot struct {
		assessment *model.Assessment
		dimension  model.Dimension
		failure    *DimensionFailure
	}
	slots := make([]slot, len(dims))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanOut)

	for i, dim := range dims {
		g.Go(func() error {
			a, skip, err := c.assessDimension(gctx, dim, subject, taskID)
			switch {
			case skip:
				// No active context. Not an error, not a failure.
			case err != nil:
				c.failureCount.Add(gctx, 1)
				c.logger.Warn("collector: dimension assessment failed",
					"subject", subject.Identifier, "dimension", dim.Slug, "error", err)
				slots[i] = slot{failure: &DimensionFailure{Slug: dim.Slug, Err: err}}
			default:
				slots[i] = slot{assessment: a, dimension: dim}
			}
			// Per-dimension failures never abort the group.
			return nil
		})
	}
	_ = g.Wait()

	var out Collection
	for _, s := range slots {
		if s.assessment != nil {
			out.Assessments = append(out.Assessments, *s.assessment)
			out.Dimensions = append(out.Dimensions, s.dimension)
		}
		if s.failure != nil {
			out.Failures = append(out.Failures, *s.failure)
		}
	}

	if len(out.Assessments) == 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		return out, fmt.Errorf("collector: no dimension produced an assessment for subject %s: %w",
			subject.Identifier, aggregate.ErrNoData)
	}
	return out, nil
}

// assessDimension runs one model call. skip=true means the dimension has no
// active context and is excluded without being a failure.
func (c *Collector) assessDimension(ctx context.Context, dim model.Dimension, subject model.Subject, taskID uuid.UUID) (*model.Assessment, bool, error) {
	dctx, err := c.registry.ActiveContext(ctx, dim.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("active context: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.provider.Invoke(callCtx, llm.InvokeRequest{
		System: buildSystemPrompt(dctx),
		User:   buildUserPrompt(subject),
		Model:  c.model,
	})
	c.invokeDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, false, fmt.Errorf("invoke: %w", err)
	}

	parsed, err := ParseAssessmentBody(resp.Content)
	if err != nil {
		return nil, false, err
	}

	a := model.Assessment{
		SubjectID:      subject.ID,
		DimensionID:    dim.ID,
		TaskID:         taskID,
		Score:          parsed.Score,
		Confidence:     parsed.Confidence,
		Rationale:      parsed.Rationale,
		Evidence:       parsed.Evidence,
		Model:          resp.Model,
		ContextVersion: dctx.Version,
		IsTest:         subject.IsTest,
		TestScenarioID: subject.TestScenarioID,
	}
	if err := a.Validate(); err != nil {
		return nil, false, err
	}
	return &a, false, nil
}

// AssessmentBody is the JSON shape every dimension context's output must
// satisfy.
type AssessmentBody struct {
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
	Evidence   []string `json:"evidence,omitempty"`
}

// ParseAssessmentBody decodes a model response into an assessment body.
// Markdown code fences around the JSON are tolerated; anything else
// unparseable is a dimension failure.
func ParseAssessmentBody(content string) (AssessmentBody, error) {
	var body AssessmentBody
	trimmed := stripFences(content)
	dec := json.NewDecoder(strings.NewReader(trimmed))
	if err := dec.Decode(&body); err != nil {
		return AssessmentBody{}, fmt.Errorf("parse assessment: %w", err)
	}
	return body, nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func buildSystemPrompt(dctx model.DimensionContext) string {
	var b strings.Builder
	b.WriteString(dctx.SystemInstructions)
	b.WriteString("\n\nRespond with a single JSON object: ")
	if len(dctx.OutputSchema) > 0 {
		b.Write(dctx.OutputSchema)
	} else {
		b.WriteString(`{"score": <0-100>, "confidence": <0-1>, "rationale": "<why>", "evidence": ["<supporting facts>"]}`)
	}
	for _, ex := range dctx.Examples {
		b.WriteString("\n\nExample input:\n")
		b.WriteString(ex.Input)
		b.WriteString("\nExample output:\n")
		b.WriteString(ex.Output)
	}
	return b.String()
}

func buildUserPrompt(subject model.Subject) string {
	desc := map[string]any{
		"identifier":   subject.Identifier,
		"subject_type": subject.SubjectType,
	}
	if subject.DisplayName != "" {
		desc["display_name"] = subject.DisplayName
	}
	if len(subject.Metadata) > 0 {
		desc["metadata"] = subject.Metadata
	}
	// Marshal of map[string]any with string/primitive values cannot fail.
	out, _ := json.Marshal(desc)
	return "Assess the following subject:\n" + string(out)
}
