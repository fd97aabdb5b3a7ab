package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnkhanh/recallai-backend/logger"
	"github.com/vnkhanh/recallai-backend/models"
)

const (
	DefaultPipelineTimeout = 9 * time.Minute

	// a claim outlives the run deadline so a live run is never claimed twice
	claimLeaseMargin = time.Minute
)

type Outcome string

const (
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoCards   Outcome = "no_cards"
	OutcomeFailed    Outcome = "failed"
	OutcomeCompleted Outcome = "completed"
)

type ContentExtractor interface {
	Extract(ctx context.Context, target models.UploadTarget) (Payload, error)
}

// EventDeduper claims an event key for one run. Claim returns false while
// another run holds the key or after a run completed it. A claim that is
// neither completed nor released expires with its lease.
type EventDeduper interface {
	Claim(ctx context.Context, key string, lease time.Duration) (bool, error)
	Complete(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

type Result struct {
	Outcome Outcome
	Deck    *models.Deck
}

// Accepted is false only for uploads the validator refused.
func (r Result) Accepted() bool { return r.Outcome != OutcomeRejected }

type Pipeline struct {
	extractor ContentExtractor
	generator FlashcardGenerator
	persister *Persister
	dedupe    EventDeduper
	timeout   time.Duration
	log       *logger.Logger
	tracer    trace.Tracer
}

// NewPipeline wires one ingestion run per upload event. dedupe may be nil.
func NewPipeline(extractor ContentExtractor, generator FlashcardGenerator, persister *Persister, dedupe EventDeduper, timeout time.Duration, log *logger.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultPipelineTimeout
	}
	return &Pipeline{
		extractor: extractor,
		generator: generator,
		persister: persister,
		dedupe:    dedupe,
		timeout:   timeout,
		log:       log.With("component", "pipeline"),
		tracer:    otel.Tracer("recallai/pipeline"),
	}
}

func EventKey(ev models.UploadEvent) string {
	return fmt.Sprintf("%s/%s#%s", ev.Bucket, ev.Name, ev.Generation)
}

// Process runs validate, extract, generate and persist for one uploaded object.
// The returned error describes why a run did not produce a completed deck;
// failures after validation are already recorded on a failed deck.
func (p *Pipeline) Process(ctx context.Context, ev models.UploadEvent) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("object.bucket", ev.Bucket),
		attribute.String("object.name", ev.Name),
		attribute.Int64("object.size", ev.Size),
	))
	defer span.End()

	target, err := ValidateUpload(ev)
	if err != nil {
		p.log.Warn("upload rejected", "object", ev.Name, "content_type", ev.ContentType, "size", ev.Size, "error", err)
		span.SetAttributes(attribute.String("outcome", string(OutcomeRejected)))
		return Result{Outcome: OutcomeRejected}, err
	}
	log := p.log.With("object", ev.Name, "user_id", target.UserID, "kind", string(target.Kind))

	key := EventKey(ev)
	claimed := false
	if p.dedupe != nil {
		first, err := p.dedupe.Claim(ctx, key, p.timeout+claimLeaseMargin)
		switch {
		case err != nil:
			log.Warn("event dedupe unavailable, processing anyway", "error", err)
		case !first:
			log.Info("duplicate event ignored", "key", key)
			span.SetAttributes(attribute.String("outcome", string(OutcomeDuplicate)))
			return Result{Outcome: OutcomeDuplicate}, nil
		default:
			claimed = true
		}
	}
	if claimed {
		defer func() {
			if r := recover(); r != nil {
				p.settleClaim(ctx, key, false, log)
				panic(r)
			}
		}()
	}

	res, err := p.run(ctx, span, target, log)
	if claimed {
		p.settleClaim(ctx, key, true, log)
	}
	return res, err
}

// run is everything after validation and dedupe; every return is a final outcome.
func (p *Pipeline) run(ctx context.Context, span trace.Span, target models.UploadTarget, log *logger.Logger) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()

	payload, err := p.extract(ctx, target)
	if err != nil {
		log.Warn("extraction failed", "error", err)
		return p.fail(ctx, span, target, "extract", err)
	}

	gen, err := p.generate(ctx, payload)
	if errors.Is(err, ErrNoFlashcards) {
		log.Warn("ai service returned no flashcards; no deck written")
		span.SetAttributes(attribute.String("outcome", string(OutcomeNoCards)))
		return Result{Outcome: OutcomeNoCards}, err
	}
	if err != nil {
		log.Error("flashcard generation failed", "error", err)
		return p.fail(ctx, span, target, "generate", err)
	}

	deck, err := p.persister.SaveCompleted(ctx, target, payload, gen)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist")
		return Result{Outcome: OutcomeFailed}, err
	}

	log.Info("upload processed", "deck_id", deck.ID, "cards", deck.TotalCards, "elapsed_ms", time.Since(start).Milliseconds())
	span.SetAttributes(attribute.String("outcome", string(OutcomeCompleted)), attribute.Int("cards", deck.TotalCards))
	return Result{Outcome: OutcomeCompleted, Deck: deck}, nil
}

// settleClaim keeps the key after a final outcome and frees it after a crash
// so the redelivered event runs again.
func (p *Pipeline) settleClaim(ctx context.Context, key string, done bool, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	var err error
	if done {
		err = p.dedupe.Complete(ctx, key)
	} else {
		err = p.dedupe.Release(ctx, key)
	}
	if err != nil {
		log.Warn("event dedupe update failed", "key", key, "completed", done, "error", err)
	}
}

func (p *Pipeline) extract(ctx context.Context, target models.UploadTarget) (Payload, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.extract")
	defer span.End()
	payload, err := p.extractor.Extract(ctx, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extract")
	}
	return payload, err
}

func (p *Pipeline) generate(ctx context.Context, payload Payload) (Generation, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.generate", trace.WithAttributes(attribute.String("kind", string(payload.Kind))))
	defer span.End()

	var (
		gen Generation
		err error
	)
	switch payload.Kind {
	case models.SourceDocuments:
		gen, err = p.generator.GenerateFromText(ctx, payload.Text)
	case models.SourceAudio:
		gen, err = p.generator.GenerateFromAudio(ctx, AudioInput{
			Data:        payload.Audio,
			Filename:    payload.Filename,
			ContentType: payload.ContentType,
			Language:    payload.Language,
		})
	default:
		err = fmt.Errorf("unsupported source kind %q", payload.Kind)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate")
		return Generation{}, err
	}
	span.SetAttributes(attribute.Int("cards", len(gen.Cards)))
	return gen, nil
}

func (p *Pipeline) fail(ctx context.Context, span trace.Span, target models.UploadTarget, stage string, cause error) (Result, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, stage)
	span.SetAttributes(attribute.String("outcome", string(OutcomeFailed)))

	// a run that hit its deadline still gets its failure recorded
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	deck, err := p.persister.SaveFailed(writeCtx, target, stage, cause)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, errors.Join(cause, err)
	}
	return Result{Outcome: OutcomeFailed, Deck: deck}, cause
}
