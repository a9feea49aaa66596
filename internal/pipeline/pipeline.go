// Package pipeline implements the member-processing state machine: a member
// job moves fetch → rasterize → upload → build → ingest with every transition
// persisted before the next stage runs, so a polling reader never observes
// stages out of order.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dlcs/composite-handler/internal/config"
	"github.com/dlcs/composite-handler/internal/dlcs"
	"github.com/dlcs/composite-handler/internal/models"
	"github.com/dlcs/composite-handler/internal/queue"
	"github.com/dlcs/composite-handler/internal/telemetry"
)

// Fetcher downloads a source document into a workspace.
type Fetcher interface {
	Fetch(ctx context.Context, ws *Workspace, sourceURI string) (string, error)
}

// Rasterizer converts a source document into ordered page images.
type Rasterizer interface {
	Rasterize(ctx context.Context, ws *Workspace, sourcePath string) ([]string, error)
}

// Uploader pushes page images to object storage, preserving input order.
type Uploader interface {
	Upload(ctx context.Context, memberID string, paths []string) ([]string, error)
}

// Ingestor submits one batch to the downstream DLCS queue.
type Ingestor interface {
	Ingest(ctx context.Context, customer int, batch dlcs.IngestRequest, auth string) (dlcs.BatchAck, error)
}

// Recorder is the slice of the store the pipeline writes through.
type Recorder interface {
	GetMember(ctx context.Context, id string) (models.Member, error)
	GetCollection(ctx context.Context, id string) (models.Collection, error)
	UpdateMemberStatus(ctx context.Context, id, status string) error
	SetMemberImageCount(ctx context.Context, id string, count int) error
	MarkMemberError(ctx context.Context, id, message string) error
	MarkMemberCompleted(ctx context.Context, id string) error
	AppendBatch(ctx context.Context, memberID, dlcsID, uri string, response map[string]any) (models.Batch, error)
	AppendEvent(ctx context.Context, memberID, event, detail string) error
}

// TaskSubmitter schedules fire-and-forget follow-up tasks.
type TaskSubmitter interface {
	Submit(ctx context.Context, task queue.Task, priority string, runAt time.Time) error
}

// Pipeline sequences the processing stages for one member job. Stages never
// overlap within a job; the uploader's pool is the only internal concurrency.
type Pipeline struct {
	cfg        config.Config
	store      Recorder
	fetcher    Fetcher
	rasterizer Rasterizer
	uploader   Uploader
	ingestor   Ingestor
	tasks      TaskSubmitter
}

// New wires a pipeline from its collaborators.
func New(cfg config.Config, store Recorder, fetcher Fetcher, rasterizer Rasterizer, uploader Uploader, ingestor Ingestor, tasks TaskSubmitter) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      store,
		fetcher:    fetcher,
		rasterizer: rasterizer,
		uploader:   uploader,
		ingestor:   ingestor,
		tasks:      tasks,
	}
}

// Process runs the full stage sequence for one member. Any stage error marks
// the member ERROR and skips the remaining stages; workspace cleanup is
// scheduled on every exit path, panics included. Errors are terminal: the
// pipeline never retries a member on its own.
func (p *Pipeline) Process(ctx context.Context, memberID, auth string) error {
	member, err := p.store.GetMember(ctx, memberID)
	if err != nil {
		return fmt.Errorf("load member: %w", err)
	}
	if models.Terminal(member.Status) {
		// Redelivered task for a finished member; at-least-once dispatch.
		return nil
	}

	collection, err := p.store.GetCollection(ctx, member.CollectionID)
	if err != nil {
		return fmt.Errorf("load collection: %w", err)
	}

	defer p.scheduleCleanup(memberID)

	ws, err := OpenWorkspace(p.cfg.ScratchDir, memberID)
	if err != nil {
		return p.fail(ctx, memberID, err)
	}

	if err := p.transition(ctx, memberID, models.StatusFetchingOrigin); err != nil {
		return p.fail(ctx, memberID, err)
	}
	sourcePath, err := p.runFetch(ctx, ws, member.Template.Origin)
	if err != nil {
		return p.fail(ctx, memberID, err)
	}

	if err := p.transition(ctx, memberID, models.StatusRasterizing); err != nil {
		return p.fail(ctx, memberID, err)
	}
	images, err := p.runRasterize(ctx, ws, sourcePath)
	if err != nil {
		return p.fail(ctx, memberID, err)
	}
	if err := p.store.SetMemberImageCount(ctx, memberID, len(images)); err != nil {
		return p.fail(ctx, memberID, fmt.Errorf("record image count: %w", err))
	}

	if err := p.transition(ctx, memberID, models.StatusPushingToDLCS); err != nil {
		return p.fail(ctx, memberID, err)
	}
	uris, err := p.runUpload(ctx, memberID, images)
	if err != nil {
		return p.fail(ctx, memberID, err)
	}

	if err := p.transition(ctx, memberID, models.StatusBuildingDLCSRequest); err != nil {
		return p.fail(ctx, memberID, err)
	}
	builder := NewRequestBuilder(member.Template, p.cfg.DLCSBatchSize)
	for _, uri := range uris {
		builder.AddImage(uri)
	}
	requests := builder.Build()

	if err := p.transition(ctx, memberID, models.StatusSubmitting); err != nil {
		return p.fail(ctx, memberID, err)
	}
	for i, request := range requests {
		ack, err := p.runIngest(ctx, collection.Customer, request, auth)
		if err != nil {
			return p.fail(ctx, memberID, err)
		}
		if _, err := p.store.AppendBatch(ctx, memberID, ack.ID, ack.URI, ack.Response); err != nil {
			return p.fail(ctx, memberID, fmt.Errorf("record batch %d: %w", i+1, err))
		}
		telemetry.BatchesSubmitted.Inc()
	}

	if err := p.store.MarkMemberCompleted(ctx, memberID); err != nil {
		return p.fail(ctx, memberID, fmt.Errorf("mark completed: %w", err))
	}
	_ = p.store.AppendEvent(ctx, memberID, "status", models.StatusCompleted)
	telemetry.MembersCompleted.Inc()
	return nil
}

func (p *Pipeline) runFetch(ctx context.Context, ws *Workspace, origin string) (string, error) {
	stageCtx, cancel := p.stageContext(ctx)
	defer cancel()
	return p.fetcher.Fetch(stageCtx, ws, origin)
}

func (p *Pipeline) runRasterize(ctx context.Context, ws *Workspace, sourcePath string) ([]string, error) {
	stageCtx, cancel := p.stageContext(ctx)
	defer cancel()
	return p.rasterizer.Rasterize(stageCtx, ws, sourcePath)
}

func (p *Pipeline) runUpload(ctx context.Context, memberID string, images []string) ([]string, error) {
	stageCtx, cancel := p.stageContext(ctx)
	defer cancel()
	return p.uploader.Upload(stageCtx, memberID, images)
}

func (p *Pipeline) runIngest(ctx context.Context, customer int, request dlcs.IngestRequest, auth string) (dlcs.BatchAck, error) {
	stageCtx, cancel := p.stageContext(ctx)
	defer cancel()
	return p.ingestor.Ingest(stageCtx, customer, request, auth)
}

// stageContext bounds each stage so a hung collaborator cannot hold a member
// open forever.
func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.StageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.StageTimeout)
}

// transition durably records the new status before the next stage may run.
func (p *Pipeline) transition(ctx context.Context, memberID, status string) error {
	if err := p.store.UpdateMemberStatus(ctx, memberID, status); err != nil {
		return fmt.Errorf("transition to %s: %w", status, err)
	}
	_ = p.store.AppendEvent(ctx, memberID, "status", status)
	return nil
}

// fail records the terminal ERROR state with the stage's message, verbatim.
func (p *Pipeline) fail(ctx context.Context, memberID string, stageErr error) error {
	if err := p.store.MarkMemberError(ctx, memberID, stageErr.Error()); err != nil {
		log.Printf("member %s: record error state: %v", memberID, err)
	}
	_ = p.store.AppendEvent(ctx, memberID, "error", stageErr.Error())
	telemetry.MembersErrored.Inc()
	return stageErr
}

// scheduleCleanup submits the workspace cleanup task. It runs out-of-band at
// low priority and its failure never changes the member's recorded outcome.
func (p *Pipeline) scheduleCleanup(memberID string) {
	task := queue.Task{Type: queue.TaskCleanupWorkspace, MemberID: memberID}
	runAt := time.Now().Add(p.cfg.CleanupDelay)
	// Fresh context: the member's own context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.tasks.Submit(ctx, task, "low", runAt); err != nil {
		log.Printf("member %s: schedule cleanup: %v", memberID, err)
	}
}
