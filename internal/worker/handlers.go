package worker

import (
	"context"
	"errors"
	"log"

	"github.com/dlcs/composite-handler/internal/pipeline"
	"github.com/dlcs/composite-handler/internal/queue"
)

// ProcessMemberHandler runs the full pipeline for one member task.
func ProcessMemberHandler(p *pipeline.Pipeline) Handler {
	return func(ctx context.Context, task queue.Task) error {
		if task.MemberID == "" {
			return errors.New("process_member task missing member_id")
		}
		return p.Process(ctx, task.MemberID, task.Auth)
	}
}

// CleanupHandler removes a member's scratch workspace. Removal is idempotent
// and its failure is logged, never recorded against the member.
func CleanupHandler(scratchDir string) Handler {
	return func(_ context.Context, task queue.Task) error {
		if task.MemberID == "" {
			return errors.New("cleanup_workspace task missing member_id")
		}
		if err := pipeline.RemoveWorkspace(scratchDir, task.MemberID); err != nil {
			log.Printf("cleanup workspace %s: %v", task.MemberID, err)
		}
		return nil
	}
}
