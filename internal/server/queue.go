package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"annolab/internal/domain"
	"annolab/internal/engine"
	"annolab/internal/queue"
	"annolab/internal/repo"
)

// Worker endpoints over the task queue. External workers poll pending
// tasks and report their outcome here; the dispatcher is an in-process
// alternative for HTTP sinks.
func registerQueue(api huma.API, e engine.Engine, store queue.Store) {
	type TaskPath struct {
		TaskID int64 `path:"task_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/queue/tasks",
		Summary:     "List queue tasks",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:"pending,processing,done,failed,"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []queue.Task `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, input.ProjectID, domain.RoleManager); err != nil {
			return nil, handleError(err)
		}
		list, err := store.List(ctx, input.ProjectID, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []queue.Task `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/queue/tasks/{task_id}/claim",
		Summary:     "Claim a pending task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body queue.Task `json:"body"`
	}, error) {
		t, err := taskForManager(ctx, e, store, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		ok, err := store.Claim(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusConflict, "task_not_pending", "task is not pending", nil)
		}
		t, err = store.Get(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body queue.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/queue/tasks/{task_id}/complete",
		Summary:     "Mark a task done",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body queue.Task `json:"body"`
	}, error) {
		t, err := taskForManager(ctx, e, store, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := store.Complete(ctx, t.ID); err != nil {
			return nil, handleError(err)
		}
		t, err = store.Get(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body queue.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-task",
		Method:      http.MethodPost,
		Path:        "/queue/tasks/{task_id}/fail",
		Summary:     "Mark a task failed",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body FailTaskRequest `json:"body"`
	}) (*struct {
		Body queue.Task `json:"body"`
	}, error) {
		t, err := taskForManager(ctx, e, store, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := store.Fail(ctx, t.ID, input.Body.Error); err != nil {
			return nil, handleError(err)
		}
		t, err = store.Get(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body queue.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-task",
		Method:      http.MethodPost,
		Path:        "/queue/tasks/{task_id}/retry",
		Summary:     "Requeue a failed task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body queue.Task `json:"body"`
	}, error) {
		t, err := taskForManager(ctx, e, store, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := store.Retry(ctx, t.ID); err != nil {
			return nil, handleError(err)
		}
		t, err = store.Get(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body queue.Task `json:"body"`
		}{Body: t}, nil
	})
}

func taskForManager(ctx context.Context, e engine.Engine, store queue.Store, taskID int64) (queue.Task, error) {
	t, err := store.Get(ctx, taskID)
	if err != nil {
		return queue.Task{}, err
	}
	if _, err := requireRole(ctx, e, t.ProjectID, domain.RoleManager); err != nil {
		return queue.Task{}, err
	}
	return t, nil
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		AfterID   int64  `query:"after_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, e, input.ProjectID, domain.RoleAnnotator, domain.RoleReviewer); err != nil {
			return nil, handleError(err)
		}
		list, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			ProjectID: input.ProjectID,
			Type:      input.Type,
			AfterID:   input.AfterID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: list}, nil
	})
}
