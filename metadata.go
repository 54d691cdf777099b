package loevent

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// MetadataTask produces one piece of session metadata.
type MetadataTask struct {
	Name string
	Func func(ctx context.Context) (map[string]any, error)
}

// CompileMetadata runs all tasks concurrently and folds their results into
// one record keyed by task name. A failed task contributes a nil value under
// its name and is logged; it never fails the compilation. Results are
// deep-merged in task order, so a later task wins on conflicting leaves.
func CompileMetadata(ctx context.Context, tasks []MetadataTask, logger *slog.Logger) map[string]any {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	results := make([]map[string]any, len(tasks))
	group, groupCtx := errgroup.WithContext(ctx)

	for i, task := range tasks {
		group.Go(func() error {
			var value any
			fields, err := runTask(groupCtx, task)
			if err != nil {
				logger.Warn("metadata task failed", "task", task.Name, "error", err)
			} else {
				value = fields
			}
			results[i] = map[string]any{task.Name: value}
			return nil
		})
	}
	_ = group.Wait()

	merged := make(map[string]any)
	for _, r := range results {
		deepMerge(merged, r)
	}
	return merged
}

// runTask calls the task, converting a panic into an error.
func runTask(ctx context.Context, task MetadataTask) (fields map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &taskPanicError{task: task.Name, value: r}
		}
	}()
	return task.Func(ctx)
}

type taskPanicError struct {
	task  string
	value any
}

func (e *taskPanicError) Error() string {
	return "metadata task " + e.task + " panicked"
}

// deepMerge copies src into dst. Nested maps on both sides are merged
// recursively; any other value in src replaces the one in dst.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		srcMap := asMap(v)
		dstMap := asMap(dst[k])
		if srcMap != nil && dstMap != nil {
			merged := make(map[string]any, len(dstMap)+len(srcMap))
			deepMerge(merged, dstMap)
			deepMerge(merged, srcMap)
			dst[k] = merged
			continue
		}
		if srcMap != nil {
			copied := make(map[string]any, len(srcMap))
			deepMerge(copied, srcMap)
			dst[k] = copied
			continue
		}
		dst[k] = v
	}
}

// StaticTask returns a task producing fixed fields.
func StaticTask(name string, fields map[string]any) MetadataTask {
	return MetadataTask{
		Name: name,
		Func: func(context.Context) (map[string]any, error) {
			return fields, nil
		},
	}
}

var (
	sessionOnce sync.Once
	sessionID   string
)

// SessionTask returns a task producing a random per-process session id.
func SessionTask() MetadataTask {
	return MetadataTask{
		Name: "session",
		Func: func(context.Context) (map[string]any, error) {
			sessionOnce.Do(func() {
				sessionID = uuid.NewString()
			})
			return map[string]any{"id": sessionID}, nil
		},
	}
}

// RuntimeInfo describes the host process. It is the payload of the
// BROWSER_INFO event.
func RuntimeInfo() map[string]any {
	info := map[string]any{
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"num_cpu":    runtime.NumCPU(),
		"pid":        os.Getpid(),
	}
	if host, err := os.Hostname(); err == nil {
		info["hostname"] = host
	}
	return info
}

// RuntimeInfoTask returns a task producing RuntimeInfo.
func RuntimeInfoTask() MetadataTask {
	return MetadataTask{
		Name: "runtime",
		Func: func(context.Context) (map[string]any, error) {
			return RuntimeInfo(), nil
		},
	}
}
