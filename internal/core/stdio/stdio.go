// Package stdio captures a task's stdout/stderr, truncates it to the
// configured limits, and decides what slice of prior task output gets
// injected into a later task's context window. The token heuristic and
// overhead accounting mirror station's context.Manager; the structured
// event shape mirrors its execution/logging package.
package stdio

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"workflowcore/internal/core/workflow"
)

// charsPerToken mirrors context.Manager's ~4-chars-per-token heuristic.
const charsPerToken = 4

// systemOverheadTokens mirrors context.Manager's fixed system-prompt budget.
const systemOverheadTokens = 500

// EstimateTokens gives a rough token count for a string the same way
// station's Manager.estimateTokenUsage does for model requests.
func EstimateTokens(s string) int {
	return (len(s) + systemOverheadTokens*charsPerToken) / charsPerToken
}

// Capture holds a task's raw stdout/stderr before truncation.
type Capture struct {
	Stdout []byte
	Stderr []byte
}

// Manager truncates captured output per a LimitsConfig and spills anything
// over ExternalStorageThreshold to an afero.Fs, gzip-compressed when
// configured, matching station's conservative "rough estimate, never
// exact" approach to size accounting.
type Manager struct {
	fs     afero.Fs
	limits workflow.LimitsConfig
}

// NewManager builds a Manager against the real OS filesystem.
func NewManager(limits workflow.LimitsConfig) *Manager {
	return &Manager{fs: afero.NewOsFs(), limits: limits}
}

// NewManagerWithFs builds a Manager against a caller-supplied afero.Fs.
func NewManagerWithFs(fs afero.Fs, limits workflow.LimitsConfig) *Manager {
	return &Manager{fs: fs, limits: limits}
}

// Fs returns the filesystem this Manager spills external output to, so
// callers that need to read workflow-output files back (e.g. the engine's
// output-binding step) can share the same view, real or in-memory.
func (m *Manager) Fs() afero.Fs { return m.fs }

// Process turns a raw Capture into the set of TaskOutput records a task
// produces: truncated/spilled stdout, stderr, and a combined view.
func (m *Manager) Process(taskID string, cap Capture, now time.Time) ([]workflow.TaskOutput, error) {
	var outs []workflow.TaskOutput

	stdout, err := m.processStream(taskID, workflow.OutputStdout, cap.Stdout, m.limits.MaxStdoutBytes, now)
	if err != nil {
		return nil, err
	}
	outs = append(outs, stdout)

	stderr, err := m.processStream(taskID, workflow.OutputStderr, cap.Stderr, m.limits.MaxStderrBytes, now)
	if err != nil {
		return nil, err
	}
	outs = append(outs, stderr)

	combined := append(append([]byte{}, cap.Stdout...), cap.Stderr...)
	combinedOut, err := m.processStream(taskID, workflow.OutputCombined, combined, m.limits.MaxCombinedBytes, now)
	if err != nil {
		return nil, err
	}
	outs = append(outs, combinedOut)

	return outs, nil
}

func (m *Manager) processStream(taskID string, kind workflow.TaskOutputType, raw []byte, maxBytes int64, now time.Time) (workflow.TaskOutput, error) {
	out := workflow.TaskOutput{
		TaskID:       taskID,
		OutputType:   kind,
		OriginalSize: int64(len(raw)),
		LastAccessed: now,
		// RelevanceScore starts at the neutral zero value; it's not a fixed
		// property of the output, it depends on which downstream task is
		// asking. The engine scores it per consumer via ScoreRelevance
		// before each SelectContext call.
	}

	content := raw
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		out.Truncated = true
		out.Strategy = m.limits.TruncationStrategy
		content = truncate(raw, maxBytes, m.limits.TruncationStrategy)
	}

	if m.limits.ExternalStorageThreshold > 0 && int64(len(raw)) > m.limits.ExternalStorageThreshold {
		path, err := m.spill(taskID, string(kind), raw, now)
		if err != nil {
			return workflow.TaskOutput{}, err
		}
		out.FilePath = path
		out.OutputType = workflow.OutputFile
	}

	out.Content = string(content)
	return out, nil
}

// truncate applies one of the four truncation strategies. "summary" falls
// back to a tail truncation with a marker: real summarization needs an
// AgentProvider round trip, which this package deliberately has no
// dependency on.
func truncate(raw []byte, maxBytes int64, strategy workflow.TruncationStrategy) []byte {
	if int64(len(raw)) <= maxBytes {
		return raw
	}
	marker := []byte("\n...[truncated]...\n")
	switch strategy {
	case workflow.TruncateHead:
		return raw[:maxBytes]
	case workflow.TruncateBoth:
		half := (maxBytes - int64(len(marker))) / 2
		if half <= 0 {
			return raw[:maxBytes]
		}
		out := append(append([]byte{}, raw[:half]...), marker...)
		return append(out, raw[int64(len(raw))-half:]...)
	case workflow.TruncateSummary:
		budget := maxBytes - int64(len(marker))
		if budget <= 0 {
			return raw[int64(len(raw))-maxBytes:]
		}
		return append(marker, raw[int64(len(raw))-budget:]...)
	case workflow.TruncateTail:
		fallthrough
	default:
		return raw[int64(len(raw))-maxBytes:]
	}
}

func (m *Manager) spill(taskID, streamName string, raw []byte, now time.Time) (string, error) {
	dir := m.limits.ExternalStorageDir
	if dir == "" {
		dir = "."
	}
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating external storage dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s-%s", taskID, streamName, now.UTC().Format("20060102T150405"), uuid.NewString()[:8])
	data := raw
	if m.limits.CompressExternal {
		name += ".gz"
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(raw); err != nil {
			return "", fmt.Errorf("compressing spilled output: %w", err)
		}
		if err := gw.Close(); err != nil {
			return "", fmt.Errorf("closing gzip writer: %w", err)
		}
		data = buf.Bytes()
	} else {
		name += ".txt"
	}

	path := filepath.Join(dir, name)
	if err := afero.WriteFile(m.fs, path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing spilled output: %w", err)
	}
	return path, nil
}

// RelevanceInput is what ScoreRelevance needs about one producer/consumer
// pair to score a task output's relevance to a task that did not explicitly
// include or exclude it.
type RelevanceInput struct {
	DirectDependency bool // consumer lists producer in depends_on
	Depth            int  // shortest depends_on chain length; 0 if unreachable
	SameAgent        bool // producer and consumer tasks share an agent
}

// ScoreRelevance implements the distance-based fallback: a direct dependency
// scores 1.0, an indirect chain of length d>=2 scores 0.8/d, sharing an
// agent with no dependency path scores 0.5, and anything else scores 0.0.
func ScoreRelevance(in RelevanceInput) float64 {
	switch {
	case in.DirectDependency:
		return 1.0
	case in.Depth >= 2:
		return 0.8 / float64(in.Depth)
	case in.SameAgent:
		return 0.5
	default:
		return 0.0
	}
}

// SelectContext is station's "smart context builder": it picks which prior
// TaskOutputs go into an upcoming task's prompt and in what order, honoring
// ContextConfig's include/exclude lists, relevance floor, and byte/task
// caps. It has nothing to do with Cleanup below — SelectContext decides
// what one task sees; Cleanup decides what survives in the shared output
// pool for every task after it. Manual mode orders strictly by the
// declared include_tasks sequence (the author's own ordering); automatic
// mode sorts candidates by RelevanceScore descending, the same score
// ScoreRelevance computed per consumer, breaking ties by most-recently
// produced.
func SelectContext(cfg workflow.ContextConfig, limits workflow.LimitsConfig, all []workflow.TaskOutput) []workflow.TaskOutput {
	if cfg.Mode == workflow.ContextNone {
		return nil
	}

	excluded := toSet(cfg.ExcludeTasks)
	included := toSet(cfg.IncludeTasks)

	var candidates []workflow.TaskOutput
	for _, o := range all {
		if excluded[o.TaskID] {
			continue
		}
		if len(included) > 0 && !included[o.TaskID] {
			continue
		}
		if cfg.Mode == workflow.ContextAutomatic && o.RelevanceScore < cfg.MinRelevance {
			continue
		}
		candidates = append(candidates, o)
	}

	switch cfg.Mode {
	case workflow.ContextManual:
		order := make(map[string]int, len(cfg.IncludeTasks))
		for i, id := range cfg.IncludeTasks {
			order[id] = i
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return order[candidates[i].TaskID] < order[candidates[j].TaskID]
		})
	case workflow.ContextAutomatic:
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].RelevanceScore != candidates[j].RelevanceScore {
				return candidates[i].RelevanceScore > candidates[j].RelevanceScore
			}
			return candidates[i].LastAccessed.After(candidates[j].LastAccessed)
		})
	}

	maxBytes := limits.MaxContextBytes
	if cfg.MaxBytes != nil {
		maxBytes = *cfg.MaxBytes
	}
	maxTasks := limits.MaxContextTasks
	if cfg.MaxTasks != nil {
		maxTasks = *cfg.MaxTasks
	}

	var out []workflow.TaskOutput
	var bytesUsed int64
	for _, o := range candidates {
		if maxTasks > 0 && len(out) >= maxTasks {
			break
		}
		size := int64(len(o.Content))
		if maxBytes > 0 && bytesUsed+size > maxBytes {
			continue
		}
		bytesUsed += size
		out = append(out, o)
	}
	return out
}

// Cleanup prunes the workflow's accumulated TaskOutput pool per
// cleanup_strategy, independent of what any single task's SelectContext
// call picks out of it. The engine runs this after every completed task
// (spec.md's "cleanup_strategy ... applied after every completed task"),
// not as part of building that task's own context. Outputs dropped by the
// Keep cutoff have their spilled files removed from disk.
func (m *Manager) Cleanup(all []workflow.TaskOutput, strategy workflow.CleanupStrategy) []workflow.TaskOutput {
	if strategy.Keep <= 0 || strategy.Keep >= len(all) {
		return all
	}

	sorted := append([]workflow.TaskOutput{}, all...)
	switch strategy.Kind {
	case workflow.CleanupMostRecent:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].LastAccessed.After(sorted[j].LastAccessed) })
	case workflow.CleanupHighestRelevance:
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelevanceScore > sorted[j].RelevanceScore })
	case workflow.CleanupLRU:
		// Keep the most recently accessed; the least recently used are dropped.
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].LastAccessed.After(sorted[j].LastAccessed) })
	case workflow.CleanupDirectDependencies:
		sort.Slice(sorted, func(i, j int) bool {
			iDep, jDep := len(sorted[i].DependedBy) > 0, len(sorted[j].DependedBy) > 0
			if iDep != jDep {
				return iDep
			}
			return sorted[i].LastAccessed.After(sorted[j].LastAccessed)
		})
	default:
		return all
	}

	kept := sorted[:strategy.Keep]
	dropped := sorted[strategy.Keep:]
	for _, o := range dropped {
		if o.FilePath == "" {
			continue
		}
		if err := m.fs.Remove(o.FilePath); err != nil {
			slog.Warn("removing spilled output during cleanup", "path", o.FilePath, "err", err)
		}
	}
	return kept
}

func toSet(xs []string) map[string]bool {
	if len(xs) == 0 {
		return nil
	}
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}
