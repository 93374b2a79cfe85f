package core

// Shared state is never mutated concurrently: fan-out branches return deltas
// and the owner applies these merge functions at the join barrier.

// ConversationState is the run-level state owned by the orchestrator.
type ConversationState struct {
	Messages    []Message    `json:"messages"`
	Tasks       []TaskResult `json:"tasks"`
	FinalAnswer string       `json:"final_answer,omitempty"`
}

// TaskState is the working memory of a single task controller. Each
// controller instance owns its TaskState exclusively.
type TaskState struct {
	Task     ResearchTask   `json:"task"`
	Queries  []string       `json:"queries"`
	Results  []SearchResult `json:"results"`
	Draft    string         `json:"draft,omitempty"`
	Feedback string         `json:"feedback,omitempty"`
	Attempts int            `json:"attempts"`
	Done     bool           `json:"done"`
}

// MergeMessages appends update to the conversation history.
func MergeMessages(existing, update []Message) []Message {
	if len(update) == 0 {
		return existing
	}
	out := make([]Message, 0, len(existing)+len(update))
	out = append(out, existing...)
	out = append(out, update...)
	return out
}

// MergeTasks reconciles task updates by id: an update with a known TaskID
// replaces the existing entry in place, unknown ids are appended, entries
// without an update are untouched. An empty update keeps existing as is.
func MergeTasks(existing, update []TaskResult) []TaskResult {
	if len(update) == 0 {
		return existing
	}
	out := make([]TaskResult, len(existing))
	copy(out, existing)
	for _, u := range update {
		replaced := false
		for i := range out {
			if out[i].TaskID == u.TaskID {
				out[i] = u
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, u)
		}
	}
	return out
}

// MergeSearchResults applies the round-replacement rule: a nil update keeps
// existing untouched, an empty non-nil update clears the list (the explicit
// "start the next round fresh" signal), anything else is concatenated.
func MergeSearchResults(existing, update []SearchResult) []SearchResult {
	if update == nil {
		return existing
	}
	if len(update) == 0 {
		return []SearchResult{}
	}
	out := make([]SearchResult, 0, len(existing)+len(update))
	out = append(out, existing...)
	out = append(out, update...)
	return out
}

// MergeQueries appends update, accumulating query history across rounds.
func MergeQueries(existing, update []string) []string {
	if len(update) == 0 {
		return existing
	}
	out := make([]string, 0, len(existing)+len(update))
	out = append(out, existing...)
	out = append(out, update...)
	return out
}
