package core

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/google/uuid"
)

// EvidenceDoc is one retrieved page archived in a run's evidence index.
type EvidenceDoc struct {
	DocID  string `json:"doc_id"`
	TaskID string `json:"task_id"`
	Query  string `json:"query"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Text   string `json:"text"`
}

// EvidenceHit is one BM25 match from the evidence index.
type EvidenceHit struct {
	DocID   string  `json:"doc_id"`
	TaskID  string  `json:"task_id"`
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

// EvidenceIndex holds everything a run retrieved in an in-memory BM25 index,
// so the material behind an answer stays searchable after the run finishes.
type EvidenceIndex struct {
	index bleve.Index
	meta  map[string]EvidenceDoc
	mu    sync.RWMutex
}

func NewEvidenceIndex() (*EvidenceIndex, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("evidence index: %w", err)
	}
	return &EvidenceIndex{
		index: index,
		meta:  make(map[string]EvidenceDoc),
	}, nil
}

func (e *EvidenceIndex) Add(doc EvidenceDoc) error {
	if doc.DocID == "" {
		doc.DocID = uuid.NewString()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.meta[doc.DocID] = doc
	return e.index.Index(doc.DocID, doc)
}

// AddResults archives one round of enriched search results for a task.
func (e *EvidenceIndex) AddResults(taskID string, results []SearchResult) error {
	for _, r := range results {
		text := r.Content
		if text == "" {
			text = r.Snippet
		}
		doc := EvidenceDoc{
			DocID:  uuid.NewString(),
			TaskID: taskID,
			Query:  r.Query,
			URL:    r.URL,
			Title:  r.Title,
			Text:   text,
		}
		if err := e.Add(doc); err != nil {
			return err
		}
	}
	return nil
}

func (e *EvidenceIndex) Search(q string, k int) ([]EvidenceHit, error) {
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	searchReq.Highlight = bleve.NewHighlightWithStyle("html")
	res, err := e.index.Search(searchReq)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []EvidenceHit
	for i, hit := range res.Hits {
		doc := e.meta[hit.ID]
		out = append(out, EvidenceHit{
			DocID: hit.ID, TaskID: doc.TaskID, URL: doc.URL, Title: doc.Title,
			Snippet: snippetOf(doc.Text),
			Score:   hit.Score, Rank: i + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func (e *EvidenceIndex) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.meta)
}

func (e *EvidenceIndex) Close() error {
	return e.index.Close()
}

func snippetOf(s string) string {
	runes := []rune(s)
	if len(runes) <= 300 {
		return s
	}
	return string(runes[:300]) + "…"
}
