// Package keyword maintains an in-memory BM25 index over node
// descriptions. It supplies the lexical half of hybrid matching; the
// semantic half comes from the vector store.
package keyword

import (
	"math"
	"sort"
	"sync"

	"github.com/contexhq/contex/pkg/embedding"
)

// BM25 parameters. Standard values; k1 controls term frequency
// saturation and b controls document length normalization.
const (
	k1 = 1.2
	b  = 0.75
)

// Hit is one keyword search result.
type Hit struct {
	NodeKey string
	Score   float64
}

type document struct {
	terms  map[string]int
	length int
}

type projectIndex struct {
	docs     map[string]*document
	df       map[string]int
	totalLen int
}

// Index is a thread-safe per-project BM25 index. Like the vector store
// it is a projection of the event log and is rebuilt on startup.
type Index struct {
	mu       sync.RWMutex
	projects map[string]*projectIndex
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{projects: make(map[string]*projectIndex)}
}

// Add indexes the description under (projectID, nodeKey), replacing any
// previous text for that node.
func (ix *Index) Add(projectID, nodeKey, description string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	p := ix.projects[projectID]
	if p == nil {
		p = &projectIndex{docs: make(map[string]*document), df: make(map[string]int)}
		ix.projects[projectID] = p
	}
	p.remove(nodeKey)

	tokens := embedding.Tokenize(description)
	doc := &document{terms: make(map[string]int, len(tokens)), length: len(tokens)}
	for _, tok := range tokens {
		doc.terms[tok]++
	}
	for term := range doc.terms {
		p.df[term]++
	}
	p.docs[nodeKey] = doc
	p.totalLen += doc.length
}

// Remove drops a node from the index. Unknown keys are a no-op.
func (ix *Index) Remove(projectID, nodeKey string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if p := ix.projects[projectID]; p != nil {
		p.remove(nodeKey)
	}
}

func (p *projectIndex) remove(nodeKey string) {
	doc, ok := p.docs[nodeKey]
	if !ok {
		return
	}
	for term := range doc.terms {
		if p.df[term] <= 1 {
			delete(p.df, term)
		} else {
			p.df[term]--
		}
	}
	p.totalLen -= doc.length
	delete(p.docs, nodeKey)
}

// Search scores every document of the project against the query and
// returns up to limit hits with positive score, best first. Ties break
// on node key ascending.
func (ix *Index) Search(projectID, query string, limit int) []Hit {
	if limit <= 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	p := ix.projects[projectID]
	if p == nil || len(p.docs) == 0 {
		return nil
	}

	terms := embedding.Tokenize(query)
	n := float64(len(p.docs))
	avgLen := float64(p.totalLen) / n

	hits := make([]Hit, 0, len(p.docs))
	for nodeKey, doc := range p.docs {
		var score float64
		for _, term := range terms {
			tf := float64(doc.terms[term])
			if tf == 0 {
				continue
			}
			df := float64(p.df[term])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			norm := 1 - b + b*float64(doc.length)/avgLen
			score += idf * tf * (k1 + 1) / (tf + k1*norm)
		}
		if score > 0 {
			hits = append(hits, Hit{NodeKey: nodeKey, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].NodeKey < hits[j].NodeKey
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Len returns the number of indexed documents for a project.
func (ix *Index) Len(projectID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if p := ix.projects[projectID]; p != nil {
		return len(p.docs)
	}
	return 0
}
