package engine

import (
	"sort"
	"strings"

	"github.com/contexhq/contex/pkg/embedding"
	"github.com/contexhq/contex/pkg/models"
)

// descriptionTokens bounds how much of the payload text flows into an
// auto-generated description.
const descriptionTokens = 32

// piece is one decomposed unit of a published payload.
type piece struct {
	nodeKey string
	doc     models.Document
}

// decompose splits a payload into addressable pieces. Flat payloads stay
// whole under the data key; objects nested deeper than maxDepth are
// split member by member, each addressed as data_key + "#" + a JSON
// pointer, until every piece fits the depth bound.
func decompose(dataKey string, doc models.Document, maxDepth int) []piece {
	if maxDepth < 1 {
		maxDepth = 1
	}
	var out []piece
	var walk func(doc models.Document, pointer string)
	walk = func(doc models.Document, pointer string) {
		if doc.Kind() != models.KindObject || doc.Depth() <= maxDepth {
			nodeKey := dataKey
			if pointer != "" {
				nodeKey = dataKey + "#" + pointer
			}
			out = append(out, piece{nodeKey: nodeKey, doc: doc})
			return
		}
		members := doc.Object()
		keys := make([]string, 0, len(members))
		for k := range members {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(members[k], pointer+"/"+escapePointer(k))
		}
	}
	walk(doc, "")
	return out
}

// escapePointer applies RFC 6901 escaping to one reference token.
func escapePointer(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	return strings.ReplaceAll(token, "/", "~1")
}

// autoDescription builds an embeddable description for a node: its key
// tokens followed by the leading tokens of the payload text.
func autoDescription(nodeKey string, doc models.Document) string {
	tokens := embedding.Tokenize(nodeKey)
	body := embedding.Tokenize(doc.Text())
	if len(body) > descriptionTokens {
		body = body[:descriptionTokens]
	}
	return strings.Join(append(tokens, body...), " ")
}
