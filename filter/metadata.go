package filter

import (
	"time"

	"github.com/procstream/mcp-bridge-go/internal/jsontree"
)

// metadataFilter stamps each object-shaped message with when, which way,
// and for whom it was filtered. It is an annotation transform: nothing is
// inspected and nothing can be blocked. Because its output varies per
// session and per call, enabling it turns off the pipeline's result cache.
type metadataFilter struct{}

func newMetadataFilter() *metadataFilter { return &metadataFilter{} }

func (f *metadataFilter) Name() string { return FilterNameMetadata }

func (f *metadataFilter) Description() string {
	return "Annotates messages with filter timestamp, direction, and session id"
}

func (f *metadataFilter) AppliesTo(d Direction) bool { return true }

func (f *metadataFilter) Apply(d Direction, sessionID string, msg jsontree.Value) Verdict {
	obj, ok := msg.(jsontree.Object)
	if !ok {
		return pass(msg)
	}

	out := make(jsontree.Object, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	out["_filtered"] = jsontree.Object{
		"at":        jsontree.String(time.Now().UTC().Format(time.RFC3339)),
		"direction": jsontree.String(string(d)),
		"sessionId": jsontree.String(sessionID),
	}

	v := pass(out)
	v.Actions = []string{"stamped:metadata"}
	return v
}
