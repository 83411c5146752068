// Package msg implements the runtime's message model: typed
// message values with shared clone-on-route ownership and a typed property
// bag, routed by Locator tuples.
package msg

import "fmt"

// Locator is the 4-tuple address (app_uri?, graph_id?,
// group?, extension?). A missing (empty) field means "current" and is
// resolved relative to the sender by the graph/app layers, never by this
// package.
type Locator struct {
	AppURI    string
	GraphID   string
	Group     string
	Extension string
}

// IsEmpty reports whether every field of l is unset.
func (l Locator) IsEmpty() bool {
	return l.AppURI == "" && l.GraphID == "" && l.Group == "" && l.Extension == ""
}

// ResolveAgainst fills any empty field of l with the corresponding field of
// base ("current"), so a destination of
// (_, _, _, "B") from extension A in graph G of app U resolves to
// (U, G, A's group, "B").
func (l Locator) ResolveAgainst(base Locator) Locator {
	out := l
	if out.AppURI == "" {
		out.AppURI = base.AppURI
	}
	if out.GraphID == "" {
		out.GraphID = base.GraphID
	}
	if out.Group == "" {
		out.Group = base.Group
	}
	return out
}

// String renders the locator for logs and error messages.
func (l Locator) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", l.AppURI, l.GraphID, l.Group, l.Extension)
}

// SameExtension reports whether l and other address the same extension
// instance (all four fields equal).
func (l Locator) SameExtension(other Locator) bool {
	return l == other
}
