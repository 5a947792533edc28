// Package permissions derives what a caller may do with a shared document.
package permissions

import "strings"

type Capability string

type Action string

const (
	CapabilityViewer    Capability = "viewer"
	CapabilityCommenter Capability = "commenter"
	CapabilityEditor    Capability = "editor"
)

const (
	ActionRead         Action = "read"
	ActionComment      Action = "comment"
	ActionAnnotate     Action = "annotate"
	ActionEditDocument Action = "edit-document"
)

// ShareConfig is the owner's sharing setting for a document.
type ShareConfig struct {
	Enabled    bool
	Permission string
}

// DeriveCapability resolves the capability of a caller. The owner is always an
// editor; everyone else gets what the share configuration grants, and viewer
// otherwise.
func DeriveCapability(isOwner bool, share ShareConfig) Capability {
	if isOwner {
		return CapabilityEditor
	}
	if share.Enabled && NormalizeCapability(share.Permission) == CapabilityCommenter {
		return CapabilityCommenter
	}
	return CapabilityViewer
}

// Can reports whether a capability permits an action.
func Can(capability Capability, action Action) bool {
	switch capability {
	case CapabilityEditor:
		return action == ActionRead || action == ActionComment || action == ActionAnnotate || action == ActionEditDocument
	case CapabilityCommenter:
		return action == ActionRead || action == ActionComment || action == ActionAnnotate
	case CapabilityViewer:
		return action == ActionRead
	default:
		return false
	}
}

// NormalizeCapability maps free-form input to a known capability, defaulting
// to viewer.
func NormalizeCapability(value string) Capability {
	switch Capability(strings.ToLower(strings.TrimSpace(value))) {
	case CapabilityCommenter:
		return CapabilityCommenter
	case CapabilityEditor:
		return CapabilityEditor
	default:
		return CapabilityViewer
	}
}

// ValidSharePermission reports whether a share permission may be stored.
// Sharing never grants editor.
func ValidSharePermission(value string) bool {
	switch Capability(strings.ToLower(strings.TrimSpace(value))) {
	case CapabilityViewer, CapabilityCommenter:
		return true
	default:
		return false
	}
}
