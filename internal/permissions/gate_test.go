package permissions

import "testing"

func TestDeriveCapability(t *testing.T) {
	cases := []struct {
		name    string
		isOwner bool
		share   ShareConfig
		want    Capability
	}{
		{name: "owner", isOwner: true, share: ShareConfig{}, want: CapabilityEditor},
		{name: "owner ignores share", isOwner: true, share: ShareConfig{Enabled: true, Permission: "viewer"}, want: CapabilityEditor},
		{name: "commenter share", share: ShareConfig{Enabled: true, Permission: "commenter"}, want: CapabilityCommenter},
		{name: "commenter share mixed case", share: ShareConfig{Enabled: true, Permission: " Commenter "}, want: CapabilityCommenter},
		{name: "viewer share", share: ShareConfig{Enabled: true, Permission: "viewer"}, want: CapabilityViewer},
		{name: "editor share is not granted", share: ShareConfig{Enabled: true, Permission: "editor"}, want: CapabilityViewer},
		{name: "disabled share", share: ShareConfig{Enabled: false, Permission: "commenter"}, want: CapabilityViewer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveCapability(tc.isOwner, tc.share); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestCommenterCannotEditDocument(t *testing.T) {
	if Can(CapabilityCommenter, ActionEditDocument) {
		t.Fatal("commenter must not edit the document")
	}
	if !Can(CapabilityCommenter, ActionComment) || !Can(CapabilityCommenter, ActionAnnotate) {
		t.Fatal("commenter must be able to comment and annotate")
	}
}

func TestViewerIsReadOnly(t *testing.T) {
	for _, action := range []Action{ActionComment, ActionAnnotate, ActionEditDocument} {
		if Can(CapabilityViewer, action) {
			t.Fatalf("viewer must not be allowed to %s", action)
		}
	}
	if !Can(CapabilityViewer, ActionRead) {
		t.Fatal("viewer must be able to read")
	}
}

func TestEditorCanDoEverything(t *testing.T) {
	for _, action := range []Action{ActionRead, ActionComment, ActionAnnotate, ActionEditDocument} {
		if !Can(CapabilityEditor, action) {
			t.Fatalf("editor must be allowed to %s", action)
		}
	}
	if Can(Capability("admin"), ActionRead) {
		t.Fatal("unknown capability must be denied")
	}
}
