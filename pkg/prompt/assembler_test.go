package prompt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/sessioncore/pkg/attachment"
	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/prompt"
)

func sampleIssue() model.Issue {
	return model.Issue{
		ID:         "issue-1",
		Identifier: "TEAM-42",
		Title:      "Fix the thing",
		Description: "The thing is broken.",
		State:      "in-progress",
		Priority:   "high",
		URL:        "https://example.test/TEAM-42",
		Labels:     []string{"Backend"},
	}
}

func TestAssemble_NewAssignment_ComponentOrder(t *testing.T) {
	a := prompt.New(nil)
	res := a.Assemble(prompt.Input{
		Kind:         prompt.KindNewAssignment,
		Issue:        sampleIssue(),
		Subroutine:   "coding-activity",
		RepositoryID: "acme/widgets",
		WorkingDir:   "/work/TEAM-42",
		BaseBranch:   "main",
	})

	require.Equal(t, []string{"context", "linear_issue", "linear_comments", "subroutine"}, res.Components)
	assert.Contains(t, res.UserPrompt, "<context>")
	assert.Contains(t, res.UserPrompt, "<linear_issue>")
	assert.Contains(t, res.UserPrompt, "No comments yet.")
	assert.Contains(t, res.UserPrompt, "Implement the change described in this issue.")
	assert.True(t, indexOf(res.UserPrompt, "<context>") < indexOf(res.UserPrompt, "<linear_issue>"))
	assert.True(t, indexOf(res.UserPrompt, "<linear_issue>") < indexOf(res.UserPrompt, "<linear_comments>"))
	assert.NotEmpty(t, res.SystemPrompt)
}

func TestAssemble_NewStreaming_AddsInvitation(t *testing.T) {
	a := prompt.New(nil)
	res := a.Assemble(prompt.Input{
		Kind:       prompt.KindNewStreaming,
		Issue:      sampleIssue(),
		Subroutine: "coding-activity",
	})
	assert.Contains(t, res.UserPrompt, "begin working immediately")
	assert.Contains(t, res.Components, "streaming-invitation")
}

func TestAssemble_Continuation_NoSystemPromptOverride(t *testing.T) {
	a := prompt.New(nil)
	res := a.Assemble(prompt.Input{
		Kind:        prompt.KindContinuation,
		Issue:       sampleIssue(),
		UserComment: "please also update the docs",
	})
	assert.Equal(t, "please also update the docs", res.UserPrompt)
	assert.Empty(t, res.SystemPrompt)
	assert.NotContains(t, res.Components, "linear_issue")
}

func TestAssemble_Fallback_SkipsComments(t *testing.T) {
	a := prompt.New(nil)
	res := a.Assemble(prompt.Input{
		Kind:       prompt.KindFallback,
		Issue:      sampleIssue(),
		Subroutine: "question-investigation",
	})
	assert.Equal(t, []string{"linear_issue", "subroutine"}, res.Components)
}

func TestAssemble_AttachmentManifest(t *testing.T) {
	a := prompt.New(nil)
	res := a.Assemble(prompt.Input{
		Kind:       prompt.KindNewAssignment,
		Issue:      sampleIssue(),
		Subroutine: "coding-activity",
		Attachments: []model.Attachment{
			{URL: "https://uploads.linear.app/a.png", MIMEType: "image/png", SizeBytes: 10, LocalPath: "/x/a.png"},
		},
	})
	assert.Contains(t, res.UserPrompt, "<attachments>")
	assert.Contains(t, res.Components, "attachments")
}

func TestAssemble_PluginRouting_DedupesAndSkipsInactive(t *testing.T) {
	router := attachment.NewPluginRouter([]attachment.PluginSpec{
		{Label: "backend", Command: "mcp-backend"},
		{Label: "Backend", Command: "mcp-backend"},
		{Label: "backend", Command: "mcp-disabled", Inactive: true},
		{Label: "frontend", Command: "mcp-frontend"},
	})
	a := prompt.New(router)
	res := a.Assemble(prompt.Input{
		Kind:       prompt.KindNewAssignment,
		Issue:      sampleIssue(), // carries label "Backend"
		Subroutine: "coding-activity",
	})
	require.Len(t, res.Plugins, 1)
	assert.Equal(t, "mcp-backend", res.Plugins[0].Command)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
