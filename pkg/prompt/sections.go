package prompt

import (
	"fmt"
	"strings"

	"github.com/relaycore/sessioncore/pkg/model"
)

// formatContext renders the <context> section: repo, working dir, base
// branch. Per spec §4.3 the section order is fixed but the section itself
// is omitted entirely when there is nothing to report.
func formatContext(repositoryID, workingDir, baseBranch string) string {
	if repositoryID == "" && workingDir == "" && baseBranch == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<context>\n")
	if repositoryID != "" {
		fmt.Fprintf(&sb, "Repository: %s\n", repositoryID)
	}
	if workingDir != "" {
		fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	}
	if baseBranch != "" {
		fmt.Fprintf(&sb, "Base branch: %s\n", baseBranch)
	}
	sb.WriteString("</context>")
	return sb.String()
}

// formatIssue renders the <linear_issue> section. Named for the tracker
// family this core was first wired to; the field order follows spec §4.3
// exactly: id, identifier, title, description, state, priority, url.
func formatIssue(issue model.Issue) string {
	var sb strings.Builder
	sb.WriteString("<linear_issue>\n")
	fmt.Fprintf(&sb, "ID: %s\n", issue.ID)
	fmt.Fprintf(&sb, "Identifier: %s\n", issue.Identifier)
	fmt.Fprintf(&sb, "Title: %s\n", issue.Title)
	fmt.Fprintf(&sb, "Description: %s\n", issue.Description)
	fmt.Fprintf(&sb, "State: %s\n", issue.State)
	fmt.Fprintf(&sb, "Priority: %s\n", issue.Priority)
	fmt.Fprintf(&sb, "URL: %s\n", issue.URL)
	sb.WriteString("</linear_issue>")
	return sb.String()
}

// formatComments renders the <linear_comments> section. Per spec §4.3 an
// issue with no comments still gets the section, with the literal body
// "No comments yet."
func formatComments(comments []model.Comment) string {
	var sb strings.Builder
	sb.WriteString("<linear_comments>\n")
	if len(comments) == 0 {
		sb.WriteString("No comments yet.")
	} else {
		for i, c := range comments {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			fmt.Fprintf(&sb, "%s: %s", c.Author, c.Body)
		}
	}
	sb.WriteString("\n</linear_comments>")
	return sb.String()
}

// formatAttachmentManifest renders the manifest section listing every
// attachment included in the prompt, in the order the cache returned them.
func formatAttachmentManifest(attachments []model.Attachment) string {
	if len(attachments) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<attachments>\n")
	for _, a := range attachments {
		fmt.Fprintf(&sb, "- %s (%s, %d bytes): %s\n", a.URL, a.MIMEType, a.SizeBytes, a.LocalPath)
	}
	sb.WriteString("</attachments>")
	return sb.String()
}

// subroutinePrompts holds the fixed body text per named subroutine, keyed
// the same way ProcedureState.Subroutines names them (spec §4.5 presets).
// These are deliberately plain-language task bodies, not structured
// templates — mirroring the teacher's approach of flat prompt constants in
// pkg/agent/prompt/constants.go.
var subroutinePrompts = map[string]string{
	"question-investigation": "Investigate the question raised in this issue. Gather whatever context you need before answering.",
	"question-answer":        "Write a clear, direct answer to the question, referencing what you found during investigation.",
	"doc-implementation":     "Make the documentation change described in this issue.",
	"concise-summary":        "Write a concise summary of the work performed in this session, suitable for posting as a single comment.",
	"coding-activity":        "Implement the change described in this issue.",
	"verifications":          "Run the project's test suite and any relevant linters. Report failures plainly; do not mark this subroutine passed unless verification is clean.",
	"changelog-update":       "Update the changelog to describe this change, following the repository's existing changelog format.",
	"git-commit":             "Commit the working tree changes with a clear, conventional commit message.",
	"gh-pr":                  "Open a pull request for this change, with a description summarizing the issue and the approach taken.",
	"reproduce":              "Attempt to reproduce the reported bug. Record the exact steps and observed behavior.",
	"fix":                    "Fix the root cause of the reproduced bug.",
}

// subroutineBody returns the fixed body text for name, or a generic
// fallback for names not in subroutinePrompts (the orchestrator procedure's
// impl/verify task names are computed, not preset).
func subroutineBody(name string) string {
	if body, ok := subroutinePrompts[name]; ok {
		return body
	}
	return fmt.Sprintf("Proceed with the %q step of this procedure.", name)
}

const (
	taskManagementBlock = "You are an autonomous coding agent operating against a single tracked issue. " +
		"You work in discrete subroutines; focus only on the current one."

	executionInstructionsBlock = "Use the available tools to inspect and modify the working directory as needed. " +
		"When the current subroutine's goal is met, stop and report completion rather than continuing into unrelated work."
)

// situationAssessmentBlock renders the situation-assessment system prompt
// block for the current subroutine, conditionally extended for
// validated subroutines per spec §4.5.
func situationAssessmentBlock(subroutine string, validated bool) string {
	base := fmt.Sprintf("Current subroutine: %s.", subroutine)
	if validated {
		base += " This subroutine's output will be checked by a separate validator; make sure your final state genuinely satisfies the goal before reporting completion."
	}
	return base
}
