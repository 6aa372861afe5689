// Package prompt implements PromptAssembler (spec §4.3): deterministic
// composition of the user and system prompt strings handed to an
// AgentAdapter, plus label-based MCP plugin routing.
//
// Every section's whitespace is exact and intentional, since prompts are
// compared as strings (this package's tests check section markers, literal
// bodies and section order) — resist the urge to "clean up" formatting here.
package prompt

import (
	"strings"

	"github.com/relaycore/sessioncore/pkg/attachment"
	"github.com/relaycore/sessioncore/pkg/model"
)

// Kind selects which of the four prompt shapes spec §4.3 describes. The
// caller (SessionSupervisor) knows why it is building a prompt — on a fresh
// tracker assignment, on a user comment against a live session, or on a
// locally-initiated session with no inbound trigger — so Kind is supplied
// rather than inferred from the Input's other fields.
type Kind string

const (
	KindNewAssignment Kind = "new-assignment"
	KindNewStreaming  Kind = "new-streaming"
	KindContinuation  Kind = "continuation"
	KindFallback      Kind = "fallback"
)

// Input bundles everything PromptAssembler needs to compose one prompt.
type Input struct {
	Kind Kind

	Issue       model.Issue
	Subroutine  string
	Validated   bool
	UserComment string
	Attachments []model.Attachment

	RepositoryID string
	WorkingDir   string
	BaseBranch   string
}

// Result is the assembled prompt pair plus bookkeeping for test assertions
// and MCP plugin wiring.
type Result struct {
	UserPrompt   string
	SystemPrompt string
	Components   []string
	Plugins      []attachment.PluginSpec
}

// Assembler is stateless aside from its plugin router — all prompt content
// comes from the Input passed to Assemble, mirroring the teacher's
// PromptBuilder design (no mutable state, safe for concurrent use across
// sessions).
type Assembler struct {
	router *attachment.PluginRouter
}

// New creates an Assembler. router may be nil, in which case Assemble
// always returns an empty Plugins slice.
func New(router *attachment.PluginRouter) *Assembler {
	return &Assembler{router: router}
}

// Assemble builds the user+system prompt pair and plugin routing for in.
func (a *Assembler) Assemble(in Input) Result {
	switch in.Kind {
	case KindContinuation:
		return a.assembleContinuation(in)
	case KindNewStreaming:
		return a.assembleNew(in, true)
	case KindFallback:
		return a.assembleFallback(in)
	default:
		return a.assembleNew(in, false)
	}
}

func (a *Assembler) assembleNew(in Input, streaming bool) Result {
	var parts []string
	var components []string

	if ctx := formatContext(in.RepositoryID, in.WorkingDir, in.BaseBranch); ctx != "" {
		parts = append(parts, ctx)
		components = append(components, "context")
	}

	parts = append(parts, formatIssue(in.Issue))
	components = append(components, "linear_issue")

	parts = append(parts, formatComments(in.Issue.Comments))
	components = append(components, "linear_comments")

	parts = append(parts, subroutineBody(in.Subroutine))
	components = append(components, "subroutine")

	if streaming {
		parts = append(parts, "You may begin working immediately; reply on this stream with your first action.")
		components = append(components, "streaming-invitation")
	}

	if manifest := formatAttachmentManifest(in.Attachments); manifest != "" {
		parts = append(parts, manifest)
		components = append(components, "attachments")
	}

	return Result{
		UserPrompt:   strings.Join(parts, "\n\n"),
		SystemPrompt: a.systemPrompt(in),
		Components:   components,
		Plugins:      a.plugins(in.Issue.Labels),
	}
}

func (a *Assembler) assembleFallback(in Input) Result {
	var parts []string
	components := []string{}

	if ctx := formatContext(in.RepositoryID, in.WorkingDir, in.BaseBranch); ctx != "" {
		parts = append(parts, ctx)
		components = append(components, "context")
	}
	parts = append(parts, formatIssue(in.Issue))
	components = append(components, "linear_issue")

	parts = append(parts, subroutineBody(in.Subroutine))
	components = append(components, "subroutine")

	return Result{
		UserPrompt:   strings.Join(parts, "\n\n"),
		SystemPrompt: a.systemPrompt(in),
		Components:   components,
		Plugins:      a.plugins(in.Issue.Labels),
	}
}

func (a *Assembler) assembleContinuation(in Input) Result {
	parts := []string{in.UserComment}
	components := []string{"user-comment"}

	if manifest := formatAttachmentManifest(in.Attachments); manifest != "" {
		parts = append(parts, manifest)
		components = append(components, "attachments")
	}

	return Result{
		UserPrompt: strings.Join(parts, "\n\n"),
		// No system prompt override: the live session's original system
		// prompt stays in effect.
		SystemPrompt: "",
		Components:   components,
		Plugins:      a.plugins(in.Issue.Labels),
	}
}

func (a *Assembler) systemPrompt(in Input) string {
	blocks := []string{
		taskManagementBlock,
		situationAssessmentBlock(in.Subroutine, in.Validated),
		executionInstructionsBlock,
	}
	return strings.Join(blocks, "\n\n")
}

func (a *Assembler) plugins(labels []string) []attachment.PluginSpec {
	if a.router == nil {
		return nil
	}
	return a.router.Resolve(labels)
}
