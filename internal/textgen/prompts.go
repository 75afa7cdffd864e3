package textgen

import (
	"fmt"
	"strings"
)

// Line is one chat message fed into a summary prompt.
type Line struct {
	Author  string
	Content string
}

// FileChange is one changed path fed into a commit message prompt.
type FileChange struct {
	Path         string
	LinesChanged int
}

// SummaryRequest builds the conversation summary request.
func SummaryRequest(lines []Line) Request {
	var b strings.Builder
	b.WriteString("Summarize the following conversation in a concise way, highlighting key points, decisions made, and action items:\n\n")
	for _, l := range lines {
		fmt.Fprintf(&b, "%s: %s\n", l.Author, l.Content)
	}
	b.WriteString("\nSummary:")
	return Request{Prompt: b.String(), MaxTokens: 500, Temperature: 0.5}
}

// CommitMessageRequest builds the commit message request.
func CommitMessageRequest(changes []FileChange) Request {
	var b strings.Builder
	b.WriteString("Generate a concise, conventional commit message for these file changes. Use conventional commit format (feat:, fix:, refactor:, etc.):\n\n")
	for _, c := range changes {
		fmt.Fprintf(&b, "%s (%d lines changed)\n", c.Path, c.LinesChanged)
	}
	b.WriteString("\nCommit message:")
	return Request{Prompt: b.String(), MaxTokens: 100, Temperature: 0.3}
}
