package docmerge

import "strings"

// segment is one heading-delimited slice of the raw Markdown. Raw holds
// the exact original text from the heading line to the next heading, so
// untouched sections survive byte-for-byte.
type segment struct {
	heading string // heading text without the leading hashes, "" for the preamble
	raw     string
}

// splitSegments cuts Markdown on #..###### heading lines. Heading markers
// inside fenced code blocks are ignored. The first segment holds any text
// before the first heading.
func splitSegments(markdown string) []segment {
	lines := strings.SplitAfter(markdown, "\n")
	var segs []segment
	cur := segment{}
	inFence := false

	flush := func() {
		if cur.raw != "" || cur.heading != "" {
			segs = append(segs, cur)
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		if !inFence {
			if h, ok := headingText(trimmed); ok {
				flush()
				cur = segment{heading: h, raw: line}
				continue
			}
		}
		cur.raw += line
	}
	flush()
	return segs
}

// headingText extracts the heading text from a #..###### line.
func headingText(line string) (string, bool) {
	if !strings.HasPrefix(line, "#") {
		return "", false
	}
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level > 6 || level == len(line) {
		return "", false
	}
	if line[level] != ' ' && line[level] != '\t' {
		return "", false
	}
	return strings.TrimSpace(line[level:]), true
}

// replaceSectionBody swaps the body under the target heading for the
// replacement text, preserving every other segment exactly. When the
// heading is absent from the raw Markdown (drift between section records
// and raw text) the replacement is appended at the end instead.
func replaceSectionBody(markdown, heading, replacement string) string {
	segs := splitSegments(markdown)
	key := headingKey(heading)

	for i, seg := range segs {
		if seg.heading == "" || headingKey(seg.heading) != key {
			continue
		}
		headingLine, _, _ := strings.Cut(seg.raw, "\n")
		segs[i].raw = headingLine + "\n\n" + replacement + "\n\n"

		var sb strings.Builder
		for _, s := range segs {
			sb.WriteString(s.raw)
		}
		return sb.String()
	}

	// Drift: the section record exists but the raw text lost its heading.
	out := markdown
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out + "\n## " + heading + "\n\n" + replacement + "\n"
}

// buildMarkdown rebuilds the whole document from ordered sections. Used by
// outline operations, which are the only place structure changes.
func buildMarkdown(sections []sectionText) string {
	var sb strings.Builder
	for i, sec := range sections {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("## " + sec.Heading + "\n")
		if strings.TrimSpace(sec.Content) != "" {
			sb.WriteString("\n" + strings.TrimSpace(sec.Content) + "\n")
		}
	}
	return sb.String()
}

type sectionText struct {
	Heading string
	Content string
}
