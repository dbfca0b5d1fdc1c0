// Package gcode provides text-level helpers for slicer output: estimated
// print time extraction, layer height pre-scanning, and command counting.
// Nothing in this package touches a printer; it operates on raw file text.
package gcode

import (
	"regexp"
	"strconv"
	"strings"
)

// LayerChangeMarker is the slicer comment that demarcates the start of a
// new Z-layer. The comment on the following line carries the Z height.
const LayerChangeMarker = ";LAYER_CHANGE"

var (
	zCommentRe = regexp.MustCompile(`^;Z:([0-9]*\.?[0-9]+)`)
	intGroupRe = regexp.MustCompile(`\d+`)
)

// Lines splits raw gcode into lines, normalizing CRLF and lone CR endings.
func Lines(data []byte) []string {
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	return strings.Split(content, "\n")
}

// Comments returns the comment lines of the file in source order.
func Comments(lines []string) []string {
	var comments []string
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), ";") {
			comments = append(comments, strings.TrimSpace(line))
		}
	}
	return comments
}

// StripComment removes an inline comment and surrounding whitespace from a
// line. The returned string is empty for blank and comment-only lines.
func StripComment(line string) string {
	line = strings.TrimSpace(line)
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	return line
}

// CountCommands returns the number of sendable lines: non-empty after
// comment stripping. This is the denominator for progress accounting.
func CountCommands(lines []string) int {
	n := 0
	for _, line := range lines {
		if StripComment(line) != "" {
			n++
		}
	}
	return n
}

// ZHeight parses a ";Z:<float>" comment and returns the height.
func ZHeight(line string) (float64, bool) {
	m := zCommentRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// MaxLayerHeight scans comments from the end of the file and returns the Z
// value of the last layer change, i.e. the first comment (searching
// backwards) containing the layer change marker whose immediately following
// comment carries a Z height. Returns false if the file has no layer
// change markers.
func MaxLayerHeight(comments []string) (float64, bool) {
	for i := len(comments) - 2; i >= 0; i-- {
		if !strings.Contains(comments[i], LayerChangeMarker) {
			continue
		}
		if z, ok := ZHeight(comments[i+1]); ok {
			return z, true
		}
	}
	return 0, false
}

// EstimatedSeconds extracts the slicer's total print time estimate from the
// file's comment lines. Two formats are recognized:
//
//  1. Cura style: the first comment contains "FLAVOR" and the second is
//     ";TIME:<seconds>".
//  2. PrusaSlicer style: the first comment containing the word "time" holds
//     integer groups read right to left as seconds, minutes, hours, days.
func EstimatedSeconds(comments []string) int {
	if len(comments) == 0 {
		return 0
	}

	if strings.Contains(comments[0], "FLAVOR") && len(comments) > 1 {
		parts := strings.SplitN(comments[1], ":", 2)
		if len(parts) == 2 {
			if v, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
				return v
			}
		}
		return 0
	}

	for _, line := range comments {
		if !strings.Contains(strings.ToLower(line), "time") {
			continue
		}
		groups := intGroupRe.FindAllString(line, -1)
		if len(groups) == 0 {
			return 0
		}

		// Right to left: seconds, minutes, hours, days.
		units := []int{1, 60, 3600, 86400}
		total := 0
		for i := 0; i < len(groups) && i < len(units); i++ {
			v, err := strconv.Atoi(groups[len(groups)-1-i])
			if err != nil {
				continue
			}
			total += v * units[i]
		}
		return total
	}
	return 0
}
