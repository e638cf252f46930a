// Package router decides which backend tier serves a turn and tracks
// the cost saved by keeping turns local.
package router

import (
	"strings"
)

// Complexity categorizes query difficulty.
type Complexity int

const (
	ComplexitySimple   Complexity = iota // Short direct request
	ComplexityModerate                   // Multi-part or stateful question
	ComplexityComplex                    // Reasoning, code, long-form work
)

func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// ComplexityResult is the classifier's output for one turn.
type ComplexityResult struct {
	Level       Complexity `json:"level"`
	Score       int        `json:"score"`
	PreferLocal bool       `json:"prefer_local"`
}

// Classifier scores prompts lexically. It never calls a model; the
// point is to decide cheaply whether a model call can stay local.
type Classifier struct {
	// LocalThreshold is the max score still considered simple.
	LocalThreshold int
}

// NewClassifier returns a classifier with the default threshold.
func NewClassifier(localThreshold int) *Classifier {
	if localThreshold <= 0 {
		localThreshold = 3
	}
	return &Classifier{LocalThreshold: localThreshold}
}

// Multi-step phrasing that signals a compound request.
var multiStepMarkers = []string{
	"then ", "after that", "first,", "second,", "next,", "finally,",
	"step by step", "and then",
}

// Vocabulary that signals reasoning or analysis work.
var complexWords = []string{
	"explain", "analyze", "compare", "why", "refactor", "implement",
	"design", "debug", "optimize", "summarize", "recommend",
}

// Classify scores text and maps the score to a complexity level.
// Scoring is additive: length buckets, multi-step markers, code
// indicators, and question structure each contribute points.
func (c *Classifier) Classify(text string) ComplexityResult {
	lower := strings.ToLower(text)
	score := 0

	// Length buckets.
	switch n := len(text); {
	case n > 1000:
		score += 4
	case n > 400:
		score += 3
	case n > 150:
		score += 1
	}

	for _, m := range multiStepMarkers {
		if strings.Contains(lower, m) {
			score += 2
			break
		}
	}

	for _, w := range complexWords {
		if strings.Contains(lower, w) {
			score += 2
			break
		}
	}

	// Numbered lists read as multi-step instructions.
	if strings.Contains(text, "\n1.") || strings.Contains(text, "\n2.") ||
		strings.HasPrefix(text, "1.") {
		score += 2
	}

	if codeLike(text) {
		score += 3
	}

	// Compound questions are harder than single ones.
	if strings.Count(text, "?") > 1 {
		score += 1
	}

	level := ComplexitySimple
	switch {
	case score > c.LocalThreshold*2:
		level = ComplexityComplex
	case score > c.LocalThreshold:
		level = ComplexityModerate
	}

	return ComplexityResult{
		Level:       level,
		Score:       score,
		PreferLocal: level == ComplexitySimple,
	}
}

// codeLike detects fenced blocks and brace/semicolon density.
func codeLike(text string) bool {
	if strings.Contains(text, "```") {
		return true
	}
	if len(text) == 0 {
		return false
	}
	symbols := strings.Count(text, "{") + strings.Count(text, "}") +
		strings.Count(text, ";") + strings.Count(text, "==")
	return float64(symbols)/float64(len(text)) > 0.02
}
