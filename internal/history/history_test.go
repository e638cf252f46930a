package history

import (
	"strings"
	"testing"

	"github.com/kwall/drover/internal/llm"
)

// oneTokenPerChar makes token math exact in tests.
func oneTokenPerChar(text string) int { return len(text) }

func msg(role, content string) llm.Message {
	return llm.Message{Role: role, Content: content}
}

func TestTotalTokensSumsPromptAndMessages(t *testing.T) {
	m := NewManager("sys", 1000, 0, oneTokenPerChar, nil)
	m.Append(msg("user", "abcde"))
	m.Append(msg("assistant", "xy"))

	if got := m.TotalTokens(); got != 3+5+2 {
		t.Errorf("TotalTokens = %d, want 10", got)
	}
}

func TestUsagePercent(t *testing.T) {
	m := NewManager("", 200, 100, oneTokenPerChar, nil)
	m.Append(msg("user", strings.Repeat("a", 50)))

	if got := m.UsagePercent(); got != 50 {
		t.Errorf("UsagePercent = %v, want 50", got)
	}
}

func TestOptimizedIdentityBelowTrigger(t *testing.T) {
	m := NewManager("", 1000, 0, oneTokenPerChar, nil)
	for i := 0; i < 10; i++ {
		m.Append(msg("user", strings.Repeat("a", 70))) // 700 total, 70%
	}

	got := m.Optimized()
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10 (identity below 80%%)", len(got))
	}
	for i, g := range got {
		if g.Content != strings.Repeat("a", 70) {
			t.Errorf("message %d altered", i)
		}
	}
}

func TestOptimizedTrimsMiddle(t *testing.T) {
	// Budget 1000; ten messages of 90 tokens = 900 = 90% usage.
	// Target 700 => free 200 => trim the three oldest middle messages.
	m := NewManager("", 1000, 0, oneTokenPerChar, nil)
	contents := []string{"first", "m1", "m2", "m3", "m4", "m5", "t1", "t2", "t3", "t4"}
	for _, c := range contents {
		m.Append(msg("user", c+strings.Repeat("a", 90-len(c))))
	}

	got := m.Optimized()

	if !strings.HasPrefix(got[0].Content, "first") {
		t.Errorf("first message not retained: %q", got[0].Content)
	}
	if got[1].Role != "system" || !strings.Contains(got[1].Content, "3 earlier messages trimmed") {
		t.Errorf("marker = %+v", got[1])
	}
	// Last 4 retained verbatim.
	tail := got[len(got)-4:]
	for i, want := range []string{"t1", "t2", "t3", "t4"} {
		if !strings.HasPrefix(tail[i].Content, want) {
			t.Errorf("tail[%d] = %q, want prefix %q", i, tail[i].Content, want)
		}
	}
	// first + marker + (m4, m5) + 4 tail
	if len(got) != 8 {
		t.Errorf("len = %d, want 8", len(got))
	}
}

func TestOptimizedShortWindowUntouched(t *testing.T) {
	// Over budget but only first + tail exist, nothing trimmable.
	m := NewManager("", 100, 0, oneTokenPerChar, nil)
	for i := 0; i < 5; i++ {
		m.Append(msg("user", strings.Repeat("a", 30)))
	}

	got := m.Optimized()
	if len(got) != 5 {
		t.Errorf("len = %d, want 5 unchanged", len(got))
	}
	for _, g := range got {
		if g.Role == "system" {
			t.Error("no marker should be inserted for an untrimmable window")
		}
	}
}

func TestOptimizedInsufficientMiddleUntouched(t *testing.T) {
	// Middle too small to reach the target: overflow tolerated.
	m := NewManager("", 100, 0, oneTokenPerChar, nil)
	m.Append(msg("user", strings.Repeat("a", 40)))
	m.Append(msg("user", "b")) // the whole middle, 1 token
	for i := 0; i < 4; i++ {
		m.Append(msg("user", strings.Repeat("c", 40)))
	}

	got := m.Optimized()
	if len(got) != 6 {
		t.Errorf("len = %d, want 6 unchanged", len(got))
	}
}

func TestResetAndLen(t *testing.T) {
	m := NewManager("", 1000, 0, nil, nil)
	m.Append(msg("user", "hello"))
	m.Append(msg("assistant", "hi"))
	if m.Len() != 2 {
		t.Errorf("Len = %d", m.Len())
	}

	m.Reset()
	if m.Len() != 0 {
		t.Errorf("Len after Reset = %d", m.Len())
	}
	if m.TotalTokens() != 0 {
		t.Errorf("TotalTokens after Reset = %d", m.TotalTokens())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewManager("", 1000, 0, nil, nil)
	m.Append(msg("user", "hello"))

	snap := m.Snapshot()
	snap[0].Content = "mutated"

	if m.Snapshot()[0].Content != "hello" {
		t.Error("Snapshot shares backing storage with the manager")
	}
}
