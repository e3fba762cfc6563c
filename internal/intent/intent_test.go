package intent

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type fakeModel struct {
	res Result
	err error
}

func (m fakeModel) ClassifyMode(context.Context, string) (Result, error) { return m.res, m.err }

func TestFold(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"Ból głowy", "bol glowy"},
		{"ZAŚWIADCZENIE", "zaswiadczenie"},
		{"Łódź, źdźbło, żółć", "lodz, zdzblo, zolc"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := Fold(tt.in); got != tt.want {
			t.Errorf("Fold(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHeuristic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		text     string
		wantMode Mode
		wantConf float64
	}{
		{"no keywords", "dzień dobry, proszę usiąść", ModeGeneral, 0.2},
		{"one symptom stem", "od wczoraj mam gorączkę", ModeSymptom, 0.55},
		{"two symptom stems", "ból i gorączka", ModeSymptom, 0.7},
		{"admin", "potrzebuję zaświadczenie i skierowanie", ModeAdmin, 0.7},
		{"capped", "chciałbym omówić opcje i metody, zależy mi na wyborze, co poleca pan", ModeDecision, 0.85},
		{"tie goes to decision", "jakie są możliwości, ból", ModeDecision, 0.55},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Heuristic(tt.text)
			if got.Mode != tt.wantMode {
				t.Errorf("Mode = %q, want %q", got.Mode, tt.wantMode)
			}
			if math.Abs(got.Confidence-tt.wantConf) > 1e-9 {
				t.Errorf("Confidence = %v, want %v", got.Confidence, tt.wantConf)
			}
		})
	}
}

func TestClassify_ShortTranscriptReturnsLast(t *testing.T) {
	t.Parallel()

	c := New()
	got := c.Classify(context.Background(), "ból", true)
	if got.Source != SourceInit {
		t.Errorf("Source = %q, want init", got.Source)
	}
}

func TestClassify_RateLimit(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := New(WithClock(clk.now))
	ctx := context.Background()

	base := "pacjent opowiada o swoim dniu w pracy"
	first := c.Classify(ctx, base, false)
	if first.Source != SourceHeuristic {
		t.Fatalf("first Classify source = %q, want heuristic", first.Source)
	}

	// Strong symptom text, but not enough growth and within cooldown.
	grown := base + " ból gorączka kaszel"
	if got := c.Classify(ctx, grown, false); got.Mode != ModeGeneral {
		t.Errorf("rate-limited Classify = %q, want general", got.Mode)
	}

	// Forcing bypasses the limit.
	if got := c.Classify(ctx, grown, true); got.Mode != ModeSymptom {
		t.Errorf("forced Classify = %q, want symptom", got.Mode)
	}
}

func TestClassify_GrowthOrCooldownReevaluates(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := New(WithClock(clk.now))
	ctx := context.Background()

	base := "pacjent opowiada o swoim dniu w pracy"
	c.Classify(ctx, base, false)

	strong := base + " ból gorączka kaszel"
	clk.advance(13 * time.Second)
	if got := c.Classify(ctx, strong, false); got.Mode != ModeSymptom {
		t.Errorf("after cooldown Classify = %q, want symptom", got.Mode)
	}

	c2 := New(WithClock(clk.now))
	c2.Classify(ctx, base, false)
	long := strong + " " + strings.Repeat("x", 120)
	if got := c2.Classify(ctx, long, false); got.Mode != ModeSymptom {
		t.Errorf("after growth Classify = %q, want symptom", got.Mode)
	}
}

func TestClassify_CountsCharactersNotBytes(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1000, 0)}
	c := New(WithClock(clk.now))
	ctx := context.Background()

	// 19 characters but 29 bytes: still below MinTranscript.
	if got := c.Classify(ctx, "żółć ząb źdźbło łęk", true); got.Source != SourceInit {
		t.Fatalf("short Classify source = %q, want init", got.Source)
	}

	base := "pacjent opowiada o swoim dniu w pracy"
	c.Classify(ctx, base, false)
	// 81 characters of growth, over 120 bytes.
	grown := base + " ból gorączka kaszel " + strings.Repeat("ż", 60)
	if got := c.Classify(ctx, grown, false); got.Mode != ModeGeneral {
		t.Errorf("Classify after %d bytes of growth = %q, want general (rate-limited)", len(grown)-len(base), got.Mode)
	}
}

func TestClassify_WeakSwitchNeedsStreak(t *testing.T) {
	t.Parallel()

	c := New()
	ctx := context.Background()
	text := "pacjent ma jeden objaw od rana dzisiaj"

	// "objaw" and "rana": symptom score 2 -> 0.7, below strong.
	if got := c.Classify(ctx, text, true); got.Mode != ModeGeneral {
		t.Fatalf("first weak candidate adopted: %q", got.Mode)
	}
	if got := c.Classify(ctx, text, true); got.Mode != ModeSymptom {
		t.Errorf("second weak candidate = %q, want symptom", got.Mode)
	}
}

func TestClassify_StrongSwitchIsImmediate(t *testing.T) {
	t.Parallel()

	c := New()
	got := c.Classify(context.Background(), "ból, gorączka i kaszel od tygodnia", true)
	if got.Mode != ModeSymptom || got.Confidence < 0.75 {
		t.Errorf("strong candidate = %+v, want symptom at >= 0.75", got)
	}
}

func TestClassify_InterruptedStreakRestarts(t *testing.T) {
	t.Parallel()

	c := New()
	ctx := context.Background()
	symptom := "pacjent ma jeden objaw od rana dzisiaj"
	admin := "pacjent potrzebuje zaświadczenie i skierowanie"

	c.Classify(ctx, symptom, true)
	c.Classify(ctx, admin, true)
	if got := c.Classify(ctx, symptom, true); got.Mode != ModeGeneral {
		t.Errorf("interrupted streak adopted %q, want general", got.Mode)
	}
}

func TestClassify_ModelOverride(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		model fakeModel
		want  Mode
	}{
		{"confident model wins", fakeModel{res: Result{Mode: ModeDecision, Confidence: 0.9}}, ModeDecision},
		{"weak model ignored", fakeModel{res: Result{Mode: ModeDecision, Confidence: 0.5}}, ModeSymptom},
		{"unknown mode ignored", fakeModel{res: Result{Mode: "weird", Confidence: 0.9}}, ModeSymptom},
		{"error falls back", fakeModel{err: errors.New("timeout")}, ModeSymptom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := New(WithModel(tt.model))
			got := c.Classify(context.Background(), "ból, gorączka i kaszel od tygodnia", true)
			if got.Mode != tt.want {
				t.Errorf("Mode = %q, want %q", got.Mode, tt.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	if m, err := ParseMode(" Decision "); err != nil || m != ModeDecision {
		t.Errorf("ParseMode(Decision) = %q, %v", m, err)
	}
	if _, err := ParseMode("chat"); err == nil {
		t.Error("ParseMode(chat) returned nil error")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	c := New()
	c.Classify(context.Background(), "ból, gorączka i kaszel od tygodnia", true)
	c.Reset()
	if got := c.Current(); got.Mode != ModeGeneral || got.Source != SourceInit {
		t.Errorf("Current after Reset = %+v, want initial", got)
	}
}
