package assistant

import (
	"fmt"
	"strings"

	"github.com/MrWong99/consultflow/internal/intent"
)

const suggestionsPrompt = `You assist a physician during a live consultation held in Polish.
Read the transcript and propose the follow-up questions the physician should ask next.

Rules:
- Write every question in Polish, short and directly addressed to the patient.
- Propose at most %d questions, most useful first.
- Never repeat or rephrase a question from the "already asked" list.
- Focus: %s

Respond with ONLY a JSON object (no markdown, no prose):
{"questions": ["<question>", ...]}`

const decisionPrompt = `You assist a physician who is about to agree a treatment decision with the patient.
Read the transcript and produce short cards that help close the decision.

Card kinds:
- "check": a point the physician should confirm with the patient.
- "script": a sentence the physician can say to the patient.

Write every card in Polish. Produce at most %d cards.

Respond with ONLY a JSON object (no markdown, no prose):
{"cards": [{"text": "<card>", "kind": "check|script"}, ...]}`

const validatePrompt = `You correct speech-recognition output from a medical consultation held in Polish.

Rules:
- Fix misrecognised words, punctuation and capitalisation only.
- Never summarise, shorten, translate or add content.
- Keep medical terms and drug names; correct their spelling when clearly misheard.
- Set "needs_newline" to true when the segment starts a new topic or a new speaker turn.

Respond with ONLY a JSON object (no markdown, no prose):
{"corrected_text": "<segment>", "needs_newline": false}`

const classifyPrompt = `Classify the current phase of a medical consultation held in Polish.

Modes:
- "general": history taking and open conversation.
- "decision": choosing or agreeing a treatment.
- "followup": checking results of an earlier treatment.
- "admin": prescriptions, sick leave, referrals, scheduling.
- "symptom": exploring a specific complaint in detail.

Respond with ONLY a JSON object (no markdown, no prose):
{"mode": "<mode>", "confidence": <0.0-1.0>, "reason": "<short reason>"}`

const answersPrompt = `A physician just asked a patient the question below during a consultation held in Polish.
List the most likely short answers the patient could give, in Polish, so the physician can tap one.
Produce between 2 and %d answers.

Respond with ONLY a JSON object (no markdown, no prose):
{"answers": ["<answer>", ...]}`

// modeFocus steers suggestion generation per conversation mode.
var modeFocus = map[intent.Mode]string{
	intent.ModeGeneral:  "complete the medical history: complaints, duration, medication, allergies.",
	intent.ModeFollowup: "assess the effect and tolerance of the current treatment.",
	intent.ModeAdmin:    "clarify the paperwork the patient needs.",
	intent.ModeSymptom:  "characterise the symptom: location, intensity, onset, triggers, relief.",
	intent.ModeDecision: "confirm the patient understands and accepts the options.",
}

func focusFor(mode intent.Mode) string {
	if f, ok := modeFocus[mode]; ok {
		return f
	}
	return modeFocus[intent.ModeGeneral]
}

func suggestionsUser(transcript string, exclude []string) string {
	var b strings.Builder
	b.WriteString("Transcript:\n")
	b.WriteString(transcript)
	if len(exclude) > 0 {
		b.WriteString("\n\nAlready asked:\n")
		writeList(&b, exclude)
	}
	return b.String()
}

func validateUser(segment, prior string, known []string) string {
	var b strings.Builder
	if prior != "" {
		b.WriteString("Previous text (do not return it):\n")
		b.WriteString(prior)
		b.WriteString("\n\n")
	}
	if len(known) > 0 {
		b.WriteString("Questions the physician asked:\n")
		writeList(&b, known)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Segment to correct:\n%s", segment)
	return b.String()
}

func writeList(b *strings.Builder, items []string) {
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteByte('\n')
	}
}

// tail keeps the last n runes of s, cut at a word boundary when possible.
func tail(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	out := string(r[len(r)-n:])
	if i := strings.IndexByte(out, ' '); i >= 0 && i < len(out)-1 {
		out = out[i+1:]
	}
	return out
}
