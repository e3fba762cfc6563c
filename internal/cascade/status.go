package cascade

import (
	"time"

	"github.com/MrWong99/consultflow/pkg/provider/stt"
)

// TierStatus describes one tier for the presentation layer.
type TierStatus struct {
	Engine string `json:"engine"`
	Busy   bool   `json:"busy"`
	// Fallback is set when the tier runs on a lower tier's engine.
	Fallback bool `json:"fallback"`
}

// Status is a snapshot of pipeline activity.
type Status struct {
	Running  bool          `json:"running"`
	Fast     TierStatus    `json:"fast"`
	Context  TierStatus    `json:"context"`
	Final    TierStatus    `json:"final"`
	Cursor   time.Duration `json:"cursor"`
	Buffered time.Duration `json:"buffered"`
	Silence  time.Duration `json:"silence"`
}

// Status returns the current pipeline status.
func (c *Cascade) Status() Status {
	buffered := c.buf.Len()

	c.mu.Lock()
	defer c.mu.Unlock()

	ctxEngine := c.engines.Context
	if ctxEngine == nil {
		ctxEngine = c.engines.Fast
	}
	finalEngine, _ := c.finalEngine()

	var silence time.Duration
	if !c.silentSince.IsZero() {
		silence = c.now().Sub(c.silentSince)
	}
	return Status{
		Running:  c.running,
		Fast:     TierStatus{Engine: stt.NameOf(c.engines.Fast), Busy: c.busy[TierFast]},
		Context:  TierStatus{Engine: stt.NameOf(ctxEngine), Busy: c.busy[TierContext], Fallback: c.engines.Context == nil},
		Final:    TierStatus{Engine: stt.NameOf(finalEngine), Busy: c.busy[TierFinal], Fallback: c.engines.Final == nil},
		Cursor:   c.cfg.duration(c.cursor),
		Buffered: c.cfg.duration(buffered),
		Silence:  silence,
	}
}

func (c *Cascade) publishStatus() {
	c.status.Publish(c.Status())
}
