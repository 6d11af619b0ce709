package telephone

import (
	"fmt"

	"github.com/leonletto/delegate/internal/agentsdk"
)

// Usage is token and cost accounting for a conversation. The runtime
// reports cumulative figures; Delta turns them into per-message increments.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	CostUSD             float64
}

// Add returns u + v.
func (u Usage) Add(v Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens + v.InputTokens,
		OutputTokens:        u.OutputTokens + v.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens + v.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens + v.CacheCreationTokens,
		CostUSD:             u.CostUSD + v.CostUSD,
	}
}

// Sub returns u - v.
func (u Usage) Sub(v Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens - v.InputTokens,
		OutputTokens:        u.OutputTokens - v.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens - v.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens - v.CacheCreationTokens,
		CostUSD:             u.CostUSD - v.CostUSD,
	}
}

// Total returns all token counts summed.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

func (u Usage) String() string {
	return fmt.Sprintf("in=%d out=%d cache_read=%d cache_write=%d cost=$%.4f",
		u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTokens, u.CostUSD)
}

// FromMessage extracts the cumulative usage a message carries, or false
// when the message has none.
func FromMessage(m agentsdk.Message) (Usage, bool) {
	if m.Usage == nil {
		return Usage{}, false
	}
	return Usage{
		InputTokens:         m.Usage.InputTokens,
		OutputTokens:        m.Usage.OutputTokens,
		CacheReadTokens:     m.Usage.CacheReadTokens,
		CacheCreationTokens: m.Usage.CacheCreationTokens,
		CostUSD:             m.TotalCostUSD,
	}, true
}

// Delta computes the per-message increment given the last known cumulative
// figure, clamping negative components to zero (a fresh subprocess restarts
// cumulative accounting).
func Delta(cumulative, lastKnown Usage) Usage {
	d := cumulative.Sub(lastKnown)
	if d.InputTokens < 0 {
		d.InputTokens = cumulative.InputTokens
	}
	if d.OutputTokens < 0 {
		d.OutputTokens = cumulative.OutputTokens
	}
	if d.CacheReadTokens < 0 {
		d.CacheReadTokens = cumulative.CacheReadTokens
	}
	if d.CacheCreationTokens < 0 {
		d.CacheCreationTokens = cumulative.CacheCreationTokens
	}
	if d.CostUSD < 0 {
		d.CostUSD = cumulative.CostUSD
	}
	return d
}
