package watch

import (
	"strings"
	"time"
)

// Pulse lights up on every event and fades one dot every two seconds.
type Pulse struct {
	dots      int
	lastEvent time.Time
}

const pulseWidth = 5

func (p *Pulse) OnEvent(now time.Time) {
	p.dots = pulseWidth
	p.lastEvent = now
}

// Decay recomputes the lit dots for now.
func (p *Pulse) Decay(now time.Time) {
	if p.lastEvent.IsZero() {
		return
	}
	faded := int(now.Sub(p.lastEvent) / (2 * time.Second))
	p.dots = max(pulseWidth-faded, 0)
}

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range pulseWidth {
		if i < p.dots {
			b.WriteString(theme.PulseActive.Render("●"))
		} else {
			b.WriteString(theme.PulseInactive.Render("○"))
		}
	}
	return b.String()
}

func (p Pulse) LastEvent() time.Time {
	return p.lastEvent
}
