package relay

import (
	"encoding/json"
	"sync"
)

type outcome struct {
	body json.RawMessage
	err  error
}

// pending is a one-shot slot for an in-flight request. Response arrival,
// timeout, and disconnect all race to settle it; the first caller wins and
// every later attempt is a no-op. The guard must trip before the channel
// send so a synchronously-invoked competitor cannot double-fire.
type pending struct {
	once sync.Once
	ch   chan outcome
}

func newPending() *pending {
	return &pending{ch: make(chan outcome, 1)}
}

// settle records the outcome if nothing settled it yet. Reports whether this
// call won.
func (p *pending) settle(body json.RawMessage, err error) bool {
	won := false
	p.once.Do(func() {
		won = true
		p.ch <- outcome{body: body, err: err}
	})
	return won
}

func (p *pending) wait() <-chan outcome {
	return p.ch
}
