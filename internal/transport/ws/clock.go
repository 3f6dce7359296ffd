package ws

import "time"

// clockWindow is the number of input samples per minimum-delay window.
const clockWindow = 64

// clockSync maps a client's input timestamps onto the server clock.
//
// Every input yields one sample of arrival minus client timestamp, which is
// the clock offset plus the one-way delay. The smallest sample in a window
// carries the least queuing delay; taking it per window lets the estimate
// follow clock drift in either direction. Only the connection's reader
// goroutine touches it.
type clockSync struct {
	offset time.Duration
	have   bool

	winMin   time.Duration
	winCount int
}

func (c *clockSync) observe(clientMs int64, recv time.Time) {
	d := recv.Sub(time.UnixMilli(clientMs))
	if c.winCount == 0 || d < c.winMin {
		c.winMin = d
	}
	c.winCount++
	if !c.have || c.winMin < c.offset {
		c.offset = c.winMin
		c.have = true
	}
	if c.winCount >= clockWindow {
		c.offset = c.winMin
		c.winCount = 0
	}
}

// serverMs converts a client timestamp to server milliseconds, taking half
// the measured round trip as the one-way delay.
func (c *clockSync) serverMs(clientMs int64, rtt time.Duration) int64 {
	if !c.have {
		return clientMs
	}
	return time.UnixMilli(clientMs).Add(c.offset - rtt/2).UnixMilli()
}
