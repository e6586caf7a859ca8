// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakegsd simulates GigaSTaR links to detector control boards,
// driven by a virtual clock.
package fakegsd // import "github.com/go-lpc/camserver/dcb/internal/fakegsd"

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/go-lpc/camserver/dcb/internal/regs"
	"github.com/go-lpc/camserver/gsd"
)

// Clock is a virtual monotonic clock.
// Time only advances when Sleep is called, or when a board waits for
// a transfer.
type Clock struct {
	mu  sync.Mutex
	now time.Duration
}

// NewClock returns a virtual clock starting at one hour.
func NewClock() *Clock {
	return &Clock{now: time.Hour}
}

func (clk *Clock) Now() time.Duration {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	return clk.now
}

// Sleep advances the clock by d.
func (clk *Clock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	clk.mu.Lock()
	defer clk.mu.Unlock()
	clk.now += d
}

func (clk *Clock) advanceTo(t time.Duration) {
	clk.mu.Lock()
	defer clk.mu.Unlock()
	if t > clk.now {
		clk.now = t
	}
}

// Event is a command word received by a board.
type Event struct {
	Board int
	Word  uint32
	Time  time.Duration
}

// Rack is a set of boards sharing a clock and an exposure trigger.
type Rack struct {
	Clock  *Clock
	Boards []*Board

	mu     sync.Mutex
	trace  []Event
	start  time.Duration // start of the last exposure
	gen    int           // number of exposures started
	armed  bool
	closed int
}

// New creates a rack of n boards running the DCB build 0x0412 at 100MHz,
// without BCB, with 6 healthy sensors each.
func New(n int) *Rack {
	rack := &Rack{Clock: NewClock()}
	for i := 0; i < n; i++ {
		rack.Boards = append(rack.Boards, newBoard(i, rack))
	}
	return rack
}

// Drivers returns the boards as GigaSTaR drivers.
func (rack *Rack) Drivers() []gsd.Driver {
	drvs := make([]gsd.Driver, len(rack.Boards))
	for i, b := range rack.Boards {
		drvs[i] = b
	}
	return drvs
}

// Trace returns the command words received by all boards, in order.
func (rack *Rack) Trace() []Event {
	rack.mu.Lock()
	defer rack.mu.Unlock()
	return append([]Event(nil), rack.trace...)
}

// ResetTrace clears the command trace.
func (rack *Rack) ResetTrace() {
	rack.mu.Lock()
	defer rack.mu.Unlock()
	rack.trace = rack.trace[:0]
}

// Closed returns the number of closed boards.
func (rack *Rack) Closed() int {
	rack.mu.Lock()
	defer rack.mu.Unlock()
	return rack.closed
}

func (rack *Rack) record(id int, word uint32) {
	rack.mu.Lock()
	defer rack.mu.Unlock()
	rack.trace = append(rack.trace, Event{Board: id, Word: word, Time: rack.Clock.Now()})
}

func (rack *Rack) trigger() {
	rack.mu.Lock()
	defer rack.mu.Unlock()
	rack.start = rack.Clock.Now()
	rack.gen++
	rack.armed = true
}

func (rack *Rack) disarm() {
	rack.mu.Lock()
	defer rack.mu.Unlock()
	rack.armed = false
}

func (rack *Rack) exposure() (start time.Duration, gen int, armed bool) {
	rack.mu.Lock()
	defer rack.mu.Unlock()
	return rack.start, rack.gen, rack.armed
}

// Sensor is a simulated temperature/humidity sensor.
type Sensor struct {
	Present bool
	Temp    uint16 // raw temperature
	Humid   uint16 // raw humidity
	Fails   int    // number of status reads reporting a CRC error

	// Humidity, when set, gives the raw humidity at a given time.
	Humidity func(now time.Duration) uint16

	TLimit uint16
	HLimit uint16
}

// Board is a simulated GigaSTaR link to a control board.
type Board struct {
	ID         int
	DCBVersion uint16
	DCBBuild   uint16
	BCBVersion uint16
	BCBBuild   uint16
	Freq       uint16  // DCB design frequency, in 100kHz units
	BCBFreq    uint16  // BCB design frequency, in 100kHz units
	Rate       float64 // board oscillator rate relative to the host clock

	Readout   time.Duration // delay between the end of an exposure and its transfer
	TriggerAt time.Duration // delay between arming and the external trigger

	Sensors [6]Sensor

	Refuse    map[uint8]bool // registers answering with an illegal-operation code
	AckDelay  int            // status polls before an acknowledgment shows up
	SlowDelay int            // status polls before a slow command acknowledgment shows up
	Stale     int            // number of stale acknowledgments to leave in front of the next one
	Silent    bool           // no acknowledgment at all
	FailDMA   int            // number of transfers that die
	ShortDMA  int            // number of transfers that stop half way

	mu   sync.Mutex
	rack *Rack
	win  [regs.GS_WINDOW_SIZE / 4]uint32
	dcb  [regs.DCB_NREGS]uint16
	rx   []ack
	ctrl uint32
	stat uint32
	cnt  uint32
	bufs [2][]byte
	maps int
	thch int

	dma struct {
		armed bool
		buf   int
		size  int
		fired time.Duration
	}
	ref struct {
		run   bool
		since time.Duration
		ticks float64
	}
	readout struct {
		pending bool
		at      time.Duration
	}
	gen    int
	images int
	closed bool
}

type ack struct {
	word  uint32
	delay int
}

func newBoard(id int, rack *Rack) *Board {
	b := &Board{
		ID:         id,
		DCBVersion: 0x0004,
		DCBBuild:   0x0412,
		Freq:       1000,
		Rate:       1,
		Readout:    time.Millisecond,
		TriggerAt:  500 * time.Millisecond,
		SlowDelay:  3,
		Refuse:     make(map[uint8]bool),
		rack:       rack,
	}
	for i := range b.Sensors {
		b.Sensors[i] = Sensor{
			Present: true,
			Temp:    6464, // 25C
			Humid:   700,  // ~23%RH
			TLimit:  8964, // 50C
			HLimit:  1950, // ~64%RH
		}
	}
	return b
}

// Reg returns the value of a DCB register.
func (b *Board) Reg(reg uint8) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dcb[reg]
}

// Control returns the level bits of the GigaSTaR control register.
func (b *Board) Control() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctrl
}

// Maps returns the number of DMA buffer mappings.
func (b *Board) Maps() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maps
}

// Buffers returns the DMA buffers.
func (b *Board) Buffers() [2][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufs
}

// Pattern returns the byte written by board id in image i.
func Pattern(id, i int) byte {
	return byte(0x10*(id+1) + i)
}

func (b *Board) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, fmt.Errorf("fakegsd: board %d closed", b.ID)
	}
	if len(p) != 4 || off%4 != 0 || off < 0 || off >= regs.GS_WINDOW_SIZE {
		return 0, fmt.Errorf("fakegsd: invalid register access (off=0x%x, len=%d)", off, len(p))
	}
	binary.LittleEndian.PutUint32(p, b.read32(off))
	return len(p), nil
}

func (b *Board) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, fmt.Errorf("fakegsd: board %d closed", b.ID)
	}
	if len(p) != 4 || off%4 != 0 || off < 0 || off >= regs.GS_WINDOW_SIZE {
		return 0, fmt.Errorf("fakegsd: invalid register access (off=0x%x, len=%d)", off, len(p))
	}
	b.write32(off, binary.LittleEndian.Uint32(p))
	return len(p), nil
}

func (b *Board) read32(off int64) uint32 {
	switch off {
	case regs.GS_RX_DATA:
		if len(b.rx) == 0 || b.rx[0].delay > 0 {
			return 0
		}
		v := b.rx[0].word
		b.rx = b.rx[1:]
		return v
	case regs.GS_STATUS:
		st := b.stat | regs.GS_LINK_UP
		switch {
		case len(b.rx) == 0:
			st |= regs.GS_RX_EMPTY
		case b.rx[0].delay > 0:
			b.rx[0].delay--
			st |= regs.GS_RX_EMPTY
		}
		return st
	case regs.GS_CONTROL:
		return b.ctrl
	case regs.GS_DMA_COUNT:
		return b.cnt
	case regs.GS_ID:
		return 0x65000000 | uint32(b.ID)
	}
	return b.win[off/4]
}

func (b *Board) write32(off int64, v uint32) {
	switch off {
	case regs.GS_TX_DATA:
		b.exec(v)
		return
	case regs.GS_CONTROL:
		if v&regs.GS_RESET_FIFOS != 0 {
			b.rx = nil
			b.stat = 0
			b.cnt = 0
		}
		if v&regs.GS_DMA_WRITE != 0 {
			b.dma.armed = true
			b.dma.buf = int(b.win[regs.GS_DMA_BUF/4] & 1)
			b.dma.size = int(b.win[regs.GS_DMA_SIZE/4])
			b.dma.fired = b.rack.Clock.Now()
			b.stat &^= regs.GS_DMA_DONE | regs.GS_WRITE_DIED | regs.GS_DMA_ERROR
			b.cnt = 0
		}
		b.ctrl = v &^ (regs.GS_RESET_FIFOS | regs.GS_DMA_WRITE)
		return
	}
	b.win[off/4] = v
}

func (b *Board) push(word uint32, delay int) {
	if b.Silent {
		return
	}
	for ; b.Stale > 0; b.Stale-- {
		b.rx = append(b.rx, ack{word: 0x7f000000 | uint32(b.Stale)})
	}
	b.rx = append(b.rx, ack{word: word, delay: delay})
}

func (b *Board) exec(word uint32) {
	b.rack.record(b.ID, word)

	var (
		cmd  = uint8(word >> regs.CMD_SHIFT)
		reg  = uint8(word >> regs.REG_SHIFT)
		data = uint16(word)
		hdr  = word &^ regs.DATA_MASK
	)

	if b.Refuse[reg] {
		b.push(regs.CMD_ILL_DD<<regs.CMD_SHIFT|uint32(reg)<<regs.REG_SHIFT, b.AckDelay)
		return
	}

	switch cmd {
	case regs.CMD_WRITE, regs.CMD_READ, regs.CMD_SET, regs.CMD_CLEAR:
		if int(reg) >= len(b.dcb) {
			b.push(regs.CMD_ILL_FF<<regs.CMD_SHIFT|uint32(reg)<<regs.REG_SHIFT, b.AckDelay)
			return
		}
	}

	switch cmd {
	case regs.CMD_WRITE:
		b.writeReg(reg, data)
		if reg == regs.DCB_RESET {
			data = 0
		}
		b.push(hdr|uint32(data), b.AckDelay)
	case regs.CMD_READ:
		b.push(hdr|uint32(b.readReg(reg)), b.AckDelay)
	case regs.CMD_SET:
		b.writeReg(reg, b.dcb[reg]|data)
		b.push(hdr|uint32(b.dcb[reg]), b.AckDelay)
	case regs.CMD_CLEAR:
		b.writeReg(reg, b.dcb[reg]&^data)
		b.push(hdr|uint32(b.dcb[reg]), b.AckDelay)
	case regs.CMD_FILL, regs.CMD_CALTRAIN, regs.CMD_LOADTRIM:
		b.push(word, b.SlowDelay)
	case regs.CMD_READOUT:
		b.readout.pending = true
		b.readout.at = b.rack.Clock.Now()
		b.push(word, b.SlowDelay)
	default:
		b.push(regs.CMD_ILL_FF<<regs.CMD_SHIFT|uint32(reg)<<regs.REG_SHIFT, b.AckDelay)
	}
}

func (b *Board) period() float64 {
	return 1 / (float64(b.Freq) * regs.DesignFreqUnit)
}

func (b *Board) refTicks() uint64 {
	ticks := b.ref.ticks
	if b.ref.run {
		dt := (b.rack.Clock.Now() - b.ref.since).Seconds()
		ticks += dt / b.period() * b.Rate
	}
	return uint64(ticks + 0.5)
}

func (b *Board) writeReg(reg uint8, v uint16) {
	old := b.dcb[reg]
	switch reg {
	case regs.DCB_CTRL:
		b.dcb[reg] = v
		switch run := v&regs.CTRL_REFCNT_RUN != 0; {
		case run && old&regs.CTRL_REFCNT_RUN == 0:
			b.ref.run = true
			b.ref.since = b.rack.Clock.Now()
		case !run && old&regs.CTRL_REFCNT_RUN != 0:
			b.ref.ticks = float64(b.refTicks())
			b.ref.run = false
		}
	case regs.DCB_TRIG:
		b.dcb[reg] = v
		if v&regs.TRIG_MASTER != 0 && old&regs.TRIG_MASTER == 0 {
			b.rack.trigger()
		}
	case regs.DCB_RESET:
		if v&regs.RESET_REFCNT != 0 {
			b.ref.ticks = 0
			b.ref.since = b.rack.Clock.Now()
		}
		if v&regs.RESET_EXPOSURE != 0 {
			if b.ID == 0 {
				b.rack.disarm()
			}
			b.dcb[regs.DCB_TRIG] = 0
			b.dcb[regs.DCB_CTRL] &^= regs.CTRL_IMAGE_TX
		}
		if v&regs.RESET_CALPIX != 0 {
			b.dcb[regs.DCB_CTRL] &^= regs.CTRL_CALPIX
		}
		if v&(regs.RESET_FIFO|regs.RESET_AUTOREAD) != 0 {
			b.readout.pending = false
		}
		b.dcb[reg] = 0
	case regs.DCB_TH_STATUS:
		b.thch = int(v & regs.TH_CHAN_MASK)
	case regs.DCB_TH_TLIMIT:
		if b.thch < len(b.Sensors) {
			b.Sensors[b.thch].TLimit = v
		}
	case regs.DCB_TH_HLIMIT:
		if b.thch < len(b.Sensors) {
			b.Sensors[b.thch].HLimit = v
		}
	default:
		b.dcb[reg] = v
	}
}

func (b *Board) sensor() *Sensor {
	if b.thch >= len(b.Sensors) {
		return &Sensor{}
	}
	return &b.Sensors[b.thch]
}

func (b *Board) readReg(reg uint8) uint16 {
	switch reg {
	case regs.DCB_REFCNT_0, regs.DCB_REFCNT_1, regs.DCB_REFCNT_2:
		return uint16(b.refTicks() >> (16 * (reg - regs.DCB_REFCNT_0)))
	case regs.DCB_DESIGN_FREQ:
		return b.Freq
	case regs.BCB_DESIGN_FREQ:
		return b.BCBFreq
	case regs.DCB_VERSION:
		return b.DCBVersion
	case regs.DCB_BUILD:
		return b.DCBBuild
	case regs.BCB_VERSION:
		return b.BCBVersion
	case regs.BCB_BUILD:
		return b.BCBBuild
	case regs.DCB_TH_STATUS:
		st := uint16(b.thch)
		s := b.sensor()
		switch {
		case !s.Present:
			st |= regs.TH_COMM_ERR
		case s.Fails > 0:
			s.Fails--
			st |= regs.TH_CRC_ERR
		}
		return st
	case regs.DCB_TH_TEMP:
		return b.sensor().Temp
	case regs.DCB_TH_HUMID:
		s := b.sensor()
		if s.Humidity != nil {
			return s.Humidity(b.rack.Clock.Now())
		}
		return s.Humid
	case regs.DCB_TH_TLIMIT:
		return b.sensor().TLimit
	case regs.DCB_TH_HLIMIT:
		return b.sensor().HLimit
	}
	return b.dcb[reg]
}

func (b *Board) u48(reg uint8) uint64 {
	return uint64(b.dcb[reg]) | uint64(b.dcb[reg+1])<<16 | uint64(b.dcb[reg+2])<<32
}

// host converts a number of board ticks into host time.
func (b *Board) host(ticks uint64) time.Duration {
	return time.Duration(float64(ticks) * b.period() / b.Rate * 1e9)
}

// readyAt returns the host time at which the armed transfer completes.
func (b *Board) readyAt() (time.Duration, bool) {
	if b.readout.pending {
		b.readout.pending = false
		return b.readout.at + b.Readout, true
	}

	ctrl := b.dcb[regs.DCB_CTRL]
	if ctrl&regs.CTRL_IMAGE_TX == 0 {
		return 0, false
	}
	start, gen, armed := b.rack.exposure()
	if !armed {
		return 0, false
	}
	if gen != b.gen {
		b.gen = gen
		b.images = 0
	}

	var (
		texp = b.host(b.u48(regs.DCB_EXPT_0))
		tper = b.host(b.u48(regs.DCB_EXPP_0))
		nexp = int(b.dcb[regs.DCB_NEXP_LO]) | int(b.dcb[regs.DCB_NEXP_HI])<<16
	)
	if nexp < 1 {
		nexp = 1
	}
	if ctrl&(regs.CTRL_EXT_TRIG|regs.CTRL_EXT_ENABLE|regs.CTRL_MULTI_TRIG) != 0 {
		start += b.TriggerAt + b.host(b.u48(regs.DCB_TDLY_0))
	}

	if ctrl&regs.CTRL_MULTI_TRIG != 0 {
		return start + time.Duration(b.images)*tper + texp + b.Readout, true
	}
	return start + time.Duration(nexp-1)*tper + texp + b.Readout, true
}

func (b *Board) MapDMA(idx, size int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx < 0 || idx >= len(b.bufs) {
		return nil, fmt.Errorf("fakegsd: invalid DMA buffer index %d", idx)
	}
	if len(b.bufs[idx]) != size {
		b.bufs[idx] = make([]byte, size)
		b.maps++
	}
	return b.bufs[idx], nil
}

// WaitDMA advances the clock up to the completion of the armed transfer.
func (b *Board) WaitDMA() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, fmt.Errorf("fakegsd: board %d closed", b.ID)
	}
	if !b.dma.armed {
		return 0, fmt.Errorf("fakegsd: no DMA armed on board %d", b.ID)
	}
	b.dma.armed = false

	var (
		clk      = b.rack.Clock
		timeout  = time.Duration(b.win[regs.GS_TIMEOUT/4]) * regs.GS_TIMEOUT_UNIT
		deadline = b.dma.fired + timeout
	)
	ready, ok := b.readyAt()
	if b.FailDMA > 0 || !ok || ready > deadline {
		if b.FailDMA > 0 {
			b.FailDMA--
		}
		clk.advanceTo(deadline)
		b.stat |= regs.GS_WRITE_DIED
		b.cnt = 0
		return 0, nil
	}
	clk.advanceTo(ready)

	n := b.dma.size
	if b.ShortDMA > 0 {
		b.ShortDMA--
		n /= 2
	}
	buf := b.bufs[b.dma.buf]
	if n > len(buf) {
		n = len(buf)
	}
	for i := range buf[:n] {
		buf[i] = Pattern(b.ID, b.images)
	}
	b.images++
	b.cnt = uint32(n)
	b.stat |= regs.GS_DMA_DONE
	return n, nil
}

func (b *Board) Now() time.Duration {
	return b.rack.Clock.Now()
}

func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.rack.mu.Lock()
	b.rack.closed++
	b.rack.mu.Unlock()
	return nil
}

var (
	_ gsd.Driver = (*Board)(nil)
)
