// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs holds the register layout of the GigaSTaR PCI window
// and of the detector control board.
package regs // import "github.com/go-lpc/camserver/dcb/internal/regs"

import "time"

// GigaSTaR register window, byte offsets.
const (
	GS_TX_DATA   = 0x00
	GS_RX_DATA   = 0x04
	GS_STATUS    = 0x08
	GS_CONTROL   = 0x0c
	GS_DMA_COUNT = 0x10
	GS_DMA_SIZE  = 0x14
	GS_TIMEOUT   = 0x18
	GS_ID        = 0x1c
	GS_DMA_BUF   = 0x20

	GS_WINDOW_SIZE = 32 * 4
)

// GS_STATUS bits.
const (
	GS_RX_EMPTY   = 1 << 0
	GS_TX_FULL    = 1 << 1
	GS_LINK_UP    = 1 << 2
	GS_DMA_DONE   = 1 << 3
	GS_WRITE_DIED = 1 << 4
	GS_DMA_ERROR  = 1 << 5
)

// GS_CONTROL bits.
// GS_RESET_FIFOS and GS_DMA_WRITE are pulses, the others are levels.
const (
	GS_RESET_FIFOS = 1 << 0
	GS_INT_ENABLE  = 1 << 1
	GS_DMA_WRITE   = 1 << 2
	GS_AUTO_READ   = 1 << 3
)

// GS_TIMEOUT holds a 16-bit count of 10ms ticks.
const (
	GS_TIMEOUT_UNIT = 10 * time.Millisecond
	GS_TIMEOUT_MAX  = 0xffff
)

// Command word layout: code<<24 | reg<<16 | data.
const (
	CMD_SHIFT  = 24
	REG_SHIFT  = 16
	DATA_MASK  = 0xffff
	CODE_MASK  = 0xff
	CMD_ILL_DD = 0xdd
	CMD_ILL_FF = 0xff
)

// Command codes.
const (
	CMD_WRITE    = 0x01
	CMD_READ     = 0x02
	CMD_SET      = 0x03
	CMD_CLEAR    = 0x04
	CMD_FILL     = 0x10
	CMD_CALTRAIN = 0x11
	CMD_LOADTRIM = 0x12
	CMD_READOUT  = 0x13
)

// DCB registers.
const (
	DCB_CTRL        = 0x00
	DCB_TRIG        = 0x01
	DCB_RESET       = 0x02
	DCB_STATUS      = 0x03
	DCB_BANK_SEL    = 0x04
	DCB_MOD_SEL     = 0x05
	DCB_EXPT_0      = 0x08
	DCB_EXPT_1      = 0x09
	DCB_EXPT_2      = 0x0a
	DCB_EXPP_0      = 0x0b
	DCB_EXPP_1      = 0x0c
	DCB_EXPP_2      = 0x0d
	DCB_NEXP_LO     = 0x0e
	DCB_NEXP_HI     = 0x0f
	DCB_NFRM_LO     = 0x10
	DCB_NFRM_HI     = 0x11
	DCB_TDLY_0      = 0x12
	DCB_TDLY_1      = 0x13
	DCB_TDLY_2      = 0x14
	DCB_DEBOUNCE    = 0x15
	DCB_REFCNT_0    = 0x16
	DCB_REFCNT_1    = 0x17
	DCB_REFCNT_2    = 0x18
	DCB_DESIGN_FREQ = 0x19
	DCB_VERSION     = 0x1a
	DCB_BUILD       = 0x1b
	BCB_VERSION     = 0x1c
	BCB_BUILD       = 0x1d
	BCB_DESIGN_FREQ = 0x1e
	DCB_TH_STATUS   = 0x20
	DCB_TH_TEMP     = 0x21
	DCB_TH_HUMID    = 0x22
	DCB_TH_TLIMIT   = 0x23
	DCB_TH_HLIMIT   = 0x24

	DCB_NREGS = 0x40
)

// DCB_CTRL bits.
const (
	CTRL_IMAGE_TX   = 1 << 0
	CTRL_EXT_ENABLE = 1 << 1
	CTRL_EXT_TRIG   = 1 << 2
	CTRL_MULTI_TRIG = 1 << 3
	CTRL_EXPOSURE   = 1 << 4
	CTRL_CALPIX     = 1 << 5
	CTRL_REFCNT_RUN = 1 << 6

	CTRL_MODE_MASK = CTRL_EXT_ENABLE | CTRL_EXT_TRIG | CTRL_MULTI_TRIG
)

// DCB_TRIG bits.
const (
	TRIG_ARM     = 1 << 0
	TRIG_MASTER  = 1 << 1
	TRIG_EXT_ARM = 1 << 2

	TRIG_MASK = TRIG_ARM | TRIG_MASTER | TRIG_EXT_ARM
)

// DCB_RESET bits. Reset bits clear themselves: the acknowledged payload
// of a write to DCB_RESET is zero.
const (
	RESET_FIFO     = 1 << 0
	RESET_EXPOSURE = 1 << 1
	RESET_CALPIX   = 1 << 2
	RESET_AUTOREAD = 1 << 3
	RESET_REFCNT   = 1 << 4
	RESET_TH       = 1 << 5
)

// DCB_STATUS bits.
const (
	STATUS_EXPOSING = 1 << 0
	STATUS_TX_BUSY  = 1 << 1
)

// DCB_TH_STATUS fields.
const (
	TH_CHAN_MASK = 0x7
	TH_CRC_ERR   = 1 << 8
	TH_COMM_ERR  = 1 << 9
	TH_RESET     = 1 << 15

	TH_TEMP_MASK  = 0x3fff
	TH_HUMID_MASK = 0x0fff
)

// Bank and module selection codes.
const (
	SEL_ALL  = 0xf
	SEL_NONE = 0xe
)

// DesignFreqUnit is the unit of the design frequency registers.
const DesignFreqUnit = 100e3 // Hz

// IsResetClass reports whether writes to reg are acknowledged with a
// zero payload.
func IsResetClass(reg uint8) bool {
	return reg == DCB_RESET
}

// IsSlow reports whether cmd needs the extended acknowledgment window.
func IsSlow(cmd uint8) bool {
	switch cmd {
	case CMD_FILL, CMD_CALTRAIN, CMD_LOADTRIM, CMD_READOUT:
		return true
	}
	return false
}
