// Package board knows the DTR/RTS wiring of the supported K210 boards and
// runs the line dances that drop the chip into ISP mode or reboot it.
package board

import (
	"fmt"
	"time"
)

// Lines is the serial line control a dance needs.
type Lines interface {
	SetDTR(value bool) error
	SetRTS(value bool) error
}

// Variant identifies a board's reset wiring.
type Variant int

const (
	Unknown Variant = iota
	KD233
	Generic
)

// Variants lists the detectable boards in probe order.
func Variants() []Variant {
	return []Variant{KD233, Generic}
}

// String returns the board name.
func (v Variant) String() string {
	switch v {
	case KD233:
		return "KD233"
	case Generic:
		return "Generic"
	default:
		return "Unknown"
	}
}

// Controller runs DTR/RTS dances against a port's control lines.
type Controller struct {
	lines Lines
	sleep func(time.Duration)
}

// NewController returns a Controller for the given lines.
func NewController(lines Lines) *Controller {
	return &Controller{
		lines: lines,
		sleep: time.Sleep,
	}
}

// EnterISP drives the chip into ISP mode using the variant's dance.
func (c *Controller) EnterISP(v Variant) error {
	switch v {
	case KD233:
		// Hold boot low while pulsing reset.
		return c.dance(
			step{dtr: high, rts: high, wait: 50 * time.Millisecond},
			step{dtr: low, wait: 50 * time.Millisecond},
		)
	case Generic:
		return c.dance(
			step{dtr: low, rts: low, wait: 10 * time.Millisecond},
			step{rts: high, wait: 10 * time.Millisecond},
			step{rts: low, dtr: high, wait: 10 * time.Millisecond},
		)
	default:
		return fmt.Errorf("board: no ISP dance for variant %s", v)
	}
}

// Reboot resets the chip into its flashed firmware. Same edges as the ISP
// dance minus the boot-pin hold.
func (c *Controller) Reboot(v Variant) error {
	switch v {
	case KD233:
		return c.dance(
			step{rts: low, dtr: high, wait: 50 * time.Millisecond},
			step{dtr: low, wait: 50 * time.Millisecond},
		)
	case Generic:
		return c.dance(
			step{dtr: low, rts: low, wait: 10 * time.Millisecond},
			step{rts: high, wait: 10 * time.Millisecond},
			step{rts: low, wait: 10 * time.Millisecond},
		)
	default:
		return fmt.Errorf("board: no reboot dance for variant %s", v)
	}
}

// level is a tri-state line target: leave alone, drive low, drive high.
type level int

const (
	keep level = iota
	low
	high
)

type step struct {
	dtr  level
	rts  level
	wait time.Duration
}

func (c *Controller) dance(steps ...step) error {
	for _, s := range steps {
		if s.dtr != keep {
			if err := c.lines.SetDTR(s.dtr == high); err != nil {
				return err
			}
		}
		if s.rts != keep {
			if err := c.lines.SetRTS(s.rts == high); err != nil {
				return err
			}
		}
		if s.wait > 0 {
			c.sleep(s.wait)
		}
	}
	return nil
}
