// Repeated-section support for the job engine
//
// SDCARD_LOOP_BEGIN/END markers inside a job file repeat the enclosed lines
// by rewinding the stream position. Implemented on the engine's reposition
// mechanism, so the loop commands must come from the file itself.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"printhost/pkg/errors"
	"printhost/pkg/gcode"
)

// loopFrame is one nesting level of a repeated section.
type loopFrame struct {
	// position is the stream offset just after the SDCARD_LOOP_BEGIN line.
	position int64

	// remaining iterations; 0 repeats until SDCARD_LOOP_DESIST.
	count int
}

func (sd *VirtualSDCard) cmdSdcardLoopBegin(cmd *gcode.Command) (string, error) {
	if !sd.cmdFromSD.Load() {
		return "", errors.New(errors.ErrInvalidParameter,
			"SDCARD_LOOP_BEGIN only works from within a job file")
	}
	count, err := cmd.Int("COUNT", -1)
	if err != nil {
		return "", err
	}
	if count < 0 {
		return "", errors.InvalidParameter(cmd.Name, "COUNT", cmd.String("COUNT", ""))
	}
	sd.loopStack = append(sd.loopStack, loopFrame{
		position: sd.GetFilePosition(),
		count:    count,
	})
	return "", nil
}

func (sd *VirtualSDCard) cmdSdcardLoopEnd(cmd *gcode.Command) (string, error) {
	if !sd.cmdFromSD.Load() {
		return "", errors.New(errors.ErrInvalidParameter,
			"SDCARD_LOOP_END only works from within a job file")
	}
	if len(sd.loopStack) == 0 {
		return "", errors.New(errors.ErrInvalidParameter,
			"SDCARD_LOOP_END without a matching SDCARD_LOOP_BEGIN")
	}
	top := &sd.loopStack[len(sd.loopStack)-1]
	switch {
	case top.count == 0:
		// Infinite section; rewind until desisted.
		sd.SetFilePosition(top.position)
	case top.count > 1:
		top.count--
		sd.SetFilePosition(top.position)
	default:
		sd.loopStack = sd.loopStack[:len(sd.loopStack)-1]
	}
	return "", nil
}

func (sd *VirtualSDCard) cmdSdcardLoopDesist(cmd *gcode.Command) (string, error) {
	if sd.cmdFromSD.Load() {
		return "", errors.New(errors.ErrInvalidParameter,
			"SDCARD_LOOP_DESIST does not work from within a job file")
	}
	sd.loopStack = nil
	return "", nil
}
